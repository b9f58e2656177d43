// Package model defines the data types mirrored from CertView and the
// process's own control record.
package model

import (
	"strconv"
	"strings"
	"time"
)

// SyncStatus is the lifecycle state of the sync engine, persisted alongside
// the checkpoint so it survives restarts.
type SyncStatus string

const (
	StatusStopped   SyncStatus = "STOPPED"
	StatusRunning   SyncStatus = "RUNNING"
	StatusCompleted SyncStatus = "COMPLETED"
	StatusError     SyncStatus = "ERROR"
)

// DefaultAnchor is the lower bound of the sweep when no checkpoint exists yet.
const DefaultAnchor = "1900-01-01T00:00:00Z"

// DateTimeLayout is the wire format used for all window boundaries sent to
// CertView: YYYY-MM-DDTHH:MM:SSZ, always UTC.
const DateTimeLayout = "2006-01-02T15:04:05Z"

// SyncState is the single control record tracking sweep progress.
type SyncState struct {
	LastSuccessfulValidFromDate string     `json:"lastSuccessfulValidFromDate"`
	LastSyncTimestamp           *time.Time `json:"lastSyncTimestamp"`
	TotalRecordsCollected       int64      `json:"totalRecordsCollected"`
	Status                      SyncStatus `json:"status"`
}

// DefaultSyncState returns the state of a freshly-initialized (or reset) store.
func DefaultSyncState() SyncState {
	return SyncState{
		LastSuccessfulValidFromDate: DefaultAnchor,
		TotalRecordsCollected:       0,
		Status:                      StatusStopped,
	}
}

// StateUpdate is a partial update applied atomically by the Store; nil
// fields leave the corresponding column unchanged.
type StateUpdate struct {
	ValidFromDate *string
	TotalRecords  *int64
	Status        *SyncStatus
}

// NameOrg is the issuer/subject shape shared by both fields.
type NameOrg struct {
	Name         string `json:"name"`
	Organization string `json:"organization"`
}

// Certificate is a normalized catalog entry. FullJSON preserves the raw
// upstream payload verbatim so the record round-trips.
type Certificate struct {
	ID                  string   `json:"id"`
	CertHash            string   `json:"certhash"`
	ValidFromDate       string   `json:"validFromDate"`
	ValidToDate         string   `json:"validToDate"`
	SerialNumber        string   `json:"serialNumber"`
	KeySize             int      `json:"keySize"`
	SignatureAlgorithm  string   `json:"signatureAlgorithm"`
	ExtendedValidation  bool     `json:"extendedValidation"`
	SelfSigned          bool     `json:"selfSigned"`
	Issuer              NameOrg  `json:"issuer"`
	Subject             NameOrg  `json:"subject"`
	AssetCount          int      `json:"assetCount"`
	InstanceCount       int      `json:"instanceCount"`
	Sources             []string `json:"sources"`
	Assets              []string `json:"assets"`

	// Local-only annotation fields. MappedToMip is monotonic: it may only
	// transition false -> true outside of an explicit reset.
	MappedToMip bool   `json:"mappedToMip"`
	MipStatus   string `json:"mipStatus"`

	// FullJSON is the raw upstream record, preserved verbatim.
	FullJSON map[string]any `json:"-"`
}

// DefaultMipStatus is the annotation status of an un-mapped certificate.
const DefaultMipStatus = "Unknown"

// AuthToken is the credential issued by the CertView auth endpoint.
type AuthToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Valid     bool
}

// InventoryMapping is one row of the imported inventory spreadsheet.
type InventoryMapping struct {
	SerialNumber      string
	CertificateName   string
	CertificateStatus string
	Processed         bool
}

// ExportColumns is the fixed column order for exportSnapshot. The export
// callers always write every column listed here, including columns that no
// record in the dataset carries; no column is skipped.
var ExportColumns = []string{
	"id", "certhash", "validFromDate", "validToDate", "issuer.name", "subject.name",
	"keySize", "serialNumber", "signatureAlgorithm", "extendedValidation", "selfSigned",
	"issuer.organization", "subject.organization", "assetCount", "instanceCount",
	"sources", "assets",
}

// ExportRow projects a Certificate onto ExportColumns. Collection fields
// are joined with semicolons.
func ExportRow(rec Certificate) []string {
	row := make([]string, len(ExportColumns))
	for i, col := range ExportColumns {
		switch col {
		case "id":
			row[i] = rec.ID
		case "certhash":
			row[i] = rec.CertHash
		case "validFromDate":
			row[i] = rec.ValidFromDate
		case "validToDate":
			row[i] = rec.ValidToDate
		case "issuer.name":
			row[i] = rec.Issuer.Name
		case "subject.name":
			row[i] = rec.Subject.Name
		case "keySize":
			row[i] = strconv.Itoa(rec.KeySize)
		case "serialNumber":
			row[i] = rec.SerialNumber
		case "signatureAlgorithm":
			row[i] = rec.SignatureAlgorithm
		case "extendedValidation":
			row[i] = strconv.FormatBool(rec.ExtendedValidation)
		case "selfSigned":
			row[i] = strconv.FormatBool(rec.SelfSigned)
		case "issuer.organization":
			row[i] = rec.Issuer.Organization
		case "subject.organization":
			row[i] = rec.Subject.Organization
		case "assetCount":
			row[i] = strconv.Itoa(rec.AssetCount)
		case "instanceCount":
			row[i] = strconv.Itoa(rec.InstanceCount)
		case "sources":
			row[i] = strings.Join(rec.Sources, ";")
		case "assets":
			row[i] = strings.Join(rec.Assets, ";")
		}
	}
	return row
}
