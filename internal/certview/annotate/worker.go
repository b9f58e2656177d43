// Package annotate implements the Annotation Worker: a one-shot enrichment
// pass that maps imported inventory rows onto mirrored Certificates.
package annotate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/metrics"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/store"
)

// Required column headers, matched case-insensitively and trimmed.
const (
	columnSerialNumber      = "certificate serial number"
	columnCertificateName   = "certificate name"
	columnCertificateStatus = "certificate status"
)

// Worker runs the import and apply phases. At most one apply pass may run
// at a time; a second concurrent call is rejected.
type Worker struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	running atomic.Bool
}

// New creates an Annotation Worker over st.
func New(st store.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, logger: logger, metrics: metrics.New()}
}

// Import parses a CSV inventory file, validates its header, and replaces
// the InventoryMapping table in one transaction. Synchronous.
func (w *Worker) Import(ctx context.Context, r io.Reader) error {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return &certviewerr.InputError{Reason: fmt.Sprintf("failed to read header row: %v", err)}
	}

	idx, err := resolveColumns(header)
	if err != nil {
		return err
	}

	var rows []model.InventoryMapping
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &certviewerr.InputError{Reason: fmt.Sprintf("failed to read row: %v", err)}
		}

		rows = append(rows, model.InventoryMapping{
			SerialNumber:      strings.TrimSpace(field(record, idx.serial)),
			CertificateName:   strings.TrimSpace(field(record, idx.name)),
			CertificateStatus: strings.TrimSpace(field(record, idx.status)),
		})
	}

	if err := w.store.ReplaceInventoryMappings(ctx, rows); err != nil {
		return err
	}
	w.logger.Info("inventory mapping imported", "rows", len(rows))
	return nil
}

type columnIndex struct {
	serial int
	name   int
	status int
}

// resolveColumns matches the required headers case-insensitively and
// trimmed, failing with a user-visible message if any is missing.
func resolveColumns(header []string) (columnIndex, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		positions[strings.ToLower(strings.TrimSpace(h))] = i
	}

	idx := columnIndex{}
	var missing []string

	if i, ok := positions[columnSerialNumber]; ok {
		idx.serial = i
	} else {
		missing = append(missing, columnSerialNumber)
	}
	if i, ok := positions[columnCertificateName]; ok {
		idx.name = i
	} else {
		missing = append(missing, columnCertificateName)
	}
	if i, ok := positions[columnCertificateStatus]; ok {
		idx.status = i
	} else {
		missing = append(missing, columnCertificateStatus)
	}

	if len(missing) > 0 {
		return columnIndex{}, &certviewerr.InputError{
			Reason: fmt.Sprintf("missing required column(s): %s", strings.Join(missing, ", ")),
		}
	}
	return idx, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}

// Apply runs the background enrichment pass: for each unprocessed
// InventoryMapping row, look up the matching Certificate by serial number
// and, if found and not already mapped, set mappedToMip=true and mipStatus.
// Already-mapped certificates are left untouched (mappedToMip is monotonic).
// Rejected if another Apply call is already in flight.
func (w *Worker) Apply(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return &certviewerr.ConcurrencyError{Reason: "annotation apply is already running"}
	}
	defer w.running.Store(false)

	rows, err := w.store.ListInventoryMappings(ctx, false)
	if err != nil {
		return err
	}

	applied := 0
	for _, row := range rows {
		if row.SerialNumber == "" {
			continue
		}

		cert, found, err := w.store.GetCertificateBySerial(ctx, row.SerialNumber)
		if err != nil {
			return err
		}
		if !found || cert.MappedToMip {
			if markErr := w.store.MarkInventoryMappingProcessed(ctx, row.SerialNumber); markErr != nil {
				w.logger.Warn("failed to mark inventory row processed", "serial_number", row.SerialNumber, "error", markErr)
			}
			continue
		}

		if err := w.store.UpdateMipAnnotation(ctx, row.SerialNumber, row.CertificateStatus); err != nil {
			return err
		}
		if err := w.store.MarkInventoryMappingProcessed(ctx, row.SerialNumber); err != nil {
			w.logger.Warn("failed to mark inventory row processed", "serial_number", row.SerialNumber, "error", err)
		}
		applied++
		w.metrics.AnnotationsApplied.Inc()
	}

	w.logger.Info("annotation apply completed", "rows_examined", len(rows), "applied", applied)
	return nil
}

// IsRunning reports whether an Apply pass is currently in flight.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}
