// Package store defines the persistence contract shared by the Postgres and
// SQLite backends: atomic sync-state updates, catalog upserts, and the
// inventory-mapping side table used by the annotation worker.
package store

import (
	"context"

	"github.com/qualys/certview-mirror/internal/certview/model"
)

// Store is the single serialization point for catalog and state mutation.
// Implementations own whatever locking their persistence backend requires;
// callers never need their own mutex around Store calls.
type Store interface {
	// GetState returns the current SyncState, or model.DefaultSyncState()
	// if no state row exists yet.
	GetState(ctx context.Context) (model.SyncState, error)

	// SaveState applies a partial update atomically. LastSyncTimestamp is
	// always set to now regardless of which fields are supplied.
	SaveState(ctx context.Context, update model.StateUpdate) error

	// SaveCertificates upserts by id. Entries with an empty ID are skipped.
	// All records in one call commit or roll back together.
	SaveCertificates(ctx context.Context, records []model.Certificate) error

	// GetAllCertificates returns the full catalog ordered by ValidFromDate
	// descending.
	GetAllCertificates(ctx context.Context) ([]model.Certificate, error)

	// GetCertificateBySerial looks up a single certificate by serial number.
	// Returns (model.Certificate{}, false, nil) when no row matches.
	GetCertificateBySerial(ctx context.Context, serial string) (model.Certificate, bool, error)

	// UpdateMipAnnotation sets MappedToMip/MipStatus for the certificate
	// with the given serial number. A no-op (returns nil) if no row matches.
	UpdateMipAnnotation(ctx context.Context, serial string, mipStatus string) error

	// ReplaceInventoryMappings truncates the inventory_mapping table and
	// bulk-inserts rows, as one transaction.
	ReplaceInventoryMappings(ctx context.Context, rows []model.InventoryMapping) error

	// ListInventoryMappings returns the unprocessed inventory_mapping rows,
	// or all rows if includeProcessed is true.
	ListInventoryMappings(ctx context.Context, includeProcessed bool) ([]model.InventoryMapping, error)

	// MarkInventoryMappingProcessed flags a row as processed after the
	// annotation worker has applied it.
	MarkInventoryMappingProcessed(ctx context.Context, serial string) error

	// ClearData deletes all Certificates and the SyncState record. Used by
	// startFullSync and the control surface's reset operation.
	ClearData(ctx context.Context) error

	// SaveToken persists an issued auth token to the audit table.
	// Best-effort from the caller's perspective: failures here never fail
	// a token refresh.
	SaveToken(ctx context.Context, token model.AuthToken) error

	// Close releases the underlying connection pool or handle.
	Close() error
}
