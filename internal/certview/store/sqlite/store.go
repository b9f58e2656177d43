// Package sqlite implements the Lite-profile Store backend: a single-file,
// CGO-free SQLite database sharing the Postgres backend's logical schema.
// Designed for single-node deployments with no external dependencies.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/store/migrations"
)

// Store persists CertView state in a local SQLite file. All writes are
// serialized through mu; SQLite itself only allows one writer at a time,
// so this keeps retries out of the hot path.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Open creates (if needed) and opens the SQLite database at path, applying
// pending migrations before returning.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("invalid path contains '..': %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode still serializes writers at the SQLite level; cap the pool
	// small since concurrent writers would just queue anyway.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		logger.Warn("failed to enable WAL mode", "error", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrations.Run(db, "sqlite3", logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("failed to set sqlite file permissions", "path", path, "error", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetState(ctx context.Context) (model.SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_successful_valid_from_date, last_sync_timestamp, total_records_collected, status
		FROM sync_state WHERE id = 1`)

	var state model.SyncState
	var ts sql.NullTime
	var statusStr string
	err := row.Scan(&state.LastSuccessfulValidFromDate, &ts, &state.TotalRecordsCollected, &statusStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DefaultSyncState(), nil
		}
		return model.SyncState{}, &certviewerr.StoreError{Op: "get state", Cause: err}
	}
	if ts.Valid {
		state.LastSyncTimestamp = &ts.Time
	}
	state.Status = model.SyncStatus(statusStr)
	return state, nil
}

func (s *Store) SaveState(ctx context.Context, update model.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &certviewerr.StoreError{Op: "save state begin", Cause: err}
	}
	defer tx.Rollback()

	current, err := s.getStateTx(ctx, tx)
	if err != nil {
		return err
	}
	if update.ValidFromDate != nil {
		current.LastSuccessfulValidFromDate = *update.ValidFromDate
	}
	if update.TotalRecords != nil {
		current.TotalRecordsCollected = *update.TotalRecords
	}
	if update.Status != nil {
		current.Status = *update.Status
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_successful_valid_from_date, last_sync_timestamp, total_records_collected, status)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_successful_valid_from_date = excluded.last_successful_valid_from_date,
			last_sync_timestamp = excluded.last_sync_timestamp,
			total_records_collected = excluded.total_records_collected,
			status = excluded.status`,
		current.LastSuccessfulValidFromDate, now, current.TotalRecordsCollected, string(current.Status))
	if err != nil {
		return &certviewerr.StoreError{Op: "save state", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &certviewerr.StoreError{Op: "save state commit", Cause: err}
	}
	return nil
}

func (s *Store) getStateTx(ctx context.Context, tx *sql.Tx) (model.SyncState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT last_successful_valid_from_date, last_sync_timestamp, total_records_collected, status
		FROM sync_state WHERE id = 1`)

	var state model.SyncState
	var ts sql.NullTime
	var statusStr string
	err := row.Scan(&state.LastSuccessfulValidFromDate, &ts, &state.TotalRecordsCollected, &statusStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DefaultSyncState(), nil
		}
		return model.SyncState{}, &certviewerr.StoreError{Op: "get state", Cause: err}
	}
	if ts.Valid {
		state.LastSyncTimestamp = &ts.Time
	}
	state.Status = model.SyncStatus(statusStr)
	return state, nil
}

func (s *Store) SaveCertificates(ctx context.Context, records []model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &certviewerr.StoreError{Op: "save certificates begin", Cause: err}
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		sourcesJSON, _ := json.Marshal(rec.Sources)
		assetsJSON, _ := json.Marshal(rec.Assets)
		fullJSON, _ := json.Marshal(rec.FullJSON)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO certificates (
				id, certhash, valid_from_date, valid_to_date, serial_number, key_size,
				signature_algorithm, extended_validation, self_signed,
				issuer_name, issuer_organization, subject_name, subject_organization,
				asset_count, instance_count, sources, assets,
				mapped_to_mip, mip_status, full_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				certhash = excluded.certhash,
				valid_from_date = excluded.valid_from_date,
				valid_to_date = excluded.valid_to_date,
				serial_number = excluded.serial_number,
				key_size = excluded.key_size,
				signature_algorithm = excluded.signature_algorithm,
				extended_validation = excluded.extended_validation,
				self_signed = excluded.self_signed,
				issuer_name = excluded.issuer_name,
				issuer_organization = excluded.issuer_organization,
				subject_name = excluded.subject_name,
				subject_organization = excluded.subject_organization,
				asset_count = excluded.asset_count,
				instance_count = excluded.instance_count,
				sources = excluded.sources,
				assets = excluded.assets,
				full_json = excluded.full_json`,
			rec.ID, rec.CertHash, rec.ValidFromDate, rec.ValidToDate, rec.SerialNumber, rec.KeySize,
			rec.SignatureAlgorithm, rec.ExtendedValidation, rec.SelfSigned,
			rec.Issuer.Name, rec.Issuer.Organization, rec.Subject.Name, rec.Subject.Organization,
			rec.AssetCount, rec.InstanceCount, sourcesJSON, assetsJSON,
			rec.MappedToMip, nonEmptyOr(rec.MipStatus, model.DefaultMipStatus), fullJSON)
		if err != nil {
			return &certviewerr.StoreError{Op: fmt.Sprintf("upsert certificate %s", rec.ID), Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &certviewerr.StoreError{Op: "save certificates commit", Cause: err}
	}
	return nil
}

func (s *Store) GetAllCertificates(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, certhash, valid_from_date, valid_to_date, serial_number, key_size,
			signature_algorithm, extended_validation, self_signed,
			issuer_name, issuer_organization, subject_name, subject_organization,
			asset_count, instance_count, sources, assets, mapped_to_mip, mip_status, full_json
		FROM certificates ORDER BY valid_from_date DESC`)
	if err != nil {
		return nil, &certviewerr.StoreError{Op: "get all certificates", Cause: err}
	}
	defer rows.Close()

	var out []model.Certificate
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, &certviewerr.StoreError{Op: "scan certificate", Cause: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetCertificateBySerial(ctx context.Context, serial string) (model.Certificate, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, certhash, valid_from_date, valid_to_date, serial_number, key_size,
			signature_algorithm, extended_validation, self_signed,
			issuer_name, issuer_organization, subject_name, subject_organization,
			asset_count, instance_count, sources, assets, mapped_to_mip, mip_status, full_json
		FROM certificates WHERE serial_number = ? LIMIT 1`, serial)

	rec, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Certificate{}, false, nil
		}
		return model.Certificate{}, false, &certviewerr.StoreError{Op: "get certificate by serial", Cause: err}
	}
	return rec, true, nil
}

func (s *Store) UpdateMipAnnotation(ctx context.Context, serial string, mipStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE certificates SET mapped_to_mip = 1, mip_status = ?
		WHERE serial_number = ?`, mipStatus, serial)
	if err != nil {
		return &certviewerr.StoreError{Op: "update mip annotation", Cause: err}
	}
	return nil
}

func (s *Store) ReplaceInventoryMappings(ctx context.Context, rows []model.InventoryMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &certviewerr.StoreError{Op: "replace inventory mappings begin", Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_mapping`); err != nil {
		return &certviewerr.StoreError{Op: "truncate inventory mapping", Cause: err}
	}

	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_mapping (serial_number, certificate_name, certificate_status, processed)
			VALUES (?, ?, ?, 0)`, r.SerialNumber, r.CertificateName, r.CertificateStatus)
		if err != nil {
			return &certviewerr.StoreError{Op: "insert inventory mapping", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &certviewerr.StoreError{Op: "replace inventory mappings commit", Cause: err}
	}
	return nil
}

func (s *Store) ListInventoryMappings(ctx context.Context, includeProcessed bool) ([]model.InventoryMapping, error) {
	query := `SELECT serial_number, certificate_name, certificate_status, processed FROM inventory_mapping`
	if !includeProcessed {
		query += ` WHERE processed = 0`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &certviewerr.StoreError{Op: "list inventory mappings", Cause: err}
	}
	defer rows.Close()

	var out []model.InventoryMapping
	for rows.Next() {
		var r model.InventoryMapping
		if err := rows.Scan(&r.SerialNumber, &r.CertificateName, &r.CertificateStatus, &r.Processed); err != nil {
			return nil, &certviewerr.StoreError{Op: "scan inventory mapping", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkInventoryMappingProcessed(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE inventory_mapping SET processed = 1 WHERE serial_number = ?`, serial)
	if err != nil {
		return &certviewerr.StoreError{Op: "mark inventory mapping processed", Cause: err}
	}
	return nil
}

func (s *Store) ClearData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &certviewerr.StoreError{Op: "clear data begin", Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM certificates`); err != nil {
		return &certviewerr.StoreError{Op: "clear certificates", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return &certviewerr.StoreError{Op: "clear sync state", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &certviewerr.StoreError{Op: "clear data commit", Cause: err}
	}
	return nil
}

func (s *Store) SaveToken(ctx context.Context, token model.AuthToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token_value, created_at, expires_at, valid)
		VALUES (?, ?, ?, ?)`, token.Value, token.IssuedAt, token.ExpiresAt, token.Valid)
	if err != nil {
		return &certviewerr.StoreError{Op: "save token", Cause: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (model.Certificate, error) {
	var rec model.Certificate
	var sourcesJSON, assetsJSON, fullJSON []byte

	err := row.Scan(
		&rec.ID, &rec.CertHash, &rec.ValidFromDate, &rec.ValidToDate, &rec.SerialNumber, &rec.KeySize,
		&rec.SignatureAlgorithm, &rec.ExtendedValidation, &rec.SelfSigned,
		&rec.Issuer.Name, &rec.Issuer.Organization, &rec.Subject.Name, &rec.Subject.Organization,
		&rec.AssetCount, &rec.InstanceCount, &sourcesJSON, &assetsJSON,
		&rec.MappedToMip, &rec.MipStatus, &fullJSON)
	if err != nil {
		return model.Certificate{}, err
	}

	if len(sourcesJSON) > 0 {
		_ = json.Unmarshal(sourcesJSON, &rec.Sources)
	}
	if len(assetsJSON) > 0 {
		_ = json.Unmarshal(assetsJSON, &rec.Assets)
	}
	if len(fullJSON) > 0 {
		_ = json.Unmarshal(fullJSON, &rec.FullJSON)
	}
	return rec, nil
}

func nonEmptyOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
