// Package postgres implements the standard-profile Store backend:
// sync_state, certificates, inventory_mapping, and auth_tokens tables over
// a pooled pgx connection.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/store/migrations"
)

// Store persists CertView state in PostgreSQL. Writes are serialized
// through mu so the upsert-then-checkpoint ordering the sync engine relies
// on holds without depending on transaction isolation level tuning.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	mu     sync.Mutex
}

// Open connects to dsn, applies pending migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := migrations.Run(db, "postgres", logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetState(ctx context.Context) (model.SyncState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT last_successful_valid_from_date, last_sync_timestamp, total_records_collected, status
		FROM sync_state WHERE id = 1`)

	var state model.SyncState
	var ts sql.NullTime
	var statusStr string
	err := row.Scan(&state.LastSuccessfulValidFromDate, &ts, &state.TotalRecordsCollected, &statusStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &certviewerr.StoreError{Op: "save state begin", Cause: err}
	}
	defer tx.Rollback(ctx)

	current, err := s.GetState(ctx)
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

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_state (id, last_successful_valid_from_date, last_sync_timestamp, total_records_collected, status)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			last_successful_valid_from_date = EXCLUDED.last_successful_valid_from_date,
			last_sync_timestamp = EXCLUDED.last_sync_timestamp,
			total_records_collected = EXCLUDED.total_records_collected,
			status = EXCLUDED.status`,
		current.LastSuccessfulValidFromDate, now, current.TotalRecordsCollected, string(current.Status))
	if err != nil {
		return &certviewerr.StoreError{Op: "save state", Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &certviewerr.StoreError{Op: "save state commit", Cause: err}
	}
	return nil
}

func (s *Store) SaveCertificates(ctx context.Context, records []model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &certviewerr.StoreError{Op: "save certificates begin", Cause: err}
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		sourcesJSON, _ := json.Marshal(rec.Sources)
		assetsJSON, _ := json.Marshal(rec.Assets)
		fullJSON, _ := json.Marshal(rec.FullJSON)

		_, err := tx.Exec(ctx, `
			INSERT INTO certificates (
				id, certhash, valid_from_date, valid_to_date, serial_number, key_size,
				signature_algorithm, extended_validation, self_signed,
				issuer_name, issuer_organization, subject_name, subject_organization,
				asset_count, instance_count, sources, assets,
				mapped_to_mip, mip_status, full_json
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
			)
			ON CONFLICT (id) DO UPDATE SET
				certhash = EXCLUDED.certhash,
				valid_from_date = EXCLUDED.valid_from_date,
				valid_to_date = EXCLUDED.valid_to_date,
				serial_number = EXCLUDED.serial_number,
				key_size = EXCLUDED.key_size,
				signature_algorithm = EXCLUDED.signature_algorithm,
				extended_validation = EXCLUDED.extended_validation,
				self_signed = EXCLUDED.self_signed,
				issuer_name = EXCLUDED.issuer_name,
				issuer_organization = EXCLUDED.issuer_organization,
				subject_name = EXCLUDED.subject_name,
				subject_organization = EXCLUDED.subject_organization,
				asset_count = EXCLUDED.asset_count,
				instance_count = EXCLUDED.instance_count,
				sources = EXCLUDED.sources,
				assets = EXCLUDED.assets,
				full_json = EXCLUDED.full_json`,
			rec.ID, rec.CertHash, rec.ValidFromDate, rec.ValidToDate, rec.SerialNumber, rec.KeySize,
			rec.SignatureAlgorithm, rec.ExtendedValidation, rec.SelfSigned,
			rec.Issuer.Name, rec.Issuer.Organization, rec.Subject.Name, rec.Subject.Organization,
			rec.AssetCount, rec.InstanceCount, sourcesJSON, assetsJSON,
			rec.MappedToMip, nonEmptyOr(rec.MipStatus, model.DefaultMipStatus), fullJSON)
		if err != nil {
			return &certviewerr.StoreError{Op: fmt.Sprintf("upsert certificate %s", rec.ID), Cause: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &certviewerr.StoreError{Op: "save certificates commit", Cause: err}
	}
	return nil
}

func (s *Store) GetAllCertificates(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx, `
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
	row := s.pool.QueryRow(ctx, `
		SELECT id, certhash, valid_from_date, valid_to_date, serial_number, key_size,
			signature_algorithm, extended_validation, self_signed,
			issuer_name, issuer_organization, subject_name, subject_organization,
			asset_count, instance_count, sources, assets, mapped_to_mip, mip_status, full_json
		FROM certificates WHERE serial_number = $1 LIMIT 1`, serial)

	rec, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Certificate{}, false, nil
		}
		return model.Certificate{}, false, &certviewerr.StoreError{Op: "get certificate by serial", Cause: err}
	}
	return rec, true, nil
}

func (s *Store) UpdateMipAnnotation(ctx context.Context, serial string, mipStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.pool.Exec(ctx, `
		UPDATE certificates SET mapped_to_mip = TRUE, mip_status = $2
		WHERE serial_number = $1`, serial, mipStatus)
	if err != nil {
		return &certviewerr.StoreError{Op: "update mip annotation", Cause: err}
	}
	return nil
}

func (s *Store) ReplaceInventoryMappings(ctx context.Context, rows []model.InventoryMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &certviewerr.StoreError{Op: "replace inventory mappings begin", Cause: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE TABLE inventory_mapping`); err != nil {
		return &certviewerr.StoreError{Op: "truncate inventory mapping", Cause: err}
	}

	for _, r := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO inventory_mapping (serial_number, certificate_name, certificate_status, processed)
			VALUES ($1, $2, $3, FALSE)`, r.SerialNumber, r.CertificateName, r.CertificateStatus)
		if err != nil {
			return &certviewerr.StoreError{Op: "insert inventory mapping", Cause: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &certviewerr.StoreError{Op: "replace inventory mappings commit", Cause: err}
	}
	return nil
}

func (s *Store) ListInventoryMappings(ctx context.Context, includeProcessed bool) ([]model.InventoryMapping, error) {
	query := `SELECT serial_number, certificate_name, certificate_status, processed FROM inventory_mapping`
	if !includeProcessed {
		query += ` WHERE processed = FALSE`
	}

	rows, err := s.pool.Query(ctx, query)
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

	_, err := s.pool.Exec(ctx, `UPDATE inventory_mapping SET processed = TRUE WHERE serial_number = $1`, serial)
	if err != nil {
		return &certviewerr.StoreError{Op: "mark inventory mapping processed", Cause: err}
	}
	return nil
}

func (s *Store) ClearData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &certviewerr.StoreError{Op: "clear data begin", Cause: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM certificates`); err != nil {
		return &certviewerr.StoreError{Op: "clear certificates", Cause: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync_state`); err != nil {
		return &certviewerr.StoreError{Op: "clear sync state", Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &certviewerr.StoreError{Op: "clear data commit", Cause: err}
	}
	return nil
}

func (s *Store) SaveToken(ctx context.Context, token model.AuthToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_tokens (token_value, created_at, expires_at, valid)
		VALUES ($1, $2, $3, $4)`, token.Value, token.IssuedAt, token.ExpiresAt, token.Valid)
	if err != nil {
		return &certviewerr.StoreError{Op: "save token", Cause: err}
	}
	return nil
}

// rowScanner abstracts pgx.Row and pgx.Rows so scanCertificate serves both
// GetAllCertificates and GetCertificateBySerial.
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
