// Package postgres implements certificates.Repository backed by PostgreSQL.
// The schema is created by the goose migrations in internal/db.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const selectColumns = `id::text, fingerprint_sha256, machine_id, issued_at, expires_at,
	revoked_at, revoke_reason, is_deleted, version`

type Store struct {
	pool *pgxpool.Pool
}

var _ certificates.Repository = (*Store)(nil)

func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Save(ctx context.Context, record *certificates.Record) error {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return fmt.Errorf("invalid record id %q: %w", record.ID, err)
	}

	var tag pgconn.CommandTag
	if record.Version == 0 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO certificate_records
			   (id, fingerprint_sha256, machine_id, issued_at, expires_at, revoked_at, revoke_reason, is_deleted, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			 ON CONFLICT (id) DO NOTHING`,
			id, record.FingerprintSHA256, record.MachineID, record.IssuedAt, record.ExpiresAt,
			record.RevokedAt, record.RevokeReason, record.IsDeleted)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE certificate_records
			 SET fingerprint_sha256 = $2, machine_id = $3, issued_at = $4, expires_at = $5,
			     revoked_at = $6, revoke_reason = $7, is_deleted = $8, version = version + 1
			 WHERE id = $1 AND version = $9`,
			id, record.FingerprintSHA256, record.MachineID, record.IssuedAt, record.ExpiresAt,
			record.RevokedAt, record.RevokeReason, record.IsDeleted, record.Version)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", record.FingerprintSHA256, certificates.ErrDuplicateFingerprint)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return certificates.ErrVersionConflict
	}
	record.Version++
	return nil
}

func scanRecord(row pgx.Row) (*certificates.Record, error) {
	var r certificates.Record
	err := row.Scan(&r.ID, &r.FingerprintSHA256, &r.MachineID, &r.IssuedAt, &r.ExpiresAt,
		&r.RevokedAt, &r.RevokeReason, &r.IsDeleted, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, certificates.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*certificates.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*certificates.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FindByID(ctx context.Context, id string) (*certificates.Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, certificates.ErrNotFound
	}
	return scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM certificate_records WHERE id = $1`, uid))
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*certificates.Record, error) {
	return scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM certificate_records
		 WHERE fingerprint_sha256 = $1 AND NOT is_deleted`, fingerprint))
}

func (s *Store) FindByMachineID(ctx context.Context, machineID string) ([]*certificates.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM certificate_records
		 WHERE machine_id = $1 AND NOT is_deleted ORDER BY issued_at`, machineID)
}

func (s *Store) FindActive(ctx context.Context) ([]*certificates.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM certificate_records
		 WHERE NOT is_deleted AND revoked_at IS NULL ORDER BY issued_at`)
}

func (s *Store) FindAll(ctx context.Context) ([]*certificates.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM certificate_records ORDER BY issued_at`)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return certificates.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM certificate_records WHERE id = $1`, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return certificates.ErrNotFound
	}
	return nil
}
