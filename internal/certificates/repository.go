package certificates

import (
	"context"
	"errors"
)

var (
	ErrNotFound             = errors.New("certificate record not found")
	ErrVersionConflict      = errors.New("certificate record version conflict")
	ErrDuplicateFingerprint = errors.New("certificate fingerprint already registered")
)

// Repository persists certificate records.
//
// Save inserts when record.Version is zero and otherwise updates only if the
// stored version still equals record.Version, returning ErrVersionConflict
// when it does not. On success the record's Version holds the new value.
//
// The Find methods other than FindByID and FindAll skip soft-deleted records.
type Repository interface {
	Save(ctx context.Context, record *Record) error
	FindByID(ctx context.Context, id string) (*Record, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*Record, error)
	FindByMachineID(ctx context.Context, machineID string) ([]*Record, error)
	FindActive(ctx context.Context) ([]*Record, error)
	FindAll(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, id string) error
}
