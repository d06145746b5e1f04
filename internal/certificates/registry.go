package certificates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SoftDeleteAfter = 60 * 24 * time.Hour
	PurgeAfter      = 365 * 24 * time.Hour
)

// ChangeFunc is called with the fingerprints whose stored state changed.
type ChangeFunc func(fingerprints []string)

type SweepResult struct {
	SoftDeleted int
	Purged      int
	Failed      int
}

// Registry owns the lifecycle of certificate records: insertion with
// supersession, revocation and retention.
type Registry struct {
	repo Repository
	now  func() time.Time

	mu        sync.RWMutex
	listeners []ChangeFunc
}

func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo: repo,
		now:  time.Now,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// OnChange registers fn to run after every mutation.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) changed(fingerprints ...string) {
	if len(fingerprints) == 0 {
		return
	}
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(fingerprints)
	}
}

func (r *Registry) FindByFingerprint(ctx context.Context, fingerprint string) (*Record, error) {
	return r.repo.FindByFingerprint(ctx, fingerprint)
}

func (r *Registry) FindByMachineID(ctx context.Context, machineID string) ([]*Record, error) {
	return r.repo.FindByMachineID(ctx, machineID)
}

func (r *Registry) FindActive(ctx context.Context) ([]*Record, error) {
	return r.repo.FindActive(ctx)
}

// Insert stores a new record and then revokes every other unrevoked record of
// the same machine. Supersession is best effort: failures are logged per
// record and do not fail the insert.
func (r *Registry) Insert(ctx context.Context, record *Record) error {
	if record.FingerprintSHA256 == "" || record.MachineID == "" {
		return fmt.Errorf("fingerprint and machine id are required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Version = 0

	if err := r.repo.Save(ctx, record); err != nil {
		return fmt.Errorf("failed to save certificate record: %w", err)
	}
	changed := []string{record.FingerprintSHA256}

	siblings, err := r.repo.FindByMachineID(ctx, record.MachineID)
	if err != nil {
		slog.Error("Failed to load records for supersession", "error", err, "machine_id", record.MachineID)
		r.changed(changed...)
		return nil
	}

	superseded := 0
	for _, sibling := range siblings {
		if sibling.ID == record.ID || sibling.FingerprintSHA256 == record.FingerprintSHA256 || sibling.Revoked() {
			continue
		}
		ok, err := r.revoke(ctx, sibling, SupersededReason, record.IssuedAt)
		if err != nil {
			slog.Warn("Failed to supersede certificate record",
				"error", err,
				"machine_id", record.MachineID,
				"record_id", sibling.ID,
				"fingerprint", sibling.FingerprintSHA256)
			continue
		}
		if ok {
			superseded++
			changed = append(changed, sibling.FingerprintSHA256)
		}
	}

	slog.Info("Registered certificate record",
		"record_id", record.ID,
		"machine_id", record.MachineID,
		"fingerprint", record.FingerprintSHA256,
		"superseded", superseded)

	r.changed(changed...)
	return nil
}

func normalizeReason(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return DefaultRevokeReason
	}
	return reason
}

// RevokeByID reports false when the record is missing or soft-deleted.
func (r *Registry) RevokeByID(ctx context.Context, id, reason string) (bool, error) {
	record, err := r.repo.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if record.IsDeleted {
		return false, nil
	}

	if _, err := r.revoke(ctx, record, normalizeReason(reason), r.now()); err != nil {
		return false, err
	}
	r.changed(record.FingerprintSHA256)
	return true, nil
}

// RevokeByFingerprint reports false when no non-deleted record matches.
// Revoking an already revoked record is a no-op that reports true.
func (r *Registry) RevokeByFingerprint(ctx context.Context, fingerprint, reason string) (bool, error) {
	record, err := r.repo.FindByFingerprint(ctx, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := r.revoke(ctx, record, normalizeReason(reason), r.now()); err != nil {
		return false, err
	}
	r.changed(record.FingerprintSHA256)
	return true, nil
}

// RevokeByDeviceID revokes every active record of the machine and returns how
// many were revoked. Failures on individual records are joined into the error.
func (r *Registry) RevokeByDeviceID(ctx context.Context, machineID, reason string) (int, error) {
	records, err := r.repo.FindByMachineID(ctx, machineID)
	if err != nil {
		return 0, err
	}

	reason = normalizeReason(reason)
	now := r.now()

	var (
		count   int
		errs    []error
		changed []string
	)
	for _, record := range records {
		if record.Revoked() {
			continue
		}
		ok, err := r.revoke(ctx, record, reason, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", record.ID, err))
			continue
		}
		if ok {
			count++
			changed = append(changed, record.FingerprintSHA256)
		}
	}

	r.changed(changed...)
	return count, errors.Join(errs...)
}

// revoke marks the record revoked unless it already is. Returns true when this
// call set the revocation. A version conflict is retried once against the
// freshly loaded record.
func (r *Registry) revoke(ctx context.Context, record *Record, reason string, at time.Time) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if record.Revoked() {
			return false, nil
		}

		updated := record.Clone()
		revokedAt := at
		updated.RevokedAt = &revokedAt
		updated.RevokeReason = reason

		err := r.repo.Save(ctx, updated)
		if err == nil {
			*record = *updated
			slog.Info("Revoked certificate record",
				"record_id", record.ID,
				"machine_id", record.MachineID,
				"fingerprint", record.FingerprintSHA256,
				"reason", reason)
			return true, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return false, err
		}

		fresh, err := r.repo.FindByID(ctx, record.ID)
		if err != nil {
			return false, err
		}
		record = fresh
	}
	return false, ErrVersionConflict
}

// SweepExpired soft-deletes records that expired more than SoftDeleteAfter
// ago, then purges soft-deleted records that expired more than PurgeAfter
// ago. A failure on one record does not stop the sweep.
func (r *Registry) SweepExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.now()
	var changed []string

	records, err := r.repo.FindAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list certificate records: %w", err)
	}

	softCutoff := now.Add(-SoftDeleteAfter)
	for _, record := range records {
		if record.IsDeleted || !record.ExpiresAt.Before(softCutoff) {
			continue
		}
		updated := record.Clone()
		updated.IsDeleted = true
		if err := r.repo.Save(ctx, updated); err != nil {
			result.Failed++
			slog.Warn("Failed to soft-delete certificate record", "error", err, "record_id", record.ID)
			continue
		}
		result.SoftDeleted++
		changed = append(changed, record.FingerprintSHA256)
	}

	records, err = r.repo.FindAll(ctx)
	if err != nil {
		r.changed(changed...)
		return result, fmt.Errorf("failed to list certificate records: %w", err)
	}

	purgeCutoff := now.Add(-PurgeAfter)
	for _, record := range records {
		if !record.IsDeleted || !record.ExpiresAt.Before(purgeCutoff) {
			continue
		}
		if err := r.repo.Delete(ctx, record.ID); err != nil && !errors.Is(err, ErrNotFound) {
			result.Failed++
			slog.Warn("Failed to purge certificate record", "error", err, "record_id", record.ID)
			continue
		}
		result.Purged++
	}

	r.changed(changed...)
	return result, nil
}

// CleanUp runs SweepExpired and logs the outcome.
func (r *Registry) CleanUp(ctx context.Context) error {
	result, err := r.SweepExpired(ctx)
	if err != nil {
		return err
	}
	slog.Info("Swept expired certificate records",
		"soft_deleted", result.SoftDeleted,
		"purged", result.Purged,
		"failed", result.Failed)
	return nil
}
