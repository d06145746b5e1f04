// Package memory provides an in-process certificate record repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/EternisAI/silo-gate/internal/certificates"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]*certificates.Record
}

var _ certificates.Repository = (*Store)(nil)

func NewStore() *Store {
	return &Store{records: make(map[string]*certificates.Record)}
}

func (s *Store) Save(_ context.Context, record *certificates.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[record.ID]
	if record.Version == 0 {
		if exists {
			return certificates.ErrVersionConflict
		}
	} else if !exists || existing.Version != record.Version {
		return certificates.ErrVersionConflict
	}

	if !record.IsDeleted {
		for id, other := range s.records {
			if id != record.ID && !other.IsDeleted && other.FingerprintSHA256 == record.FingerprintSHA256 {
				return certificates.ErrDuplicateFingerprint
			}
		}
	}

	stored := record.Clone()
	stored.Version = record.Version + 1
	s.records[record.ID] = stored
	record.Version = stored.Version
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*certificates.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, certificates.ErrNotFound
	}
	return record.Clone(), nil
}

func (s *Store) FindByFingerprint(_ context.Context, fingerprint string) (*certificates.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.records {
		if !record.IsDeleted && record.FingerprintSHA256 == fingerprint {
			return record.Clone(), nil
		}
	}
	return nil, certificates.ErrNotFound
}

func (s *Store) FindByMachineID(_ context.Context, machineID string) ([]*certificates.Record, error) {
	return s.filter(func(r *certificates.Record) bool {
		return !r.IsDeleted && r.MachineID == machineID
	}), nil
}

func (s *Store) FindActive(_ context.Context) ([]*certificates.Record, error) {
	return s.filter((*certificates.Record).Active), nil
}

func (s *Store) FindAll(_ context.Context) ([]*certificates.Record, error) {
	return s.filter(func(*certificates.Record) bool { return true }), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return certificates.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// filter returns matching records ordered by issue time.
func (s *Store) filter(match func(*certificates.Record) bool) []*certificates.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*certificates.Record
	for _, record := range s.records {
		if match(record) {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
