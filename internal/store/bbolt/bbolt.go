// Package bbolt provides a BBolt-backed certificate record repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"go.etcd.io/bbolt"
)

var (
	recordsBucket      = []byte("certificate_records")
	fingerprintsBucket = []byte("certificate_fingerprints")
)

// Store keeps records as JSON documents keyed by id, with a secondary index
// from fingerprint to id covering non-deleted records.
type Store struct {
	db *bbolt.DB
}

var _ certificates.Repository = (*Store)(nil)

func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(fingerprintsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getRecord(b *bbolt.Bucket, id string) (*certificates.Record, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, certificates.ErrNotFound
	}
	var record certificates.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) Save(_ context.Context, record *certificates.Record) error {
	var newVersion int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		index := tx.Bucket(fingerprintsBucket)

		existing, err := getRecord(records, record.ID)
		switch {
		case errors.Is(err, certificates.ErrNotFound):
			if record.Version != 0 {
				return certificates.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			if record.Version == 0 || existing.Version != record.Version {
				return certificates.ErrVersionConflict
			}
		}

		fp := []byte(record.FingerprintSHA256)
		owner := index.Get(fp)
		if record.IsDeleted {
			if owner != nil && bytes.Equal(owner, []byte(record.ID)) {
				if err := index.Delete(fp); err != nil {
					return err
				}
			}
		} else {
			if owner != nil && !bytes.Equal(owner, []byte(record.ID)) {
				return certificates.ErrDuplicateFingerprint
			}
			if err := index.Put(fp, []byte(record.ID)); err != nil {
				return err
			}
		}

		stored := record.Clone()
		stored.Version = record.Version + 1
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(record.ID), data); err != nil {
			return err
		}
		newVersion = stored.Version
		return nil
	})
	if err != nil {
		return err
	}
	record.Version = newVersion
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*certificates.Record, error) {
	var record *certificates.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getRecord(tx.Bucket(recordsBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) FindByFingerprint(_ context.Context, fingerprint string) (*certificates.Record, error) {
	var record *certificates.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(fingerprintsBucket).Get([]byte(fingerprint))
		if id == nil {
			return certificates.ErrNotFound
		}
		var err error
		record, err = getRecord(tx.Bucket(recordsBucket), string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) FindByMachineID(_ context.Context, machineID string) ([]*certificates.Record, error) {
	return s.scan(func(r *certificates.Record) bool {
		return !r.IsDeleted && r.MachineID == machineID
	})
}

func (s *Store) FindActive(_ context.Context) ([]*certificates.Record, error) {
	return s.scan((*certificates.Record).Active)
}

func (s *Store) FindAll(_ context.Context) ([]*certificates.Record, error) {
	return s.scan(func(*certificates.Record) bool { return true })
}

func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		record, err := getRecord(records, id)
		if err != nil {
			return err
		}
		index := tx.Bucket(fingerprintsBucket)
		fp := []byte(record.FingerprintSHA256)
		if owner := index.Get(fp); owner != nil && bytes.Equal(owner, []byte(id)) {
			if err := index.Delete(fp); err != nil {
				return err
			}
		}
		return records.Delete([]byte(id))
	})
}

func (s *Store) scan(match func(*certificates.Record) bool) ([]*certificates.Record, error) {
	var out []*certificates.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			var record certificates.Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if match(&record) {
				out = append(out, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}
