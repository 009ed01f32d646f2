// Package bbolt provides a BBolt-backed storage repository with one bucket
// per document.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/secsync/storage"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func makeKey(recordType, recordID string) []byte {
	return []byte(fmt.Sprintf("%s:%s", recordType, recordID))
}

func (s *Store) Put(documentID, recordType, recordID string, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		return (&boltTx{bucket: b}).Put(recordType, recordID, record)
	})
}

func (s *Store) Get(documentID, recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.View(documentID, func(tx storage.ReadTx) error {
		var err error
		rec, err = tx.Get(recordType, recordID)
		return err
	})
	return rec, err
}

func (s *Store) List(documentID, recordType string) ([]string, error) {
	var ids []string
	err := s.View(documentID, func(tx storage.ReadTx) error {
		var err error
		ids, err = tx.List(recordType)
		return err
	})
	return ids, err
}

func (s *Store) PutCAS(documentID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		return (&boltTx{bucket: b}).PutCAS(recordType, recordID, expectedVersion, record)
	})
}

// View runs fn in a read-only transaction. A document without a bucket
// reads as empty.
func (s *Store) View(documentID string, fn func(tx storage.ReadTx) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket([]byte(documentID))})
	})
}

// Batch runs fn in a single read-write transaction. bbolt serializes
// writers, so the only retryable failure is a CAS mismatch.
func (s *Store) Batch(documentID string, fn func(tx storage.BatchTx) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		return fn(&boltTx{bucket: b})
	})
	return storage.WrapBatchError(err)
}

type boltTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltTx) Get(recordType, recordID string) (*storage.Record, error) {
	if tx.bucket == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	data := tx.bucket.Get(makeKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (tx *boltTx) List(recordType string) ([]string, error) {
	var ids []string
	if tx.bucket == nil {
		return ids, nil
	}
	prefix := []byte(recordType + ":")
	c := tx.bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

func (tx *boltTx) Put(recordType, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return tx.bucket.Put(makeKey(recordType, recordID), data)
}

func (tx *boltTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existingData := tx.bucket.Get(makeKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return tx.Put(recordType, recordID, record)
}
