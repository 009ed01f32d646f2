// Package pebble provides a storage repository on Pebble. Pebble has no
// multi-key transactions, so writers to one document are serialized by a
// striped lock and each Batch commits one indexed pebble batch.
package pebble

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/jmcleod/secsync/storage"
)

// keySeparator cannot appear in validated document ids.
const keySeparator = "\x00"

const lockStripes = 64

// Store implements storage.Repository backed by Pebble.
type Store struct {
	db    *pebble.DB
	locks [lockStripes]sync.Mutex
}

var _ storage.Repository = (*Store)(nil)

// NewRepositoryFromDir opens (or creates) a Pebble database in dir.
func NewRepositoryFromDir(dir string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize: 16 << 20,                  // 16 MB memtable
	}
	defer opts.Cache.Unref()
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(documentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(documentID))
	return &s.locks[h.Sum32()%lockStripes]
}

func recordKey(documentID, recordType, recordID string) []byte {
	return []byte(documentID + keySeparator + recordType + keySeparator + recordID)
}

func typePrefix(documentID, recordType string) []byte {
	return []byte(documentID + keySeparator + recordType + keySeparator)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (s *Store) Put(documentID, recordType, recordID string, record *storage.Record) error {
	return s.Batch(documentID, func(tx storage.BatchTx) error {
		return tx.Put(recordType, recordID, record)
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
	return s.Batch(documentID, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, record)
	})
}

// View runs fn against a point-in-time snapshot of the database.
func (s *Store) View(documentID string, fn func(tx storage.ReadTx) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleTx{r: snap, documentID: documentID})
}

// Batch runs fn while holding the document's write lock. Writes become
// visible to fn's own reads and are committed atomically with a WAL sync.
func (s *Store) Batch(documentID string, fn func(tx storage.BatchTx) error) error {
	mu := s.lock(documentID)
	mu.Lock()
	defer mu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(&pebbleTx{r: b, w: b, documentID: documentID}); err != nil {
		return storage.WrapBatchError(err)
	}
	return b.Commit(pebble.Sync)
}

// reader is satisfied by *pebble.Snapshot and indexed *pebble.Batch.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleTx struct {
	r          reader
	w          *pebble.Batch
	documentID string
}

func (tx *pebbleTx) Get(recordType, recordID string) (*storage.Record, error) {
	value, closer, err := tx.r.Get(recordKey(tx.documentID, recordType, recordID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec storage.Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (tx *pebbleTx) List(recordType string) ([]string, error) {
	prefix := typePrefix(tx.documentID, recordType)
	iter, err := tx.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ids := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	return ids, iter.Error()
}

func (tx *pebbleTx) Put(recordType, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return tx.w.Set(recordKey(tx.documentID, recordType, recordID), data, nil)
}

func (tx *pebbleTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := tx.Get(recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	return tx.Put(recordType, recordID, record)
}
