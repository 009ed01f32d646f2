// Package badger provides a storage repository on BadgerDB. Badger runs
// optimistic serializable transactions; a transaction that loses a write
// race fails at commit and is reported as retryable.
package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/jmcleod/secsync/storage"
)

// keySeparator cannot appear in validated document ids.
const keySeparator = "\x00"

// Store implements storage.Repository backed by BadgerDB.
type Store struct {
	db *badger.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by an open Badger database.
func NewRepository(db *badger.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromDir opens (or creates) a Badger database in dir. Badger's
// own log output is routed to logger; a nil logger silences it.
func NewRepositoryFromDir(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(newLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return NewRepository(db), nil
}

// NewInMemoryRepository opens a Badger database that never touches disk.
func NewInMemoryRepository(logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(newLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory badger db: %w", err)
	}
	return NewRepository(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func documentPrefix(documentID string) []byte {
	return []byte(documentID + keySeparator)
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
	err := s.Batch(documentID, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, record)
	})
	var re *storage.RetryableError
	if errors.As(err, &re) && errors.Is(re.Err, storage.ErrCASFailed) {
		return storage.ErrCASFailed
	}
	return err
}

func (s *Store) View(documentID string, fn func(tx storage.ReadTx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, prefix: documentPrefix(documentID)})
	})
}

// Batch runs fn in one read-write transaction. Commit conflicts are
// returned as retryable storage.ErrConflict.
func (s *Store) Batch(documentID string, fn func(tx storage.BatchTx) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, prefix: documentPrefix(documentID)})
	})
	if errors.Is(err, badger.ErrConflict) {
		return storage.Retryable(fmt.Errorf("%w: %v", storage.ErrConflict, err))
	}
	return storage.WrapBatchError(err)
}

type badgerTx struct {
	txn    *badger.Txn
	prefix []byte
}

func (tx *badgerTx) key(recordType, recordID string) []byte {
	k := make([]byte, 0, len(tx.prefix)+len(recordType)+1+len(recordID))
	k = append(k, tx.prefix...)
	k = append(k, recordType...)
	k = append(k, ':')
	return append(k, recordID...)
}

func (tx *badgerTx) Get(recordType, recordID string) (*storage.Record, error) {
	item, err := tx.txn.Get(tx.key(recordType, recordID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (tx *badgerTx) List(recordType string) ([]string, error) {
	prefix := tx.key(recordType, "")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().KeyCopy(nil)
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

func (tx *badgerTx) Put(recordType, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return tx.txn.Set(tx.key(recordType, recordID), data)
}

func (tx *badgerTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
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
