// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/secsync/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process relays.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneRecord(rec *storage.Record) *storage.Record {
	if rec == nil {
		return nil
	}
	return &storage.Record{
		Data:    append([]byte(nil), rec.Data...),
		Version: rec.Version,
	}
}

func (r *Repository) Put(documentID, recordType, recordID string, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(documentID, recordType, recordID, record)
}

func (r *Repository) putLocked(documentID, recordType, recordID string, record *storage.Record) error {
	if _, ok := r.data[documentID]; !ok {
		r.data[documentID] = make(map[string]*storage.Record)
	}
	r.data[documentID][makeKey(recordType, recordID)] = cloneRecord(record)
	return nil
}

func (r *Repository) Get(documentID, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(documentID, recordType, recordID)
}

func (r *Repository) getLocked(documentID, recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[documentID][makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *Repository) List(documentID, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(documentID, recordType), nil
}

func (r *Repository) listLocked(documentID, recordType string) []string {
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[documentID] {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, k[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) PutCAS(documentID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(documentID, recordType, recordID, expectedVersion, record)
}

func (r *Repository) putCASLocked(documentID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := r.getLocked(documentID, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(documentID, recordType, recordID, record)
	}
	// expectedVersion 0 means "create", so any existing record conflicts.
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(documentID, recordType, recordID, record)
}

// View runs fn under the read lock.
func (r *Repository) View(documentID string, fn func(tx storage.ReadTx) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(&memoryTx{repo: r, documentID: documentID})
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(documentID string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotDocument(documentID)

	tx := &memoryTx{repo: r, documentID: documentID}
	if err := fn(tx); err != nil {
		r.restoreDocument(documentID, snapshot)
		return storage.WrapBatchError(err)
	}
	return nil
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}

func (r *Repository) snapshotDocument(documentID string) map[string]*storage.Record {
	original, ok := r.data[documentID]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = cloneRecord(v)
	}
	return cp
}

func (r *Repository) restoreDocument(documentID string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, documentID)
	} else {
		r.data[documentID] = snapshot
	}
}

// memoryTx is used for both View and Batch; the caller holds the lock.
type memoryTx struct {
	repo       *Repository
	documentID string
}

func (tx *memoryTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(tx.documentID, recordType, recordID)
}

func (tx *memoryTx) List(recordType string) ([]string, error) {
	return tx.repo.listLocked(tx.documentID, recordType), nil
}

func (tx *memoryTx) Put(recordType, recordID string, record *storage.Record) error {
	return tx.repo.putLocked(tx.documentID, recordType, recordID, record)
}

func (tx *memoryTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return tx.repo.putCASLocked(tx.documentID, recordType, recordID, expectedVersion, record)
}
