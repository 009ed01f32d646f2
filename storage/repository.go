// Package storage provides the persistence abstraction used by the relay.
// Records are grouped per document; every document is an isolated
// namespace of (recordType, recordID) keys.
package storage

import (
	"encoding/json"
	"fmt"
)

// Record is a stored value with an optimistic concurrency version.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// NewRecord JSON-encodes v into a Record carrying version.
func NewRecord(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data, Version: version}, nil
}

// Decode JSON-decodes the record data into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// ReadTx reads a consistent view of one document.
type ReadTx interface {
	Get(recordType string, recordID string) (*Record, error)
	// List returns the record ids of recordType in ascending order.
	List(recordType string) ([]string, error)
}

// BatchTx provides reads and writes within an atomic transaction.
// The documentID is scoped to the batch, so methods don't require it.
type BatchTx interface {
	ReadTx
	Put(recordType string, recordID string, record *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
}

// Repository defines the interface for document record storage.
//
// Batch runs fn in one serializable transaction. Implementations report
// failures that may succeed on a later attempt (write conflicts, CAS
// mismatches) as *RetryableError.
type Repository interface {
	Put(documentID string, recordType string, recordID string, record *Record) error
	Get(documentID string, recordType string, recordID string) (*Record, error)
	List(documentID string, recordType string) ([]string, error)
	PutCAS(documentID string, recordType string, recordID string, expectedVersion uint64, record *Record) error
	View(documentID string, fn func(tx ReadTx) error) error
	Batch(documentID string, fn func(tx BatchTx) error) error
	Close() error
}
