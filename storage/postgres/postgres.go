// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (document_id,
// record_type, record_id) that mirrors the key space of the BBolt and
// in-memory backends. Batches run at SERIALIZABLE isolation.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/secsync/storage"
)

// serialization_failure and deadlock_detected
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Put(documentID, recordType, recordID string, record *storage.Record) error {
	return put(context.Background(), s.pool, documentID, recordType, recordID, record)
}

func (s *Store) Get(documentID, recordType, recordID string) (*storage.Record, error) {
	return get(context.Background(), s.pool, documentID, recordType, recordID)
}

func (s *Store) List(documentID, recordType string) ([]string, error) {
	return list(context.Background(), s.pool, documentID, recordType)
}

func (s *Store) PutCAS(documentID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.Batch(documentID, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, record)
	})
}

// View runs fn in a read-only repeatable-read transaction.
func (s *Store) View(documentID string, fn func(tx storage.ReadTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTxn{ctx: ctx, tx: pgTx, documentID: documentID}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// Batch runs fn in a serializable transaction. Serialization failures and
// CAS mismatches are reported as retryable.
func (s *Store) Batch(documentID string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTxn{ctx: ctx, tx: pgTx, documentID: documentID}); err != nil {
		return storage.WrapBatchError(wrapConflict(err))
	}
	return storage.WrapBatchError(wrapConflict(pgTx.Commit(ctx)))
}

func wrapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) &&
		(pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected) {
		return storage.Retryable(fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.Message))
	}
	return err
}

type pgTxn struct {
	ctx        context.Context
	tx         pgx.Tx
	documentID string
}

var _ storage.BatchTx = (*pgTxn)(nil)

func (t *pgTxn) Get(recordType, recordID string) (*storage.Record, error) {
	return get(t.ctx, t.tx, t.documentID, recordType, recordID)
}

func (t *pgTxn) List(recordType string) ([]string, error) {
	return list(t.ctx, t.tx, t.documentID, recordType)
}

func (t *pgTxn) Put(recordType, recordID string, record *storage.Record) error {
	return put(t.ctx, t.tx, t.documentID, recordType, recordID, record)
}

func (t *pgTxn) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	var currentVersion uint64
	err := t.tx.QueryRow(t.ctx,
		`SELECT version FROM records
		 WHERE document_id = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		t.documentID, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = t.tx.Exec(t.ctx,
			`INSERT INTO records (document_id, record_type, record_id, data, version)
			 VALUES ($1, $2, $3, $4, $5)`,
			t.documentID, recordType, recordID, nonNil(record.Data), record.Version)
		return err
	}
	if err != nil {
		return err
	}
	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}
	return t.Put(recordType, recordID, record)
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func get(ctx context.Context, q querier, documentID, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := q.QueryRow(ctx,
		`SELECT data, version FROM records
		 WHERE document_id = $1 AND record_type = $2 AND record_id = $3`,
		documentID, recordType, recordID).Scan(&rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func list(ctx context.Context, q querier, documentID, recordType string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records
		 WHERE document_id = $1 AND record_type = $2
		 ORDER BY record_id COLLATE "C"`,
		documentID, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func put(ctx context.Context, q querier, documentID, recordType, recordID string, record *storage.Record) error {
	_, err := q.Exec(ctx,
		`INSERT INTO records (document_id, record_type, record_id, data, version)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (document_id, record_type, record_id)
		 DO UPDATE SET data = $4, version = $5`,
		documentID, recordType, recordID, nonNil(record.Data), record.Version)
	return err
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
