package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/secsync/storage"
	"github.com/jmcleod/secsync/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SECSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SECSYNC_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestPostgresConcurrentBatchesConflict(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("doc", "head", "h", &storage.Record{Data: []byte(`0`), Version: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Batch("doc", func(tx storage.BatchTx) error {
				rec, err := tx.Get("head", "h")
				if err != nil {
					return err
				}
				return tx.PutCAS("head", "h", rec.Version, &storage.Record{Data: []byte(`1`), Version: rec.Version + 1})
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !storage.IsRetryable(err):
			t.Errorf("conflicting batch returned a non-retryable error: %v", err)
		case !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrCASFailed):
			t.Errorf("unexpected retryable error: %v", err)
		}
	}
	if succeeded == 0 {
		t.Error("expected at least one batch to succeed")
	}
}
