// Package storagetest holds the behavioural tests every storage.Repository
// implementation must pass.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/jmcleod/secsync/storage"
)

// Run exercises repo. The repository must be empty.
func Run(t *testing.T, repo storage.Repository) {
	documentID := "doc1"
	rec := &storage.Record{Data: []byte(`{"a":1}`), Version: 1}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(documentID, "type1", "id1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(documentID, "type1", "id1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Data, rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		got.Data[0] = 'X'
		again, _ := repo.Get(documentID, "type1", "id1")
		if again.Data[0] == 'X' {
			t.Error("repository should not share record buffers with callers")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get("nonexistent", "type1", "id1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown document, got %v", err)
		}
		if _, err := repo.Get(documentID, "type1", "nonexistent"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown record, got %v", err)
		}
	})

	t.Run("ListSorted", func(t *testing.T) {
		for _, id := range []string{"003", "001", "002"} {
			if err := repo.Put(documentID, "list", id, rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		if err := repo.Put(documentID, "lister", "999", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(documentID, "list")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if fmt.Sprint(ids) != "[001 002 003]" {
			t.Errorf("expected sorted ids, got %v", ids)
		}
		ids, _ = repo.List("nonexistent", "list")
		if len(ids) != 0 {
			t.Errorf("expected no ids for unknown document, got %v", ids)
		}
	})

	t.Run("DocumentsAreIsolated", func(t *testing.T) {
		if err := repo.Put("doc2", "type1", "id1", &storage.Record{Data: []byte(`2`)}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(documentID, "type1", "id1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) == "2" {
			t.Error("write to doc2 leaked into doc1")
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := repo.PutCAS(documentID, "cas", "id", 0, &storage.Record{Version: 1}); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(documentID, "cas", "id", 0, &storage.Record{Version: 1}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS(documentID, "cas", "missing", 1, &storage.Record{Version: 2}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed for missing record, got %v", err)
		}
		if err := repo.PutCAS(documentID, "cas", "id", 1, &storage.Record{Version: 2}); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(documentID, "cas", "id", 1, &storage.Record{Version: 3}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}

		// a record stored with version 0 still blocks a create
		if err := repo.Put(documentID, "cas", "zero", &storage.Record{Data: []byte("v0")}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.PutCAS(documentID, "cas", "zero", 0, &storage.Record{Data: []byte("v1"), Version: 1}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed creating over a version 0 record, got %v", err)
		}
		got, err := repo.Get(documentID, "cas", "zero")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "v0" {
			t.Errorf("record overwritten: %q", got.Data)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		err := repo.Batch(documentID, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "id1", rec); err != nil {
				return err
			}
			got, err := tx.Get("batch", "id1")
			if err != nil {
				return fmt.Errorf("read own write: %w", err)
			}
			if got.Version != rec.Version {
				return fmt.Errorf("unexpected version %d", got.Version)
			}
			return tx.PutCAS("batch", "id2", 0, rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(documentID, "batch", "id2"); err != nil {
			t.Error("record id2 should exist after batch")
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		err := repo.Batch(documentID, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "id3", rec); err != nil {
				return err
			}
			if err := tx.Put("batch", "id1", &storage.Record{Data: []byte(`"changed"`)}); err != nil {
				return err
			}
			return errors.New("simulated error")
		})
		if err == nil {
			t.Fatal("expected error from Batch")
		}
		if storage.IsRetryable(err) {
			t.Error("plain errors must not be retryable")
		}
		if _, err := repo.Get(documentID, "batch", "id3"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("record id3 should not exist after failed batch")
		}
		got, err := repo.Get(documentID, "batch", "id1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Data, rec.Data) {
			t.Errorf("id1 should be restored after failed batch, got %s", got.Data)
		}
	})

	t.Run("BatchCASFailureIsRetryable", func(t *testing.T) {
		err := repo.Batch(documentID, func(tx storage.BatchTx) error {
			return tx.PutCAS("batch", "id1", 42, rec)
		})
		if !errors.Is(err, storage.ErrCASFailed) || !storage.IsRetryable(err) {
			t.Errorf("expected retryable ErrCASFailed, got %v", err)
		}
	})

	t.Run("View", func(t *testing.T) {
		var ids []string
		err := repo.View(documentID, func(tx storage.ReadTx) error {
			if _, err := tx.Get("batch", "id1"); err != nil {
				return err
			}
			var err error
			ids, err = tx.List("batch")
			return err
		})
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
		if fmt.Sprint(ids) != "[id1 id2]" {
			t.Errorf("unexpected ids %v", ids)
		}

		err = repo.View("nonexistent", func(tx storage.ReadTx) error {
			_, err := tx.Get("batch", "id1")
			return err
		})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
