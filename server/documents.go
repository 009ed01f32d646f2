package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/secsync/internal/util"
	"github.com/jmcleod/secsync/protocol"
	"github.com/jmcleod/secsync/storage"
)

// Record types within a document namespace.
const (
	recordTypeDocument = "document"
	recordIDHead       = "head"
	recordTypeSnapshot = "snapshot"
	recordTypeChain    = "chain"
	recordTypeUpdate   = "update."
)

// GetDocumentParams selects what GetDocument returns. In delta mode with
// KnownSnapshotID equal to the active snapshot only the updates after
// KnownSnapshotUpdateClocks are returned.
type GetDocumentParams struct {
	DocumentID                string
	KnownSnapshotID           string
	KnownSnapshotUpdateClocks protocol.Clocks
	Mode                      protocol.LoadMode
}

// Document is the state delivered to a connecting client.
type Document struct {
	Snapshot           *protocol.SnapshotWithServerData
	Updates            []protocol.UpdateWithServerData
	SnapshotProofChain []protocol.SnapshotProofChainEntry
}

// DocumentStore is the persistence collaborator of the relay handler.
type DocumentStore interface {
	GetDocument(ctx context.Context, params GetDocumentParams) (*Document, error)
	CreateSnapshot(ctx context.Context, documentID string, snapshot *protocol.SnapshotWithClientData) (*protocol.SnapshotWithServerData, error)
	CreateUpdate(ctx context.Context, documentID string, update *protocol.Update) (*protocol.UpdateWithServerData, error)
}

// DocumentInfo summarizes a document for inspection.
type DocumentInfo struct {
	DocumentID       string          `json:"documentId"`
	ActiveSnapshotID string          `json:"activeSnapshotId,omitempty"`
	SnapshotCount    int             `json:"snapshotCount"`
	LatestVersion    uint64          `json:"latestVersion"`
	UpdateClocks     protocol.Clocks `json:"updateClocks"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type documentHead struct {
	ActiveSnapshotID string    `json:"activeSnapshotId"`
	SnapshotCount    int       `json:"snapshotCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

type snapshotRecord struct {
	Snapshot             protocol.Snapshot `json:"snapshot"`
	AdditionalServerData json.RawMessage   `json:"additionalServerData,omitempty"`
	CiphertextHash       string            `json:"ciphertextHash"`
	Sequence             int               `json:"sequence"`
	LatestVersion        uint64            `json:"latestVersion"`
	UpdateClocks         protocol.Clocks   `json:"updateClocks"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// DocumentService applies the relay's acceptance rules for snapshots and
// updates on top of a storage.Repository. Every write runs in one storage
// transaction; transactions that lose a race are retried.
type DocumentService struct {
	repo       storage.Repository
	logger     *slog.Logger
	retry      retryPolicy
	autoCreate bool
	now        func() time.Time
}

var _ DocumentStore = (*DocumentService)(nil)

func NewDocumentService(repo storage.Repository, opts ...Option) *DocumentService {
	o := applyOptions(opts)
	return &DocumentService{
		repo:       repo,
		logger:     o.logger.With("component", "documents"),
		retry:      retryPolicy{attempts: o.retryAttempts, delay: o.retryDelay},
		autoCreate: o.autoCreate,
		now:        o.now,
	}
}

func chainRecordID(sequence int) string {
	return fmt.Sprintf("%010d", sequence)
}

func updateRecordID(version uint64) string {
	return fmt.Sprintf("%020d", version)
}

func getHead(tx storage.ReadTx) (documentHead, uint64, error) {
	var head documentHead
	rec, err := tx.Get(recordTypeDocument, recordIDHead)
	if errors.Is(err, storage.ErrNotFound) {
		return head, 0, ErrDocumentNotFound
	}
	if err != nil {
		return head, 0, err
	}
	if err := rec.Decode(&head); err != nil {
		return head, 0, err
	}
	return head, rec.Version, nil
}

func getSnapshot(tx storage.ReadTx, snapshotID string) (*snapshotRecord, error) {
	rec, err := tx.Get(recordTypeSnapshot, snapshotID)
	if err != nil {
		return nil, err
	}
	var s snapshotRecord
	if err := rec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func putJSON(tx storage.BatchTx, recordType, recordID string, v any) error {
	rec, err := storage.NewRecord(v, 0)
	if err != nil {
		return err
	}
	return tx.Put(recordType, recordID, rec)
}

// CreateDocument registers an empty document.
func (s *DocumentService) CreateDocument(ctx context.Context, documentID string) error {
	if err := util.ValidateID(documentID, "document id"); err != nil {
		return err
	}
	rec, err := storage.NewRecord(documentHead{CreatedAt: s.now().UTC()}, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(documentID, recordTypeDocument, recordIDHead, 0, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrDocumentExists
	}
	if err != nil {
		return fmt.Errorf("creating document %s: %w", documentID, err)
	}
	s.logger.InfoContext(ctx, "document created", "document_id", documentID)
	return nil
}

// GetDocument returns the active snapshot, its updates and the proof chain
// from the known snapshot. Unknown documents are created when auto-create
// is enabled, otherwise ErrDocumentNotFound is returned.
func (s *DocumentService) GetDocument(ctx context.Context, params GetDocumentParams) (*Document, error) {
	doc, err := s.loadDocument(params)
	if errors.Is(err, ErrDocumentNotFound) && s.autoCreate {
		if err := s.CreateDocument(ctx, params.DocumentID); err != nil && !errors.Is(err, ErrDocumentExists) {
			return nil, err
		}
		doc, err = s.loadDocument(params)
	}
	return doc, err
}

func (s *DocumentService) loadDocument(params GetDocumentParams) (*Document, error) {
	var doc *Document
	err := s.repo.View(params.DocumentID, func(tx storage.ReadTx) error {
		head, _, err := getHead(tx)
		if err != nil {
			return err
		}
		if head.ActiveSnapshotID == "" {
			doc = &Document{Updates: []protocol.UpdateWithServerData{}}
			return nil
		}
		active, err := getSnapshot(tx, head.ActiveSnapshotID)
		if err != nil {
			return fmt.Errorf("loading active snapshot: %w", err)
		}

		if params.Mode == protocol.LoadModeDelta && params.KnownSnapshotID == head.ActiveSnapshotID {
			updates, err := listUpdates(tx, head.ActiveSnapshotID, params.KnownSnapshotUpdateClocks)
			if err != nil {
				return err
			}
			doc = &Document{Updates: updates}
			return nil
		}

		var chain []protocol.SnapshotProofChainEntry
		if params.KnownSnapshotID != "" && params.KnownSnapshotID != head.ActiveSnapshotID {
			known, err := getSnapshot(tx, params.KnownSnapshotID)
			switch {
			case err == nil:
				if chain, err = listChain(tx, known.Sequence); err != nil {
					return err
				}
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}
		updates, err := listUpdates(tx, head.ActiveSnapshotID, nil)
		if err != nil {
			return err
		}
		doc = &Document{
			Snapshot: &protocol.SnapshotWithServerData{
				Snapshot:   active.Snapshot,
				ServerData: protocol.SnapshotServerData{LatestVersion: active.LatestVersion},
			},
			Updates:            updates,
			SnapshotProofChain: chain,
		}
		return nil
	})
	return doc, err
}

// listUpdates returns the updates of snapshotID in version order, skipping
// those already covered by known.
func listUpdates(tx storage.ReadTx, snapshotID string, known protocol.Clocks) ([]protocol.UpdateWithServerData, error) {
	ids, err := tx.List(recordTypeUpdate + snapshotID)
	if err != nil {
		return nil, err
	}
	updates := make([]protocol.UpdateWithServerData, 0, len(ids))
	for _, id := range ids {
		rec, err := tx.Get(recordTypeUpdate+snapshotID, id)
		if err != nil {
			return nil, err
		}
		var u protocol.UpdateWithServerData
		if err := rec.Decode(&u); err != nil {
			return nil, err
		}
		if u.PublicData.Clock <= known.Current(u.PublicData.PubKey) {
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// listChain returns the proof chain entries after sequence.
func listChain(tx storage.ReadTx, afterSequence int) ([]protocol.SnapshotProofChainEntry, error) {
	ids, err := tx.List(recordTypeChain)
	if err != nil {
		return nil, err
	}
	var chain []protocol.SnapshotProofChainEntry
	for _, id := range ids[min(afterSequence, len(ids)):] {
		rec, err := tx.Get(recordTypeChain, id)
		if err != nil {
			return nil, err
		}
		var entry protocol.SnapshotProofChainEntry
		if err := rec.Decode(&entry); err != nil {
			return nil, err
		}
		chain = append(chain, entry)
	}
	return chain, nil
}

// CreateSnapshot accepts snapshot as the new active snapshot. It must name
// the active snapshot as its parent, carry exactly the active snapshot's
// update clocks and extend the proof chain.
func (s *DocumentService) CreateSnapshot(ctx context.Context, documentID string, snapshot *protocol.SnapshotWithClientData) (*protocol.SnapshotWithServerData, error) {
	pd := snapshot.PublicData
	if err := util.ValidateID(pd.SnapshotID, "snapshot id"); err != nil {
		return nil, err
	}

	err := s.retry.do(ctx, func() error {
		return s.repo.Batch(documentID, func(tx storage.BatchTx) error {
			head, headVersion, err := getHead(tx)
			if err != nil {
				return err
			}
			if _, err := tx.Get(recordTypeSnapshot, pd.SnapshotID); err == nil {
				return ErrDuplicateSnapshot
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}

			activeClocks := protocol.Clocks{}
			expectedProof := protocol.ParentSnapshotProof("", "")
			if head.ActiveSnapshotID != "" {
				active, err := getSnapshot(tx, head.ActiveSnapshotID)
				if err != nil {
					return fmt.Errorf("loading active snapshot: %w", err)
				}
				activeClocks = active.UpdateClocks
				expectedProof = protocol.ParentSnapshotProof(active.Snapshot.PublicData.ParentSnapshotProof, active.CiphertextHash)
			}

			// Also rejects a named parent while no snapshot is active.
			if pd.ParentSnapshotID != head.ActiveSnapshotID {
				return protocol.ErrSnapshotBasedOnOutdatedSnapshot
			}
			if equal, missing := protocol.CompareClocks(activeClocks, pd.ParentSnapshotUpdateClocks); !equal {
				s.logger.DebugContext(ctx, "snapshot misses updates",
					"document_id", documentID, "snapshot_id", pd.SnapshotID, "missing", missing)
				return protocol.ErrSnapshotMissesUpdates
			}
			if pd.ParentSnapshotProof != expectedProof {
				return protocol.ErrInvalidParentSnapshot
			}

			sequence := head.SnapshotCount + 1
			entry := snapshot.ChainEntry()
			err = putJSON(tx, recordTypeSnapshot, pd.SnapshotID, snapshotRecord{
				Snapshot:             snapshot.Snapshot,
				AdditionalServerData: snapshot.AdditionalServerData,
				CiphertextHash:       entry.SnapshotCiphertextHash,
				Sequence:             sequence,
				UpdateClocks:         protocol.Clocks{},
				CreatedAt:            s.now().UTC(),
			})
			if err != nil {
				return err
			}
			if err := putJSON(tx, recordTypeChain, chainRecordID(sequence), entry); err != nil {
				return err
			}

			head.ActiveSnapshotID = pd.SnapshotID
			head.SnapshotCount = sequence
			rec, err := storage.NewRecord(head, headVersion+1)
			if err != nil {
				return err
			}
			return tx.PutCAS(recordTypeDocument, recordIDHead, headVersion, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "snapshot saved",
		"document_id", documentID, "snapshot_id", pd.SnapshotID, "author", pd.PubKey)
	return &protocol.SnapshotWithServerData{Snapshot: snapshot.Snapshot}, nil
}

// CreateUpdate appends update to the active snapshot. The update clock must
// follow the author's last accepted clock; the assigned version increases
// monotonically per snapshot.
func (s *DocumentService) CreateUpdate(ctx context.Context, documentID string, update *protocol.Update) (*protocol.UpdateWithServerData, error) {
	pd := update.PublicData
	var saved *protocol.UpdateWithServerData

	err := s.retry.do(ctx, func() error {
		return s.repo.Batch(documentID, func(tx storage.BatchTx) error {
			head, _, err := getHead(tx)
			if err != nil {
				return err
			}
			if head.ActiveSnapshotID == "" || head.ActiveSnapshotID != pd.RefSnapshotID {
				return protocol.ErrNewSnapshotRequired
			}
			active, err := getSnapshot(tx, head.ActiveSnapshotID)
			if err != nil {
				return fmt.Errorf("loading active snapshot: %w", err)
			}
			if err := protocol.CheckUpdateClock(active.UpdateClocks, pd.PubKey, pd.Clock); err != nil {
				return err
			}

			version := active.LatestVersion + 1
			if active.UpdateClocks == nil {
				active.UpdateClocks = protocol.Clocks{}
			}
			active.UpdateClocks[pd.PubKey] = pd.Clock
			active.LatestVersion = version

			u := protocol.UpdateWithServerData{
				Update:     *update,
				ServerData: protocol.UpdateServerData{Version: version},
			}
			if err := putJSON(tx, recordTypeUpdate+pd.RefSnapshotID, updateRecordID(version), u); err != nil {
				return err
			}
			if err := putJSON(tx, recordTypeSnapshot, head.ActiveSnapshotID, active); err != nil {
				return err
			}
			saved = &u
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "update saved",
		"document_id", documentID, "snapshot_id", pd.RefSnapshotID, "clock", pd.Clock, "version", saved.ServerData.Version)
	return saved, nil
}

// Info summarizes documentID.
func (s *DocumentService) Info(ctx context.Context, documentID string) (*DocumentInfo, error) {
	var info *DocumentInfo
	err := s.repo.View(documentID, func(tx storage.ReadTx) error {
		head, _, err := getHead(tx)
		if err != nil {
			return err
		}
		info = &DocumentInfo{
			DocumentID:       documentID,
			ActiveSnapshotID: head.ActiveSnapshotID,
			SnapshotCount:    head.SnapshotCount,
			UpdateClocks:     protocol.Clocks{},
			CreatedAt:        head.CreatedAt,
		}
		if head.ActiveSnapshotID == "" {
			return nil
		}
		active, err := getSnapshot(tx, head.ActiveSnapshotID)
		if err != nil {
			return err
		}
		info.LatestVersion = active.LatestVersion
		if active.UpdateClocks != nil {
			info.UpdateClocks = active.UpdateClocks
		}
		return nil
	})
	return info, err
}

// ProofChain returns the complete snapshot history of documentID, oldest
// first.
func (s *DocumentService) ProofChain(ctx context.Context, documentID string) ([]protocol.SnapshotProofChainEntry, error) {
	var chain []protocol.SnapshotProofChainEntry
	err := s.repo.View(documentID, func(tx storage.ReadTx) error {
		if _, _, err := getHead(tx); err != nil {
			return err
		}
		var err error
		chain, err = listChain(tx, 0)
		return err
	})
	if chain == nil {
		chain = []protocol.SnapshotProofChainEntry{}
	}
	return chain, err
}
