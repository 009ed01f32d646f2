package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/secsync/internal/util"
	"github.com/jmcleod/secsync/protocol"
)

const maxRequestBody = 1 << 20

func documentID(r *http.Request) (string, error) {
	id := util.NormalizeID(chi.URLParam(r, "documentID"))
	return id, util.ValidateID(id, "document id")
}

// CreateDocument creates an empty document.
func (a *API) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := util.NormalizeID(req.DocumentID)
	if err := util.ValidateID(id, "document id"); err != nil {
		mapError(w, err)
		return
	}
	if err := a.documents.CreateDocument(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditDocumentCreated, r, slog.String("document_id", id))
	a.writeDocument(w, r, id, http.StatusCreated)
}

// GetDocument returns the document summary with its live connection count.
func (a *API) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	a.writeDocument(w, r, id, http.StatusOK)
}

func (a *API) writeDocument(w http.ResponseWriter, r *http.Request, id string, status int) {
	info, err := a.documents.Info(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := DocumentResponse{
		DocumentID:       info.DocumentID,
		ActiveSnapshotID: info.ActiveSnapshotID,
		SnapshotCount:    info.SnapshotCount,
		LatestVersion:    info.LatestVersion,
		UpdateClocks:     info.UpdateClocks,
		CreatedAt:        info.CreatedAt,
	}
	if a.connections != nil {
		resp.Connections = a.connections.ConnectionCount(id)
	}
	writeJSON(w, status, resp)
}

// GetProofChain returns one page of the document's snapshot history,
// oldest first.
func (a *API) GetProofChain(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	chain, err := a.documents.ProofChain(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	entries, meta, err := parseChainPage(r).slice(chain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.audit.log(AuditProofChainExported, r, slog.String("document_id", id))
	writeJSON(w, http.StatusOK, ProofChainResponse{Entries: entries, PaginationMeta: meta})
}

// VerifyProofChain checks that every link of the chain follows from its
// predecessor, starting at the first snapshot. Without a request body the
// stored chain is verified.
func (a *API) VerifyProofChain(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	var req VerifyProofChainRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chain := req.Entries
	if chain == nil {
		if chain, err = a.documents.ProofChain(r.Context(), id); err != nil {
			mapError(w, err)
			return
		}
	}

	resp := VerifyProofChainResponse{Valid: true, Length: len(chain)}
	if broken := protocol.VerifyProofChain(chain); broken >= 0 {
		resp.Valid = false
		resp.BrokenAt = &broken
		a.audit.log(AuditProofChainBroken, r, slog.String("document_id", id), slog.Int("broken_at", broken))
	}
	writeJSON(w, http.StatusOK, resp)
}
