package api

import (
	"time"

	"github.com/jmcleod/secsync/protocol"
)

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateDocumentRequest is the body of POST /documents.
type CreateDocumentRequest struct {
	DocumentID string `json:"document_id"`
}

// DocumentResponse describes one document.
type DocumentResponse struct {
	DocumentID       string          `json:"document_id"`
	ActiveSnapshotID string          `json:"active_snapshot_id,omitempty"`
	SnapshotCount    int             `json:"snapshot_count"`
	LatestVersion    uint64          `json:"latest_version"`
	UpdateClocks     protocol.Clocks `json:"update_clocks"`
	Connections      int             `json:"connections"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ProofChainResponse is one page of a document's snapshot history.
type ProofChainResponse struct {
	Entries []protocol.SnapshotProofChainEntry `json:"entries"`
	PaginationMeta
}

// VerifyProofChainRequest optionally supplies a chain to verify instead of
// the stored one.
type VerifyProofChainRequest struct {
	Entries []protocol.SnapshotProofChainEntry `json:"entries,omitempty"`
}

// VerifyProofChainResponse reports the first broken link, if any.
type VerifyProofChainResponse struct {
	Valid    bool `json:"valid"`
	Length   int  `json:"length"`
	BrokenAt *int `json:"broken_at,omitempty"`
}
