package server

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/secsync/crypto"
	"github.com/jmcleod/secsync/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type author struct {
	key    []byte
	signer *crypto.SigningKey
	pubKey string
}

func newAuthor(t *testing.T, key []byte) *author {
	t.Helper()
	signer, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	t.Cleanup(signer.Destroy)
	return &author{key: key, signer: signer, pubKey: signer.PublicKeyString()}
}

func newDocumentKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func (a *author) initialSnapshot(t *testing.T, docID, snapshotID string) *protocol.SnapshotWithClientData {
	t.Helper()
	s, err := protocol.CreateInitialSnapshot([]byte("initial"), protocol.SnapshotPublicData{
		DocID:      docID,
		SnapshotID: snapshotID,
	}, a.key, a.signer)
	require.NoError(t, err)
	return &protocol.SnapshotWithClientData{Snapshot: *s}
}

func (a *author) childSnapshot(t *testing.T, parent *protocol.Snapshot, snapshotID string, clocks protocol.Clocks) *protocol.SnapshotWithClientData {
	t.Helper()
	s, err := protocol.CreateSnapshot([]byte("child"), protocol.SnapshotPublicData{
		DocID:                      parent.PublicData.DocID,
		SnapshotID:                 snapshotID,
		ParentSnapshotID:           parent.PublicData.SnapshotID,
		ParentSnapshotUpdateClocks: clocks,
	}, a.key, a.signer, crypto.Hash(parent.Ciphertext), parent.PublicData.ParentSnapshotProof)
	require.NoError(t, err)
	return &protocol.SnapshotWithClientData{Snapshot: *s}
}

func (a *author) update(t *testing.T, docID, snapshotID string, clock int) *protocol.Update {
	t.Helper()
	u, err := protocol.CreateUpdate([]byte("change"), protocol.UpdatePublicData{
		DocID:         docID,
		RefSnapshotID: snapshotID,
	}, a.key, a.signer, nil, protocol.WithClock(clock))
	require.NoError(t, err)
	return u
}
