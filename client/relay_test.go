package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/secsync/server"
	"github.com/jmcleod/secsync/storage/memory"
)

func newTestRelay(t *testing.T) (host string, docs *server.DocumentService) {
	t.Helper()
	opts := []server.Option{
		server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		server.WithRetry(5, time.Millisecond),
	}
	docs = server.NewDocumentService(memory.NewRepository(), opts...)
	broadcast := server.NewBroadcastStore(nil, opts...)
	srv := httptest.NewServer(server.NewHandler(docs, broadcast, nil, opts...).Router())
	t.Cleanup(func() {
		srv.Close()
		broadcast.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), docs
}

func waitItems(t *testing.T, app *testApp, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Equal(app.snapshot(), want)
	}, waitFor, 10*time.Millisecond, "items %v, want %v", app.snapshot(), want)
}

func waitSettled(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := e.Status()
		return s.State == StateConnectedIdle && s.DecryptionState == DecryptionComplete &&
			!s.SnapshotInFlight && s.UpdatesInFlight == 0 && s.PendingChanges == 0
	}, waitFor, 10*time.Millisecond)
}

func TestEnginesSyncThroughRelay(t *testing.T) {
	host, docs := newTestRelay(t)
	key := newKey(t)

	alice := newTestApp(t, key)
	aliceEngine := startEngine(t, alice.config("doc", host, nil))
	waitSettled(t, aliceEngine)

	alice.add(aliceEngine, "a1")
	waitSettled(t, aliceEngine)
	firstSnapshot := aliceEngine.Status().ActiveSnapshotID
	require.NotEmpty(t, firstSnapshot)

	bob := newTestApp(t, key)
	bobCfg := bob.config("doc", host, nil)
	bobCfg.ShouldSendSnapshot = func(info SnapshotInfo) bool { return info.SnapshotUpdatesCount >= 3 }
	bobEngine := startEngine(t, bobCfg)
	waitItems(t, bob, "a1")
	waitSettled(t, bobEngine)
	assert.Equal(t, firstSnapshot, bobEngine.Status().ActiveSnapshotID)

	t.Run("updates", func(t *testing.T) {
		alice.add(aliceEngine, "a2")
		waitItems(t, bob, "a1", "a2")

		bob.add(bobEngine, "b1")
		waitItems(t, alice, "a1", "a2", "b1")
		waitSettled(t, aliceEngine)
		waitSettled(t, bobEngine)

		info, err := docs.Info(context.Background(), "doc")
		require.NoError(t, err)
		assert.Equal(t, firstSnapshot, info.ActiveSnapshotID)
		assert.Equal(t, 0, info.UpdateClocks[alice.signer.PublicKeyString()])
		assert.Equal(t, 0, info.UpdateClocks[bob.signer.PublicKeyString()])
	})

	t.Run("ephemeral messages", func(t *testing.T) {
		require.Eventually(t, func() bool {
			_ = aliceEngine.SendEphemeralMessage([]byte("cursor"))
			return slices.Contains(bob.ephemeralMessages(), "cursor")
		}, waitFor, 50*time.Millisecond)
	})

	t.Run("reconnect loads the delta", func(t *testing.T) {
		require.NoError(t, bobEngine.Disconnect())
		waitState(t, bobEngine, StateDisconnected)

		alice.add(aliceEngine, "a3")
		waitSettled(t, aliceEngine)

		require.NoError(t, bobEngine.Connect())
		waitItems(t, bob, "a1", "a2", "b1", "a3")
		waitSettled(t, bobEngine)
	})

	t.Run("snapshot replaces updates", func(t *testing.T) {
		bob.add(bobEngine, "b2")
		waitSettled(t, bobEngine)
		second := bobEngine.Status().ActiveSnapshotID
		require.NotEqual(t, firstSnapshot, second)

		waitItems(t, alice, "a1", "a2", "b1", "a3", "b2")
		require.Eventually(t, func() bool {
			return aliceEngine.Status().ActiveSnapshotID == second
		}, waitFor, 10*time.Millisecond)

		chain, err := docs.ProofChain(context.Background(), "doc")
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, second, chain[1].SnapshotID)

		// updates now reference the new snapshot
		alice.add(aliceEngine, "a4")
		waitItems(t, bob, "a1", "a2", "b1", "a3", "b2", "a4")
	})

	assert.Empty(t, aliceEngine.Status().SnapshotAndUpdateErrors)
	assert.Empty(t, bobEngine.Status().SnapshotAndUpdateErrors)
}

func TestEngineResumesFromKnownSnapshot(t *testing.T) {
	host, _ := newTestRelay(t)
	key := newKey(t)

	alice := newTestApp(t, key)
	aliceEngine := startEngine(t, alice.config("doc", host, nil))
	waitSettled(t, aliceEngine)
	alice.add(aliceEngine, "a1")
	waitSettled(t, aliceEngine)
	alice.add(aliceEngine, "a2")
	waitSettled(t, aliceEngine)

	alice.mu.Lock()
	known := alice.updates[len(alice.updates)-1].KnownSnapshotInfo
	alice.mu.Unlock()
	alice.add(aliceEngine, "a3")
	waitSettled(t, aliceEngine)

	// a returning client already holds a1 and a2
	bob := newTestApp(t, key)
	bob.items = []string{"a1", "a2"}
	cfg := bob.config("doc", host, nil)
	cfg.LoadDocumentParams = &LoadDocumentParams{KnownSnapshotInfo: known, Mode: "delta"}
	bobEngine := startEngine(t, cfg)

	waitItems(t, bob, "a1", "a2", "a3")
	waitSettled(t, bobEngine)
	assert.Equal(t, known.SnapshotID, bobEngine.Status().ActiveSnapshotID)
}
