package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/secsync/crypto"
	"github.com/jmcleod/secsync/protocol"
)

const waitFor = 5 * time.Second

// testApp is a document made of a list of strings. Every change appends
// one item; a snapshot holds the whole list.
type testApp struct {
	t      *testing.T
	key    []byte
	signer *crypto.SigningKey

	mu        sync.Mutex
	items     []string
	ephemeral []string
	custom    []json.RawMessage
	updates   []DocumentUpdatedEvent
}

func newTestApp(t *testing.T, key []byte) *testApp {
	t.Helper()
	signer, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	t.Cleanup(signer.Destroy)
	return &testApp{t: t, key: key, signer: signer}
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func (a *testApp) config(documentID, host string, dialer Dialer) Config {
	return Config{
		DocumentID: documentID,
		SigningKey: a.signer,
		Host:       host,
		SessionKey: "session-" + a.signer.PublicKeyString()[:8],
		Dialer:     dialer,
		RetryDelay: 5 * time.Millisecond,
		ApplySnapshot: func(content []byte) error {
			var items []string
			if err := json.Unmarshal(content, &items); err != nil {
				return err
			}
			a.mu.Lock()
			a.items = items
			a.mu.Unlock()
			return nil
		},
		ApplyChanges: func(changes [][]byte) error {
			a.mu.Lock()
			for _, c := range changes {
				a.items = append(a.items, string(c))
			}
			a.mu.Unlock()
			return nil
		},
		ApplyEphemeralMessage: func(content []byte, _ string) error {
			a.mu.Lock()
			a.ephemeral = append(a.ephemeral, string(content))
			a.mu.Unlock()
			return nil
		},
		GetSnapshotKey: func(*protocol.SnapshotProofInfo) ([]byte, error) {
			return a.key, nil
		},
		GetNewSnapshotData: func(string) (*NewSnapshotData, error) {
			a.mu.Lock()
			defer a.mu.Unlock()
			data, err := json.Marshal(a.items)
			if err != nil {
				return nil, err
			}
			return &NewSnapshotData{Data: data, Key: a.key}, nil
		},
		IsValidClient: func(string) (bool, error) { return true, nil },
		OnDocumentUpdated: func(ev DocumentUpdatedEvent) {
			a.mu.Lock()
			a.updates = append(a.updates, ev)
			a.mu.Unlock()
		},
		OnCustomMessage: func(msg json.RawMessage) {
			a.mu.Lock()
			a.custom = append(a.custom, msg)
			a.mu.Unlock()
		},
	}
}

// add records item locally and hands it to the engine.
func (a *testApp) add(e *Engine, item string) {
	a.mu.Lock()
	a.items = append(a.items, item)
	a.mu.Unlock()
	require.NoError(a.t, e.AddChanges([]byte(item)))
}

func (a *testApp) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.items...)
}

func (a *testApp) ephemeralMessages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ephemeral...)
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(waitFor):
		t.Fatal("engine is not reading")
	}
}

func (c *fakeConn) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.out:
		return data
	case <-time.After(waitFor):
		t.Fatal("engine did not send a frame")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	d.mu.Unlock()
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("engine did not dial")
		return nil
	}
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want }, waitFor, 5*time.Millisecond,
		"state %s, want %s", e.State(), want)
}

const emptyDocument = `{"type":"document","updates":[]}`

func TestNewValidatesConfig(t *testing.T) {
	app := newTestApp(t, newKey(t))
	valid := app.config("doc", "ws://relay", nil)

	tests := map[string]func(*Config){
		"document id":  func(c *Config) { c.DocumentID = "" },
		"signing key":  func(c *Config) { c.SigningKey = nil },
		"host":         func(c *Config) { c.Host = "" },
		"apply":        func(c *Config) { c.ApplyChanges = nil },
		"snapshot key": func(c *Config) { c.GetSnapshotKey = nil },
		"valid client": func(c *Config) { c.IsValidClient = nil },
		"load mode":    func(c *Config) { c.LoadDocumentParams = &LoadDocumentParams{Mode: "partial"} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			_, err := New(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestEngineConnectsAndLoadsEmptyDocument(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	waitState(t, e, StateConnectedIdle)
	assert.Equal(t, DecryptionPending, e.Status().DecryptionState)

	conn.push(t, emptyDocument)
	require.Eventually(t, func() bool {
		return e.Status().DecryptionState == DecryptionComplete
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, e.Status().ActiveSnapshotID)
}

func TestEngineNoAccess(t *testing.T) {
	for _, frame := range []string{`{"type":"document-not-found"}`, `{"type":"unauthorized"}`} {
		t.Run(frame, func(t *testing.T) {
			app := newTestApp(t, newKey(t))
			dialer := newFakeDialer()
			e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

			conn := dialer.accept(t)
			conn.push(t, frame)
			waitState(t, e, StateNoAccess)
			require.NotEmpty(t, e.Status().SnapshotAndUpdateErrors)

			require.NoError(t, e.Disconnect())
			waitState(t, e, StateDisconnected)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 1, dialer.dials())
		})
	}
}

func TestEngineDocumentErrorFails(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	dialer.accept(t).push(t, `{"type":"document-error"}`)
	waitState(t, e, StateFailed)
	assert.ErrorIs(t, e.Status().SnapshotAndUpdateErrors[0], ErrDocumentError)
}

func TestEngineUpdatesWithoutSnapshotFails(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	update, err := protocol.CreateUpdate([]byte(`[]`), protocol.UpdatePublicData{
		DocID: "doc", RefSnapshotID: "snap",
	}, app.key, app.signer, nil)
	require.NoError(t, err)
	frame, err := json.Marshal(protocol.DocumentMessage{
		Type:    protocol.MessageDocument,
		Updates: []protocol.UpdateWithServerData{{Update: *update}},
	})
	require.NoError(t, err)

	dialer.accept(t).push(t, string(frame))
	waitState(t, e, StateFailed)
	status := e.Status()
	assert.Equal(t, DecryptionFailed, status.DecryptionState)
	assert.ErrorIs(t, status.SnapshotAndUpdateErrors[0], ErrUpdatesWithoutSnapshot)
}

func TestEngineReconnectsAfterConnectionLoss(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	first := dialer.accept(t)
	first.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	require.NoError(t, first.Close())

	second := dialer.accept(t)
	second.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	assert.Equal(t, 2, dialer.dials())
	require.Eventually(t, func() bool { return e.Status().Retries == 0 }, waitFor, 5*time.Millisecond)
}

func TestEngineDisconnectStopsReconnecting(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	conn.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)

	require.NoError(t, e.Disconnect())
	waitState(t, e, StateDisconnected)
	select {
	case <-conn.closed:
	case <-time.After(waitFor):
		t.Fatal("connection not closed")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())

	require.NoError(t, e.Connect())
	dialer.accept(t)
	assert.Equal(t, 2, dialer.dials())
}

func TestEngineCustomMessage(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	dialer.accept(t).push(t, `{"type":"presence","users":3}`)
	require.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return len(app.custom) == 1
	}, waitFor, 5*time.Millisecond)
	assert.JSONEq(t, `{"type":"presence","users":3}`, string(app.custom[0]))
}

func TestEngineSendsInitialSnapshot(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	conn.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	app.add(e, "first")

	var sent protocol.SnapshotWithClientData
	require.NoError(t, json.Unmarshal(conn.next(t), &sent))
	assert.Equal(t, "doc", sent.PublicData.DocID)
	assert.Empty(t, sent.PublicData.ParentSnapshotID)
	assert.Equal(t, protocol.ParentSnapshotProof("", ""), sent.PublicData.ParentSnapshotProof)
	content, err := protocol.VerifyAndDecryptSnapshot(&sent.Snapshot, app.key, "doc", app.signer.PublicKeyString())
	require.NoError(t, err)
	assert.JSONEq(t, `["first"]`, string(content))
	assert.True(t, e.Status().SnapshotInFlight)

	conn.push(t, `{"type":"snapshot-saved","snapshotId":"`+sent.PublicData.SnapshotID+`"}`)
	require.Eventually(t, func() bool {
		return e.Status().ActiveSnapshotID == sent.PublicData.SnapshotID
	}, waitFor, 5*time.Millisecond)
	assert.False(t, e.Status().SnapshotInFlight)

	app.mu.Lock()
	defer app.mu.Unlock()
	require.NotEmpty(t, app.updates)
	last := app.updates[len(app.updates)-1]
	assert.Equal(t, DocumentSnapshotSaved, last.Type)
	assert.Equal(t, sent.PublicData.SnapshotID, last.KnownSnapshotInfo.SnapshotID)
}

func TestEngineSnapshotSaveFailuresAreBounded(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	conn.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	app.add(e, "first")

	seen := map[string]bool{}
	for i := 0; i < maxSnapshotSaveFailures; i++ {
		var sent protocol.SnapshotWithClientData
		require.NoError(t, json.Unmarshal(conn.next(t), &sent))
		assert.False(t, seen[sent.PublicData.SnapshotID], "snapshot ids are fresh")
		seen[sent.PublicData.SnapshotID] = true
		conn.push(t, `{"type":"snapshot-save-failed","updates":[]}`)
	}

	// the connection is replaced and the change is still pending
	next := dialer.accept(t)
	require.Eventually(t, func() bool {
		return errors.Is(firstError(e), ErrTooManySnapshotFailures)
	}, waitFor, 5*time.Millisecond)
	next.push(t, emptyDocument)

	var retried protocol.SnapshotWithClientData
	require.NoError(t, json.Unmarshal(next.next(t), &retried))
	content, err := protocol.VerifyAndDecryptSnapshot(&retried.Snapshot, app.key, "doc", app.signer.PublicKeyString())
	require.NoError(t, err)
	assert.JSONEq(t, `["first"]`, string(content))
}

func TestEngineEphemeralRequiresConnection(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	dialer.accept(t).push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	require.NoError(t, e.SendEphemeralMessage([]byte("hello")))
	require.Eventually(t, func() bool {
		errs := e.Status().EphemeralMessageSendingErrors
		return len(errs) == 1 && errors.Is(errs[0], ErrNoActiveSnapshot)
	}, waitFor, 5*time.Millisecond)
}

func TestEngineClose(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e, err := New(context.Background(), app.config("doc", "ws://relay", dialer.dial))
	require.NoError(t, err)

	conn := dialer.accept(t)
	waitState(t, e, StateConnectedIdle)
	require.NoError(t, e.Close())

	select {
	case <-conn.closed:
	default:
		t.Fatal("connection not closed")
	}
	assert.ErrorIs(t, e.AddChanges([]byte("late")), ErrClosed)
}

func firstError(e *Engine) error {
	errs := e.Status().SnapshotAndUpdateErrors
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// expectNoFrame fails if the engine writes anything within a short wait.
func (c *fakeConn) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// nextUpdate returns the next update the engine sends, skipping ephemeral
// frames.
func (c *fakeConn) nextUpdate(t *testing.T) protocol.Update {
	t.Helper()
	for {
		var update protocol.Update
		require.NoError(t, json.Unmarshal(c.next(t), &update))
		if update.PublicData.RefSnapshotID != "" {
			return update
		}
	}
}

// saveInitialSnapshot adds item, confirms the resulting snapshot and
// returns its id.
func saveInitialSnapshot(t *testing.T, e *Engine, app *testApp, conn *fakeConn, item string) string {
	t.Helper()
	app.add(e, item)
	var sent protocol.SnapshotWithClientData
	require.NoError(t, json.Unmarshal(conn.next(t), &sent))
	id := sent.PublicData.SnapshotID
	conn.push(t, `{"type":"snapshot-saved","snapshotId":"`+id+`"}`)
	require.Eventually(t, func() bool { return e.Status().ActiveSnapshotID == id }, waitFor, 5*time.Millisecond)
	return id
}

func decryptChanges(t *testing.T, app *testApp, update protocol.Update, snapshotID string) []string {
	t.Helper()
	content, err := protocol.VerifyAndDecryptUpdate(&update, app.key, snapshotID, protocol.Clocks{})
	require.NoError(t, err)
	changes, err := DeserializeChanges(content)
	require.NoError(t, err)
	var out []string
	for _, c := range changes {
		out = append(out, string(c))
	}
	return out
}

func TestEngineReconnectsWhenRelaySendsNoDocument(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	cfg := app.config("doc", "ws://relay", dialer.dial)
	cfg.ConnectTimeout = 50 * time.Millisecond
	e := startEngine(t, cfg)

	silent := dialer.accept(t)
	waitState(t, e, StateConnectedIdle)

	second := dialer.accept(t)
	select {
	case <-silent.closed:
	case <-time.After(waitFor):
		t.Fatal("silent connection not closed")
	}
	assert.ErrorIs(t, firstError(e), ErrDocumentTimeout)

	second.push(t, emptyDocument)
	require.Eventually(t, func() bool {
		s := e.Status()
		return s.DecryptionState == DecryptionComplete && s.Retries == 0
	}, waitFor, 5*time.Millisecond)

	// the confirmed connection outlives the timeout
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnectedIdle, e.State())
	assert.Equal(t, 2, dialer.dials())
}

func TestEngineResendsUpdateWithSameClock(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	conn.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	snapshotID := saveInitialSnapshot(t, e, app, conn, "first")

	app.add(e, "second")
	sent := conn.nextUpdate(t)
	assert.Equal(t, 0, sent.PublicData.Clock)
	assert.Equal(t, snapshotID, sent.PublicData.RefSnapshotID)

	conn.push(t, fmt.Sprintf(`{"type":"update-save-failed","snapshotId":%q,"clock":0}`, snapshotID))
	resent := conn.nextUpdate(t)
	assert.Equal(t, sent.PublicData.Clock, resent.PublicData.Clock)
	assert.Equal(t, []string{"second"}, decryptChanges(t, app, resent, snapshotID))

	conn.push(t, fmt.Sprintf(`{"type":"update-saved","snapshotId":%q,"clock":0}`, snapshotID))
	require.Eventually(t, func() bool {
		s := e.Status()
		return s.UpdatesInFlight == 0 && s.PendingChanges == 0
	}, waitFor, 5*time.Millisecond)
}

func TestEngineUpdateSaveFailuresAreBounded(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	conn.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)
	snapshotID := saveInitialSnapshot(t, e, app, conn, "first")

	app.add(e, "second")
	failed := fmt.Sprintf(`{"type":"update-save-failed","snapshotId":%q,"clock":0}`, snapshotID)
	for i := 0; i < maxUpdateSaveFailures; i++ {
		conn.nextUpdate(t)
		conn.push(t, failed)
	}

	next := dialer.accept(t)
	require.Eventually(t, func() bool {
		return errors.Is(firstError(e), ErrTooManyUpdateFailures)
	}, waitFor, 5*time.Millisecond)
	conn.expectNoFrame(t)

	next.push(t, emptyDocument)
	assert.Equal(t, []string{"second"}, decryptChanges(t, app, next.nextUpdate(t), snapshotID))
}

func TestEngineHoldsChangesUntilReady(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	waitState(t, e, StateConnectedIdle)

	t.Run("before the document is loaded", func(t *testing.T) {
		app.add(e, "early")
		require.Eventually(t, func() bool { return e.Status().PendingChanges == 1 }, waitFor, 5*time.Millisecond)
		conn.expectNoFrame(t)
	})

	conn.push(t, emptyDocument)
	var sent protocol.SnapshotWithClientData
	require.NoError(t, json.Unmarshal(conn.next(t), &sent))
	content, err := protocol.VerifyAndDecryptSnapshot(&sent.Snapshot, app.key, "doc", app.signer.PublicKeyString())
	require.NoError(t, err)
	assert.JSONEq(t, `["early"]`, string(content))

	t.Run("while a snapshot is in flight", func(t *testing.T) {
		app.add(e, "late")
		require.Eventually(t, func() bool {
			s := e.Status()
			return s.PendingChanges == 1 && s.SnapshotInFlight
		}, waitFor, 5*time.Millisecond)
		conn.expectNoFrame(t)
	})

	id := sent.PublicData.SnapshotID
	conn.push(t, `{"type":"snapshot-saved","snapshotId":"`+id+`"}`)
	assert.Equal(t, []string{"late"}, decryptChanges(t, app, conn.nextUpdate(t), id))
}

func TestEngineDisconnectRequeuesInFlightChanges(t *testing.T) {
	app := newTestApp(t, newKey(t))
	dialer := newFakeDialer()
	e := startEngine(t, app.config("doc", "ws://relay", dialer.dial))

	conn := dialer.accept(t)
	conn.push(t, emptyDocument)
	waitState(t, e, StateConnectedIdle)

	t.Run("snapshot in flight", func(t *testing.T) {
		app.add(e, "first")
		conn.next(t)
		require.Eventually(t, func() bool { return e.Status().SnapshotInFlight }, waitFor, 5*time.Millisecond)

		require.NoError(t, e.Disconnect())
		waitState(t, e, StateDisconnected)
		s := e.Status()
		assert.False(t, s.SnapshotInFlight)
		assert.Equal(t, 1, s.PendingChanges)
	})

	require.NoError(t, e.Connect())
	conn = dialer.accept(t)
	conn.push(t, emptyDocument)
	var resent protocol.SnapshotWithClientData
	require.NoError(t, json.Unmarshal(conn.next(t), &resent))
	content, err := protocol.VerifyAndDecryptSnapshot(&resent.Snapshot, app.key, "doc", app.signer.PublicKeyString())
	require.NoError(t, err)
	assert.JSONEq(t, `["first"]`, string(content))
	snapshotID := resent.PublicData.SnapshotID
	conn.push(t, `{"type":"snapshot-saved","snapshotId":"`+snapshotID+`"}`)
	require.Eventually(t, func() bool { return e.Status().ActiveSnapshotID == snapshotID }, waitFor, 5*time.Millisecond)

	t.Run("update in flight", func(t *testing.T) {
		app.add(e, "second")
		conn.nextUpdate(t)
		require.Eventually(t, func() bool { return e.Status().UpdatesInFlight == 1 }, waitFor, 5*time.Millisecond)

		require.NoError(t, e.Disconnect())
		waitState(t, e, StateDisconnected)
		s := e.Status()
		assert.Zero(t, s.UpdatesInFlight)
		assert.False(t, s.SnapshotInFlight)
		assert.Equal(t, 1, s.PendingChanges)
	})

	require.NoError(t, e.Connect())
	conn = dialer.accept(t)
	dialer.mu.Lock()
	lastURL := dialer.urls[len(dialer.urls)-1]
	dialer.mu.Unlock()
	u, err := url.Parse(lastURL)
	require.NoError(t, err)
	assert.Equal(t, snapshotID, u.Query().Get("knownSnapshotId"))
	assert.Equal(t, "delta", u.Query().Get("mode"))

	conn.push(t, emptyDocument)
	update := conn.nextUpdate(t)
	assert.Equal(t, 0, update.PublicData.Clock)
	assert.Equal(t, []string{"second"}, decryptChanges(t, app, update, snapshotID))
}
