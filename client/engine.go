// Package client implements the sync engine that keeps a local document in
// sync with a secsync relay. All state lives on one goroutine; the public
// methods only post events to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/secsync/ephemeral"
	"github.com/jmcleod/secsync/protocol"
)

// Status is a point in time view of the engine.
type Status struct {
	State            State
	DecryptionState  DecryptionState
	ActiveSnapshotID string
	PendingChanges   int
	UpdatesInFlight  int
	SnapshotInFlight bool
	Retries          int
	// Error lists are ordered newest first.
	SnapshotAndUpdateErrors         []error
	EphemeralMessageReceivingErrors []error
	EphemeralMessageSendingErrors   []error
}

type event struct {
	kind eventKind
	// gen ties connection and timer events to the attempt that produced
	// them.
	gen     uint64
	data    []byte
	changes [][]byte
	conn    Conn
	err     error
}

// Engine syncs one document.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	publicKey string

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the run goroutine
	state      State
	sc         syncContext
	loadParams *LoadDocumentParams
	conn       Conn
	connGen    uint64
	timer      *time.Timer
	timerGen   uint64
	retries    int

	snapshotAndUpdateErrors []error
	ephemeralReceiveErrors  []error
	ephemeralSendErrors     []error

	mu     sync.RWMutex
	status Status
}

// New validates cfg and starts an engine that connects right away. The
// engine runs until ctx is cancelled or Close is called.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "sync", "document", cfg.DocumentID),
		publicKey: cfg.SigningKey.PublicKeyString(),
		events:    make(chan event),
		sc:        newSyncContext(),
	}
	if p := cfg.LoadDocumentParams; p != nil {
		e.loadParams = &LoadDocumentParams{KnownSnapshotInfo: cloneSnapshotInfo(p.KnownSnapshotInfo), Mode: p.Mode}
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.publish()

	e.wg.Add(1)
	go e.run()
	return e, nil
}

// Connect starts connecting after Disconnect.
func (e *Engine) Connect() error {
	return e.send(event{kind: eventConnect})
}

// Disconnect closes the connection and stops reconnecting. Changes that
// were not confirmed are kept and sent after the next Connect.
func (e *Engine) Disconnect() error {
	return e.send(event{kind: eventDisconnect})
}

// AddChanges queues local changes for sending.
func (e *Engine) AddChanges(changes ...[]byte) error {
	if len(changes) == 0 {
		return nil
	}
	return e.send(event{kind: eventAddChanges, changes: changes})
}

// SendEphemeralMessage encrypts content with the active snapshot key and
// sends it to the other connected clients. Failures are reported in
// Status.EphemeralMessageSendingErrors.
func (e *Engine) SendEphemeralMessage(content []byte) error {
	return e.send(event{kind: eventSendEphemeralMessage, data: content})
}

// Close stops the engine and waits for its goroutines.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.State
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.SnapshotAndUpdateErrors = append([]error(nil), s.SnapshotAndUpdateErrors...)
	s.EphemeralMessageReceivingErrors = append([]error(nil), s.EphemeralMessageReceivingErrors...)
	s.EphemeralMessageSendingErrors = append([]error(nil), s.EphemeralMessageSendingErrors...)
	return s
}

func (e *Engine) send(ev event) error {
	if !e.post(ev) {
		return ErrClosed
	}
	return nil
}

// post hands ev to the run goroutine. It returns false once the engine
// stopped.
func (e *Engine) post(ev event) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.events <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	e.dispatch(event{kind: eventConnect})
	e.publish()
	for {
		select {
		case <-e.ctx.Done():
			e.stopTimer()
			e.closeConn()
			e.publish()
			return
		case ev := <-e.events:
			e.handle(ev)
			e.publish()
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case eventRetry, eventDocumentTimeout:
		if ev.gen != e.timerGen {
			return
		}
	case eventConnected:
		if ev.gen != e.connGen || e.state != StateConnectingRetrying {
			ev.conn.Close()
			return
		}
	case eventConnectionLost, eventMessage, eventCustomMessage,
		eventDocumentNotFound, eventUnauthorized, eventDocumentError:
		if ev.gen != e.connGen {
			return
		}
	}

	switch ev.kind {
	case eventMessage:
		e.sc.incoming = append(e.sc.incoming, ev.data)
	case eventCustomMessage:
		e.sc.custom = append(e.sc.custom, ev.data)
	case eventAddChanges:
		e.sc.pending = append(e.sc.pending, ev.changes...)
		if e.state == StateConnectedIdle && !e.sc.hasWork() {
			return
		}
	case eventSendEphemeralMessage:
		e.sendEphemeralMessage(ev.data)
		return
	case eventConnectionLost:
		if ev.err != nil {
			e.logger.Debug("connection lost", "error", ev.err)
		}
	}
	e.dispatch(ev)
}

// dispatch runs ev and every event produced by entry actions through the
// transition table.
func (e *Engine) dispatch(ev event) {
	for {
		target, ok := next(e.state, ev.kind)
		if !ok {
			return
		}
		e.logger.Debug("transition", "from", e.state, "to", target, "event", ev.kind)
		follow, ok := e.enter(target, ev)
		if !ok {
			return
		}
		ev = follow
	}
}

// enter switches to target and runs its entry action. A returned event is
// dispatched next.
func (e *Engine) enter(target State, ev event) (event, bool) {
	e.state = target
	switch target {
	case StateDisconnected:
		e.stopTimer()
		e.closeConn()
		e.resetContext()
		switch {
		case ev.kind == eventProcessAborted && ev.err != nil:
			e.recordError(ev.err)
		case ev.kind == eventDocumentTimeout:
			e.recordError(ErrDocumentTimeout)
		}
		if ev.kind != eventDisconnect && e.ctx.Err() == nil {
			return event{kind: eventConnect}, true
		}

	case StateConnectingWaiting:
		e.startTimer(e.cfg.RetryDelay*time.Duration(1+e.retries), eventRetry)

	case StateConnectingRetrying:
		if e.retries < maxRetries {
			e.retries++
		}
		if err := e.startConnection(); err != nil {
			e.logger.Warn("connecting failed", "error", err)
			return event{kind: eventConnectionLost, err: err}, true
		}

	case StateConnectedIdle:
		if ev.kind == eventConnected {
			e.conn = ev.conn
			e.startTimer(e.cfg.ConnectTimeout, eventDocumentTimeout)
		}

	case StateConnectedProcessingQueues:
		kind, err := e.processQueues()
		return event{kind: kind, err: err}, true

	case StateConnectedCheckingForMoreQueueItems:
		if e.sc.hasWork() {
			return event{kind: eventQueuesPending}, true
		}
		return event{kind: eventQueuesEmpty}, true

	case StateFailed, StateNoAccess:
		e.stopTimer()
		e.closeConn()
		switch {
		case ev.err != nil:
			e.recordError(ev.err)
		case ev.kind == eventDocumentNotFound:
			e.recordError(ErrDocumentNotFound)
		case ev.kind == eventUnauthorized:
			e.recordError(ErrUnauthorized)
		case ev.kind == eventDocumentError:
			e.recordError(ErrDocumentError)
		}
	}
	return event{}, false
}

// resetContext drops everything tied to the closed connection. Unconfirmed
// changes are requeued and the next connection only loads what happened
// after the active snapshot.
func (e *Engine) resetContext() {
	changes := e.sc.unconfirmedChanges()
	if active := e.sc.active(); active != nil {
		e.loadParams = &LoadDocumentParams{
			KnownSnapshotInfo: cloneSnapshotInfo(*active),
			Mode:              protocol.LoadModeDelta,
		}
	}
	e.sc = newSyncContext()
	e.sc.pending = changes
}

func (e *Engine) startConnection() error {
	session, err := ephemeral.NewSession()
	if err != nil {
		return err
	}
	e.sc.session = session
	if p := e.loadParams; p != nil && p.Mode == protocol.LoadModeDelta {
		known := cloneSnapshotInfo(p.KnownSnapshotInfo)
		e.sc.snapshotInfos = []protocol.SnapshotInfoWithUpdateClocks{known}
		e.sc.updatesLocalClock = known.UpdateClocks.Current(e.publicKey)
	}

	rawURL, err := documentURL(e.cfg.Host, e.cfg.DocumentID, e.cfg.SessionKey, e.loadParams)
	if err != nil {
		return err
	}
	e.connGen++
	e.wg.Add(1)
	go e.connect(e.connGen, rawURL)
	return nil
}

// connect dials and then forwards every frame until the connection fails.
func (e *Engine) connect(gen uint64, rawURL string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ConnectTimeout)
	conn, err := e.cfg.Dialer(ctx, rawURL)
	cancel()
	if err != nil {
		e.post(event{kind: eventConnectionLost, gen: gen, err: fmt.Errorf("connecting: %w", err)})
		return
	}
	if !e.post(event{kind: eventConnected, gen: gen, conn: conn}) {
		conn.Close()
		return
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			e.post(event{kind: eventConnectionLost, gen: gen})
			return
		}
		ev, ok := classifyFrame(data)
		if !ok {
			e.logger.Debug("dropping malformed frame")
			continue
		}
		ev.gen = gen
		if !e.post(ev) {
			return
		}
	}
}

func classifyFrame(data []byte) (event, bool) {
	messageType, err := protocol.PeekMessageType(data)
	if err != nil {
		return event{}, false
	}
	switch messageType {
	case protocol.MessageDocumentNotFound:
		return event{kind: eventDocumentNotFound}, true
	case protocol.MessageUnauthorized:
		return event{kind: eventUnauthorized}, true
	case protocol.MessageDocumentError:
		return event{kind: eventDocumentError}, true
	case protocol.MessageDocument, protocol.MessageSnapshot,
		protocol.MessageSnapshotSaved, protocol.MessageSnapshotSaveFailed,
		protocol.MessageUpdate, protocol.MessageUpdateSaved,
		protocol.MessageUpdateSaveFailed, protocol.MessageEphemeralMessage:
		return event{kind: eventMessage, data: data}, true
	default:
		return event{kind: eventCustomMessage, data: data}, true
	}
}

// startTimer posts an event of kind after d unless the timer is stopped or
// replaced first.
func (e *Engine) startTimer(d time.Duration, kind eventKind) {
	e.stopTimer()
	gen := e.timerGen
	e.timer = time.AfterFunc(d, func() {
		e.post(event{kind: kind, gen: gen})
	})
}

// documentReceived ends the wait for the relay's document message.
func (e *Engine) documentReceived() {
	e.stopTimer()
	e.retries = 0
}

func (e *Engine) stopTimer() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) closeConn() {
	e.connGen++
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Debug("closing connection", "error", err)
		}
		e.conn = nil
	}
}

func (e *Engine) write(data []byte) error {
	if e.conn == nil {
		return ErrNotConnected
	}
	return e.conn.WriteMessage(data)
}

func (e *Engine) recordError(err error) {
	e.logger.Warn("sync error", "state", e.state, "error", err)
	e.snapshotAndUpdateErrors = prependError(e.snapshotAndUpdateErrors, err)
}

func prependError(list []error, err error) []error {
	list = append([]error{err}, list...)
	if len(list) > maxErrorTrace {
		list = list[:maxErrorTrace]
	}
	return list
}

func (e *Engine) publish() {
	s := Status{
		State:                           e.state,
		DecryptionState:                 e.sc.decryptionState,
		PendingChanges:                  len(e.sc.pending),
		UpdatesInFlight:                 len(e.sc.updatesInFlight),
		SnapshotInFlight:                e.sc.snapshotInFlight != nil,
		Retries:                         e.retries,
		SnapshotAndUpdateErrors:         e.snapshotAndUpdateErrors,
		EphemeralMessageReceivingErrors: e.ephemeralReceiveErrors,
		EphemeralMessageSendingErrors:   e.ephemeralSendErrors,
	}
	if active := e.sc.active(); active != nil {
		s.ActiveSnapshotID = active.SnapshotID
	}
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// processError ends a processing step with a state change instead of a
// recorded error.
type processError struct {
	kind eventKind
	err  error
}

func (p *processError) Error() string { return p.err.Error() }
func (p *processError) Unwrap() error { return p.err }

// fatal marks err as ending the sync in StateFailed.
func fatal(err error) error {
	var p *processError
	if errors.As(err, &p) {
		return &processError{kind: eventProcessFailed, err: p.err}
	}
	return &processError{kind: eventProcessFailed, err: err}
}

// abort marks err as requiring a fresh connection.
func abort(err error) error {
	var p *processError
	if errors.As(err, &p) {
		return err
	}
	return &processError{kind: eventProcessAborted, err: err}
}
