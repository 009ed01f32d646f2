package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jmcleod/secsync/access"
	"github.com/jmcleod/secsync/protocol"
)

// Connection is a registered client connection of one document.
type Connection interface {
	ID() string
	SessionKey() string
	Send(data []byte) error
	Close() error
}

type connectionKey struct {
	sessionKey string
	id         string
}

func keyOf(conn Connection) connectionKey {
	return connectionKey{sessionKey: conn.SessionKey(), id: conn.ID()}
}

type queuedMessage struct {
	data   []byte
	origin string
}

type documentHub struct {
	connections map[connectionKey]Connection
	queue       []queuedMessage
	draining    bool
}

// BroadcastStore fans accepted messages out to the connections of a
// document. Messages of one document are delivered in the order they were
// queued by a single drain goroutine; read access of every connection is
// checked again before each batch.
type BroadcastStore struct {
	mu      sync.Mutex
	hubs    map[string]*documentHub
	checker access.Checker
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcastStore(checker access.Checker, opts ...Option) *BroadcastStore {
	o := applyOptions(opts)
	if checker == nil {
		checker = access.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BroadcastStore{
		hubs:    make(map[string]*documentHub),
		checker: checker,
		logger:  o.logger.With("component", "broadcast"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers conn for documentID. Adding a registered connection again
// has no effect.
func (b *BroadcastStore) Add(documentID string, conn Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub, ok := b.hubs[documentID]
	if !ok {
		hub = &documentHub{connections: make(map[connectionKey]Connection)}
		b.hubs[documentID] = hub
	}
	hub.connections[keyOf(conn)] = conn
}

// Remove unregisters conn. Removing an unknown connection has no effect.
func (b *BroadcastStore) Remove(documentID string, conn Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(documentID, conn)
}

func (b *BroadcastStore) removeLocked(documentID string, conn Connection) {
	hub, ok := b.hubs[documentID]
	if !ok {
		return
	}
	delete(hub.connections, keyOf(conn))
	if len(hub.connections) == 0 && !hub.draining {
		delete(b.hubs, documentID)
	}
}

// ConnectionCount returns the number of connections registered for
// documentID.
func (b *BroadcastStore) ConnectionCount(documentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hub, ok := b.hubs[documentID]; ok {
		return len(hub.connections)
	}
	return 0
}

// Broadcast queues data for every connection of documentID except origin.
// origin may be nil.
func (b *BroadcastStore) Broadcast(documentID string, data []byte, origin Connection) {
	msg := queuedMessage{data: data}
	if origin != nil {
		msg.origin = origin.ID()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	hub, ok := b.hubs[documentID]
	if !ok || len(hub.connections) == 0 {
		return
	}
	hub.queue = append(hub.queue, msg)
	if hub.draining {
		return
	}
	hub.draining = true
	b.wg.Add(1)
	go b.drain(documentID, hub)
}

func (b *BroadcastStore) drain(documentID string, hub *documentHub) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(hub.queue) == 0 || b.ctx.Err() != nil {
			hub.queue = nil
			hub.draining = false
			if len(hub.connections) == 0 && b.hubs[documentID] == hub {
				delete(b.hubs, documentID)
			}
			b.mu.Unlock()
			return
		}
		batch := hub.queue
		hub.queue = nil
		conns := make([]Connection, 0, len(hub.connections))
		for _, conn := range hub.connections {
			conns = append(conns, conn)
		}
		b.mu.Unlock()

		b.deliver(documentID, conns, batch)
	}
}

func (b *BroadcastStore) deliver(documentID string, conns []Connection, batch []queuedMessage) {
	keys := make([]string, len(conns))
	for i, conn := range conns {
		keys[i] = conn.SessionKey()
	}
	allowed, err := access.HasBroadcastAccess(b.ctx, b.checker, documentID, keys)
	if err != nil {
		b.logger.Error("broadcast access check failed, batch dropped",
			"document_id", documentID, "messages", len(batch), "error", err)
		return
	}

	recipients := conns[:0]
	for i, conn := range conns {
		if allowed[i] {
			recipients = append(recipients, conn)
			continue
		}
		b.logger.Info("connection lost read access", "document_id", documentID, "connection_id", conn.ID())
		b.Remove(documentID, conn)
		if data, err := json.Marshal(protocol.StatusMessage{Type: protocol.MessageUnauthorized}); err == nil {
			_ = conn.Send(data)
		}
		_ = conn.Close()
	}

	for _, msg := range batch {
		for _, conn := range recipients {
			if conn.ID() == msg.origin {
				continue
			}
			if err := conn.Send(msg.data); err != nil {
				b.logger.Debug("broadcast send failed", "document_id", documentID, "connection_id", conn.ID(), "error", err)
			}
		}
	}
}

// Wait blocks until all queued messages have been delivered.
func (b *BroadcastStore) Wait() {
	b.wg.Wait()
}

// Close stops delivery of queued messages and waits for the drain
// goroutines to exit.
func (b *BroadcastStore) Close() {
	b.cancel()
	b.wg.Wait()
}
