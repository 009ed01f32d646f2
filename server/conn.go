package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmcleod/secsync/internal/uuid"
)

var errConnectionClosed = errors.New("connection closed")

// wsConnection is a relay-side WebSocket. Sends issued before the initial
// document message went out are held back and flushed after it.
type wsConnection struct {
	id           string
	sessionKey   string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	ready   bool
	held    [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

var _ Connection = (*wsConnection)(nil)

func newConnection(conn *websocket.Conn, sessionKey string, writeTimeout time.Duration) *wsConnection {
	return &wsConnection{
		id:           uuid.New(),
		sessionKey:   sessionKey,
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsConnection) ID() string         { return c.id }
func (c *wsConnection) SessionKey() string { return c.sessionKey }

func (c *wsConnection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.ready {
		c.held = append(c.held, data)
		return nil
	}
	return c.writeLocked(data)
}

func (c *wsConnection) writeLocked(data []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// sendJSON writes v immediately, bypassing the hold-back of Send.
func (c *wsConnection) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

// open writes the initial frame and then every held message.
func (c *wsConnection) open(first any) error {
	data, err := json.Marshal(first)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(data); err != nil {
		return err
	}
	c.ready = true
	held := c.held
	c.held = nil
	for _, msg := range held {
		if err := c.writeLocked(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

// expectPongs arms the read deadline; every pong pushes it out so a peer
// missing two pings fails the next read. Must be called before reading.
func (c *wsConnection) expectPongs(interval time.Duration) {
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * interval))
	}
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })
}

// keepAlive pings the peer every interval until the connection closes.
func (c *wsConnection) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
