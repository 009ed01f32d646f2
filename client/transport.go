package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmcleod/secsync/protocol"
)

// Conn is one transport connection to the relay.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to rawURL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

// WebsocketSettings bounds how long a relay connection may stay silent.
type WebsocketSettings struct {
	// PingInterval is how often the client pings the relay.
	PingInterval time.Duration
	// ReadTimeout is how long a read may wait without any frame, ping or
	// pong from the relay.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultWebsocketSettings returns the settings WebsocketDialer uses.
func DefaultWebsocketSettings() WebsocketSettings {
	return WebsocketSettings{
		PingInterval: 15 * time.Second,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// WebsocketDialer dials with d, or websocket.DefaultDialer when d is nil,
// using DefaultWebsocketSettings.
func WebsocketDialer(d *websocket.Dialer) Dialer {
	return WebsocketDialerWithSettings(d, DefaultWebsocketSettings())
}

// WebsocketDialerWithSettings is WebsocketDialer with explicit timeouts.
// Zero fields fall back to the defaults.
func WebsocketDialerWithSettings(d *websocket.Dialer, settings WebsocketSettings) Dialer {
	if d == nil {
		d = websocket.DefaultDialer
	}
	defaults := DefaultWebsocketSettings()
	if settings.PingInterval <= 0 {
		settings.PingInterval = defaults.PingInterval
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = defaults.ReadTimeout
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaults.WriteTimeout
	}
	return func(ctx context.Context, rawURL string) (Conn, error) {
		ws, resp, err := d.DialContext(ctx, rawURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dialing relay: %w", err)
		}
		return newWebsocketConn(ws, settings), nil
	}
}

type websocketConn struct {
	ws       *websocket.Conn
	settings WebsocketSettings
	done     chan struct{}
	once     sync.Once
}

func newWebsocketConn(ws *websocket.Conn, settings WebsocketSettings) *websocketConn {
	c := &websocketConn{ws: ws, settings: settings, done: make(chan struct{})}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		c.extendReadDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(settings.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go c.keepalive()
	return c
}

func (c *websocketConn) extendReadDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
}

// keepalive pings until the connection is closed. WriteControl may run
// concurrently with WriteMessage.
func (c *websocketConn) keepalive() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// documentURL builds the relay URL of documentID. A known snapshot is
// sent together with its update clocks so the relay can answer with the
// difference only.
func documentURL(host, documentID, sessionKey string, params *LoadDocumentParams) (string, error) {
	q := url.Values{}
	q.Set("sessionKey", sessionKey)
	q.Set("mode", string(protocol.LoadModeComplete))
	if params != nil {
		q.Set("mode", string(params.Mode))
		if id := params.KnownSnapshotInfo.SnapshotID; id != "" {
			q.Set("knownSnapshotId", id)
			clocks := params.KnownSnapshotInfo.UpdateClocks
			if clocks == nil {
				clocks = protocol.Clocks{}
			}
			encoded, err := json.Marshal(clocks)
			if err != nil {
				return "", err
			}
			q.Set("knownSnapshotUpdateClocks", string(encoded))
		}
	}
	return strings.TrimRight(host, "/") + "/" + url.PathEscape(documentID) + "?" + q.Encode(), nil
}
