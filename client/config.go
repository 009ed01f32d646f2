package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/secsync/crypto"
	"github.com/jmcleod/secsync/protocol"
)

const (
	defaultRetryDelay     = 100 * time.Millisecond
	defaultConnectTimeout = 5 * time.Second

	maxRetries              = 13
	maxSnapshotSaveFailures = 5
	maxUpdateSaveFailures   = 5
	maxErrorTrace           = 20
	keptSnapshotInfos       = 3
)

// NewSnapshotData is the content of a snapshot the engine is about to
// send. PublicData is added to the snapshot's signed public data.
type NewSnapshotData struct {
	Data                 []byte
	Key                  []byte
	PublicData           map[string]json.RawMessage
	AdditionalServerData json.RawMessage
}

// SnapshotInfo is passed to Config.ShouldSendSnapshot.
type SnapshotInfo struct {
	ActiveSnapshotID     string
	SnapshotUpdatesCount int
}

// LoadDocumentParams resumes from a snapshot the application already
// holds. In delta mode only what happened after KnownSnapshotInfo is
// loaded.
type LoadDocumentParams struct {
	KnownSnapshotInfo protocol.SnapshotInfoWithUpdateClocks
	Mode              protocol.LoadMode
}

type DocumentUpdatedType string

const (
	DocumentSnapshotSaved    DocumentUpdatedType = "snapshot-saved"
	DocumentSnapshotReceived DocumentUpdatedType = "snapshot-received"
	DocumentUpdateSaved      DocumentUpdatedType = "update-saved"
	DocumentUpdateReceived   DocumentUpdatedType = "update-received"
)

// DocumentUpdatedEvent carries the resume point after the active snapshot
// or its clocks changed.
type DocumentUpdatedEvent struct {
	Type              DocumentUpdatedType
	KnownSnapshotInfo protocol.SnapshotInfoWithUpdateClocks
}

// Config wires the engine to the application. Callbacks run on the engine
// goroutine and must not call back into the engine synchronously.
type Config struct {
	DocumentID string
	SigningKey *crypto.SigningKey
	// Host is the relay base URL, e.g. ws://localhost:4000.
	Host       string
	SessionKey string
	Dialer     Dialer
	Logger     *slog.Logger

	ApplySnapshot         func(content []byte) error
	ApplyChanges          func(changes [][]byte) error
	ApplyEphemeralMessage func(content []byte, authorPublicKey string) error
	// GetSnapshotKey returns the key of the given snapshot. info is nil
	// when the document has no snapshot yet.
	GetSnapshotKey     func(info *protocol.SnapshotProofInfo) ([]byte, error)
	GetNewSnapshotData func(snapshotID string) (*NewSnapshotData, error)
	ShouldSendSnapshot func(info SnapshotInfo) bool
	IsValidClient      func(authorPublicKey string) (bool, error)
	SerializeChanges   func(changes [][]byte) ([]byte, error)
	DeserializeChanges func(data []byte) ([][]byte, error)

	OnDocumentUpdated func(DocumentUpdatedEvent)
	OnCustomMessage   func(message json.RawMessage)

	LoadDocumentParams *LoadDocumentParams

	// RetryDelay is the base reconnect delay; attempt n waits
	// RetryDelay*(1+n).
	RetryDelay time.Duration
	// ConnectTimeout bounds the dial and then the wait for the relay's
	// document message. A relay that misses it is treated as a lost
	// connection.
	ConnectTimeout time.Duration
}

func (c *Config) validate() error {
	switch {
	case c.DocumentID == "":
		return fmt.Errorf("%w: missing document id", ErrInvalidConfig)
	case c.SigningKey == nil:
		return fmt.Errorf("%w: missing signing key", ErrInvalidConfig)
	case c.Host == "":
		return fmt.Errorf("%w: missing host", ErrInvalidConfig)
	case c.ApplySnapshot == nil, c.ApplyChanges == nil:
		return fmt.Errorf("%w: missing apply callbacks", ErrInvalidConfig)
	case c.GetSnapshotKey == nil, c.GetNewSnapshotData == nil:
		return fmt.Errorf("%w: missing snapshot callbacks", ErrInvalidConfig)
	case c.IsValidClient == nil:
		return fmt.Errorf("%w: missing client validation", ErrInvalidConfig)
	}
	if p := c.LoadDocumentParams; p != nil && p.Mode != protocol.LoadModeComplete && p.Mode != protocol.LoadModeDelta {
		return fmt.Errorf("%w: unknown load mode %q", ErrInvalidConfig, p.Mode)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.ApplyEphemeralMessage == nil {
		c.ApplyEphemeralMessage = func([]byte, string) error { return nil }
	}
	if c.ShouldSendSnapshot == nil {
		c.ShouldSendSnapshot = func(SnapshotInfo) bool { return false }
	}
	if c.SerializeChanges == nil {
		c.SerializeChanges = SerializeChanges
	}
	if c.DeserializeChanges == nil {
		c.DeserializeChanges = DeserializeChanges
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// SerializeChanges encodes changes as a JSON array of base64 strings.
func SerializeChanges(changes [][]byte) ([]byte, error) {
	if changes == nil {
		changes = [][]byte{}
	}
	return json.Marshal(changes)
}

// DeserializeChanges decodes the output of SerializeChanges.
func DeserializeChanges(data []byte) ([][]byte, error) {
	var changes [][]byte
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("decoding changes: %w", err)
	}
	return changes, nil
}
