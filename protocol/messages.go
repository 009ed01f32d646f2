package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/secsync/ephemeral"
)

// MessageType discriminates server to client frames.
type MessageType string

const (
	MessageDocument           MessageType = "document"
	MessageDocumentError      MessageType = "document-error"
	MessageDocumentNotFound   MessageType = "document-not-found"
	MessageUnauthorized       MessageType = "unauthorized"
	MessageSnapshot           MessageType = "snapshot"
	MessageSnapshotSaved      MessageType = "snapshot-saved"
	MessageSnapshotSaveFailed MessageType = "snapshot-save-failed"
	MessageUpdate             MessageType = "update"
	MessageUpdateSaved        MessageType = "update-saved"
	MessageUpdateSaveFailed   MessageType = "update-save-failed"
	MessageEphemeralMessage   MessageType = "ephemeral-message"
)

// LoadMode selects how much of a document the relay sends on connect.
type LoadMode string

const (
	LoadModeComplete LoadMode = "complete"
	LoadModeDelta    LoadMode = "delta"
)

// StatusMessage carries only a type (errors, unauthorized, not found).
type StatusMessage struct {
	Type MessageType `json:"type"`
}

// DocumentMessage is used for "document" and "snapshot-save-failed".
type DocumentMessage struct {
	Type               MessageType               `json:"type"`
	Snapshot           *SnapshotWithServerData   `json:"snapshot,omitempty"`
	Updates            []UpdateWithServerData    `json:"updates"`
	SnapshotProofChain []SnapshotProofChainEntry `json:"snapshotProofChain,omitempty"`
}

type SnapshotMessage struct {
	Type     MessageType             `json:"type"`
	Snapshot *SnapshotWithServerData `json:"snapshot"`
}

type SnapshotSavedMessage struct {
	Type       MessageType `json:"type"`
	SnapshotID string      `json:"snapshotId"`
}

// UpdateResultMessage is used for "update-saved" and "update-save-failed".
type UpdateResultMessage struct {
	Type                MessageType `json:"type"`
	SnapshotID          string      `json:"snapshotId"`
	Clock               int         `json:"clock"`
	RequiresNewSnapshot bool        `json:"requiresNewSnapshot,omitempty"`
}

// UpdateMessage is a broadcast update with the type merged into the
// envelope object.
type UpdateMessage struct {
	Type MessageType `json:"type"`
	UpdateWithServerData
}

// EphemeralMessageFrame is a broadcast ephemeral message with the type
// merged into the envelope object.
type EphemeralMessageFrame struct {
	Type MessageType `json:"type"`
	ephemeral.Message
}

// PeekMessageType returns the type of a server frame.
func PeekMessageType(data []byte) (MessageType, error) {
	var header StatusMessage
	if err := json.Unmarshal(data, &header); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return header.Type, nil
}

// ClientMessageKind classifies a client to server frame.
type ClientMessageKind int

const (
	ClientSnapshot ClientMessageKind = iota
	ClientUpdate
	ClientEphemeralMessage
)

func (k ClientMessageKind) String() string {
	switch k {
	case ClientSnapshot:
		return "snapshot"
	case ClientUpdate:
		return "update"
	default:
		return "ephemeral-message"
	}
}

// ClassifyClientMessage decides whether a client frame is a snapshot (has
// publicData.snapshotId), an update (has publicData.refSnapshotId) or an
// ephemeral message.
func ClassifyClientMessage(data []byte) (ClientMessageKind, error) {
	var envelope struct {
		PublicData map[string]json.RawMessage `json:"publicData"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.PublicData == nil {
		return 0, fmt.Errorf("%w: missing publicData", ErrMalformedMessage)
	}
	if _, ok := envelope.PublicData["snapshotId"]; ok {
		return ClientSnapshot, nil
	}
	if _, ok := envelope.PublicData["refSnapshotId"]; ok {
		return ClientUpdate, nil
	}
	return ClientEphemeralMessage, nil
}
