package client

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid client config")
	ErrClosed        = errors.New("engine closed")
	ErrNotConnected  = errors.New("not connected")

	ErrDocumentError    = errors.New("server reported a document error")
	ErrDocumentNotFound = errors.New("document not found")
	ErrUnauthorized     = errors.New("unauthorized")
	// ErrDocumentTimeout is recorded when the relay accepted the
	// connection but sent no document within Config.ConnectTimeout.
	ErrDocumentTimeout = errors.New("relay sent no document")

	// ErrInvalidClient is recorded for envelopes whose author was rejected
	// by Config.IsValidClient.
	ErrInvalidClient = errors.New("author is not a valid client")
	// ErrUpdatesWithoutSnapshot is returned when a complete load delivered
	// updates but no snapshot.
	ErrUpdatesWithoutSnapshot = errors.New("document contains updates without a snapshot")
	ErrNoActiveSnapshot       = errors.New("no active snapshot")

	ErrTooManySnapshotFailures = errors.New("snapshot saving failed too often")
	ErrTooManyUpdateFailures   = errors.New("update saving failed too often")
)
