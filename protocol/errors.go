package protocol

import "errors"

var (
	ErrInvalidSignature                 = errors.New("invalid signature")
	ErrInvalidPublicKey                 = errors.New("invalid public key")
	ErrDocumentMismatch                 = errors.New("envelope belongs to a different document")
	ErrInvalidParentSnapshot            = errors.New("parent snapshot proof mismatch")
	ErrInvalidParentSnapshotUpdateClock = errors.New("parent snapshot update clock mismatch")
	ErrInvalidAncestorSnapshot          = errors.New("snapshot does not descend from the known snapshot")

	ErrUnknownSnapshot    = errors.New("update references a snapshot that is not active")
	ErrClockNotIncreasing = errors.New("update clock is not greater than the current clock")
	ErrClockGap           = errors.New("update clock does not follow the current clock")

	ErrSnapshotBasedOnOutdatedSnapshot = errors.New("snapshot is based on an outdated snapshot")
	ErrSnapshotMissesUpdates           = errors.New("snapshot misses updates")
	ErrNewSnapshotRequired             = errors.New("new snapshot required")

	ErrMalformedMessage = errors.New("malformed message")
)
