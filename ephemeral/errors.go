package ephemeral

import "errors"

var (
	ErrInvalidSignature    = errors.New("invalid ephemeral message signature")
	ErrInvalidPublicKey    = errors.New("invalid ephemeral message public key")
	ErrMalformedMessage    = errors.New("malformed ephemeral message")
	ErrInvalidSessionID    = errors.New("invalid session id")
	ErrInvalidSessionProof = errors.New("invalid session proof")
	ErrUnknownMessageType  = errors.New("unknown ephemeral message type")

	// ErrUnknownSession is returned for a message from an author without a
	// matching verified session. A handshake reply is included in the result.
	ErrUnknownSession = errors.New("no verified session for author")
	// ErrReplayedMessage is returned when a counter does not increase.
	ErrReplayedMessage = errors.New("ephemeral message replayed")
)
