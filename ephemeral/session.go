// Package ephemeral implements presence style messages that are encrypted
// with the active snapshot key but never stored. Replay protection comes
// from a per connection session: peers prove ownership of their session id
// with a signed handshake and afterwards only accept strictly increasing
// counters for that session.
package ephemeral

import (
	"fmt"
	"math"

	"github.com/jmcleod/secsync/crypto"
	"github.com/jmcleod/secsync/internal/util"
)

// SessionIDLength is the decoded length of a session id.
const SessionIDLength = 16

// ValidSession is the last accepted session and counter for one author.
type ValidSession struct {
	SessionID string `json:"sessionId"`
	Counter   uint32 `json:"counter"`
}

// Session is the local side of the protocol for one connection. It is not
// safe for concurrent use.
type Session struct {
	ID            string
	counter       uint32
	ValidSessions map[string]ValidSession
}

// NewSession creates a session with a random id and a random starting
// counter below 2^31-1.
func NewSession() (*Session, error) {
	id, err := util.RandomBytes(SessionIDLength)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	start, err := util.RandomIntn(math.MaxInt32)
	if err != nil {
		return nil, fmt.Errorf("generating session counter: %w", err)
	}
	return &Session{
		ID:            crypto.EncodeBase64(id),
		counter:       uint32(start),
		ValidSessions: map[string]ValidSession{},
	}, nil
}

// Next returns the counter for the next outgoing message.
func (s *Session) Next() uint32 {
	c := s.counter
	s.counter++
	return c
}

func cloneValidSessions(in map[string]ValidSession) map[string]ValidSession {
	out := make(map[string]ValidSession, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
