// Package access decides whether a session key may read a document or
// write to it. The relay consults a Checker on connect, before accepting
// every write and before every broadcast batch.
package access

import (
	"context"
	"errors"
	"fmt"
)

// Action is an operation a connection asks to perform.
type Action string

const (
	ActionRead                 Action = "read"
	ActionWriteSnapshot        Action = "write-snapshot"
	ActionWriteUpdate          Action = "write-update"
	ActionSendEphemeralMessage Action = "send-ephemeral-message"
)

var ErrInvalidAction = errors.New("invalid action")

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionRead, ActionWriteSnapshot, ActionWriteUpdate, ActionSendEphemeralMessage:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Request describes one access decision. PublicKey is the author key of
// the envelope for write actions and empty for reads.
type Request struct {
	Action     Action
	DocumentID string
	SessionKey string
	PublicKey  string
}

// Checker decides access requests.
type Checker interface {
	HasAccess(ctx context.Context, req Request) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, req Request) (bool, error)

func (f CheckerFunc) HasAccess(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// BroadcastChecker is implemented by checkers that can answer the read
// check for many session keys at once.
type BroadcastChecker interface {
	HasBroadcastAccess(ctx context.Context, documentID string, sessionKeys []string) ([]bool, error)
}

// HasBroadcastAccess returns, for each session key, whether it may still
// read documentID. It uses c's batch form when available.
func HasBroadcastAccess(ctx context.Context, c Checker, documentID string, sessionKeys []string) ([]bool, error) {
	if bc, ok := c.(BroadcastChecker); ok {
		result, err := bc.HasBroadcastAccess(ctx, documentID, sessionKeys)
		if err != nil {
			return nil, err
		}
		if len(result) != len(sessionKeys) {
			return nil, fmt.Errorf("broadcast access returned %d results for %d keys", len(result), len(sessionKeys))
		}
		return result, nil
	}
	result := make([]bool, len(sessionKeys))
	for i, key := range sessionKeys {
		ok, err := c.HasAccess(ctx, Request{Action: ActionRead, DocumentID: documentID, SessionKey: key})
		if err != nil {
			return nil, err
		}
		result[i] = ok
	}
	return result, nil
}

// AllowAll grants every request.
type AllowAll struct{}

func (AllowAll) HasAccess(context.Context, Request) (bool, error) {
	return true, nil
}

func (AllowAll) HasBroadcastAccess(_ context.Context, _ string, sessionKeys []string) ([]bool, error) {
	result := make([]bool, len(sessionKeys))
	for i := range result {
		result[i] = true
	}
	return result, nil
}
