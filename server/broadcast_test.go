package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/secsync/access"
)

type fakeConnection struct {
	id         string
	sessionKey string

	mu       sync.Mutex
	received []string
	closed   bool
}

func newFakeConnection(id, sessionKey string) *fakeConnection {
	return &fakeConnection{id: id, sessionKey: sessionKey}
}

func (c *fakeConnection) ID() string         { return c.id }
func (c *fakeConnection) SessionKey() string { return c.sessionKey }

func (c *fakeConnection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, string(data))
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestBroadcastDeliversToOthersInOrder(t *testing.T) {
	b := NewBroadcastStore(access.AllowAll{}, WithLogger(discardLogger()))
	defer b.Close()

	origin := newFakeConnection("c1", "k1")
	peer := newFakeConnection("c2", "k2")
	other := newFakeConnection("c3", "k3")
	b.Add("doc", origin)
	b.Add("doc", peer)
	b.Add("other-doc", other)

	for _, msg := range []string{"m1", "m2", "m3"} {
		b.Broadcast("doc", []byte(msg), origin)
	}
	b.Wait()

	assert.Equal(t, []string{"m1", "m2", "m3"}, peer.messages())
	assert.Empty(t, origin.messages())
	assert.Empty(t, other.messages())
}

func TestBroadcastAddRemoveIdempotent(t *testing.T) {
	b := NewBroadcastStore(nil, WithLogger(discardLogger()))
	defer b.Close()

	conn := newFakeConnection("c1", "k1")
	b.Add("doc", conn)
	b.Add("doc", conn)
	assert.Equal(t, 1, b.ConnectionCount("doc"))

	sameKeyOtherConn := newFakeConnection("c2", "k1")
	b.Add("doc", sameKeyOtherConn)
	assert.Equal(t, 2, b.ConnectionCount("doc"))

	b.Remove("doc", conn)
	b.Remove("doc", conn)
	b.Remove("doc", sameKeyOtherConn)
	b.Remove("unknown", conn)
	assert.Zero(t, b.ConnectionCount("doc"))

	b.mu.Lock()
	assert.Empty(t, b.hubs)
	b.mu.Unlock()
}

func TestBroadcastDropsRevokedConnections(t *testing.T) {
	var mu sync.Mutex
	revoked := map[string]bool{}
	checker := access.CheckerFunc(func(_ context.Context, req access.Request) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return !revoked[req.SessionKey], nil
	})
	b := NewBroadcastStore(checker, WithLogger(discardLogger()))
	defer b.Close()

	keep := newFakeConnection("c1", "keep")
	lose := newFakeConnection("c2", "lose")
	b.Add("doc", keep)
	b.Add("doc", lose)

	b.Broadcast("doc", []byte("before"), nil)
	b.Wait()

	mu.Lock()
	revoked["lose"] = true
	mu.Unlock()

	b.Broadcast("doc", []byte("after"), nil)
	b.Wait()

	assert.Equal(t, []string{"before", "after"}, keep.messages())
	assert.Equal(t, []string{"before", `{"type":"unauthorized"}`}, lose.messages())
	assert.True(t, lose.isClosed())
	assert.Equal(t, 1, b.ConnectionCount("doc"))
}

type countingBroadcastChecker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingBroadcastChecker) HasAccess(context.Context, access.Request) (bool, error) {
	return false, errors.New("single checks not expected")
}

func (c *countingBroadcastChecker) HasBroadcastAccess(_ context.Context, _ string, keys []string) ([]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]bool, len(keys))
	for i := range out {
		out[i] = true
	}
	return out, nil
}

func TestBroadcastBatchesAccessChecks(t *testing.T) {
	checker := &countingBroadcastChecker{}
	b := NewBroadcastStore(checker, WithLogger(discardLogger()))
	defer b.Close()

	conns := []*fakeConnection{
		newFakeConnection("c1", "k1"),
		newFakeConnection("c2", "k2"),
		newFakeConnection("c3", "k3"),
	}
	for _, c := range conns {
		b.Add("doc", c)
	}
	b.Broadcast("doc", []byte("m1"), nil)
	b.Wait()

	checker.mu.Lock()
	assert.Equal(t, 1, checker.calls)
	checker.mu.Unlock()
	for _, c := range conns {
		assert.Equal(t, []string{"m1"}, c.messages())
	}
}

func TestBroadcastFailsClosedOnCheckError(t *testing.T) {
	checker := &countingBroadcastChecker{err: errors.New("policy unavailable")}
	b := NewBroadcastStore(checker, WithLogger(discardLogger()))
	defer b.Close()

	conn := newFakeConnection("c1", "k1")
	b.Add("doc", conn)
	b.Broadcast("doc", []byte("m1"), nil)
	b.Wait()

	assert.Empty(t, conn.messages())
	assert.False(t, conn.isClosed())
	require.Equal(t, 1, b.ConnectionCount("doc"))
}

func TestBroadcastWithoutConnectionsIsDropped(t *testing.T) {
	b := NewBroadcastStore(nil, WithLogger(discardLogger()))
	defer b.Close()

	b.Broadcast("doc", []byte("m1"), nil)
	b.Wait()
	assert.Zero(t, b.ConnectionCount("doc"))
}
