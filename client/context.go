package client

import (
	"encoding/json"

	"github.com/jmcleod/secsync/ephemeral"
	"github.com/jmcleod/secsync/protocol"
)

type snapshotInFlight struct {
	info             protocol.SnapshotInfoWithUpdateClocks
	parentSnapshotID string
	changes          [][]byte
}

type updateInFlight struct {
	snapshotID string
	clock      int
	changes    [][]byte
}

// syncContext is the engine state that is reset on every disconnect. It is
// only touched by the engine goroutine.
type syncContext struct {
	// snapshotInfos holds the last processed snapshots, the active one last.
	snapshotInfos     []protocol.SnapshotInfoWithUpdateClocks
	snapshotInFlight  *snapshotInFlight
	updatesLocalClock int
	updatesInFlight   []updateInFlight

	incoming [][]byte
	custom   []json.RawMessage
	pending  [][]byte

	decryptionState      DecryptionState
	snapshotSaveFailures int
	updateSaveFailures   int
	session              *ephemeral.Session
}

func newSyncContext() syncContext {
	return syncContext{updatesLocalClock: -1}
}

// active returns the active snapshot or nil. Updates of its clocks are
// applied in place.
func (c *syncContext) active() *protocol.SnapshotInfoWithUpdateClocks {
	if len(c.snapshotInfos) == 0 {
		return nil
	}
	return &c.snapshotInfos[len(c.snapshotInfos)-1]
}

func (c *syncContext) pushSnapshotInfo(info protocol.SnapshotInfoWithUpdateClocks) {
	c.snapshotInfos = append(c.snapshotInfos, info)
	if n := len(c.snapshotInfos); n > keptSnapshotInfos {
		c.snapshotInfos = append([]protocol.SnapshotInfoWithUpdateClocks(nil), c.snapshotInfos[n-keptSnapshotInfos:]...)
	}
	c.updatesLocalClock = -1
}

func (c *syncContext) snapshotInfo(id string) *protocol.SnapshotInfoWithUpdateClocks {
	for i := len(c.snapshotInfos) - 1; i >= 0; i-- {
		if c.snapshotInfos[i].SnapshotID == id {
			return &c.snapshotInfos[i]
		}
	}
	return nil
}

// unconfirmedChanges returns every change the relay has not confirmed, in
// the order it was produced.
func (c *syncContext) unconfirmedChanges() [][]byte {
	var changes [][]byte
	if c.snapshotInFlight != nil {
		changes = append(changes, c.snapshotInFlight.changes...)
	}
	for _, u := range c.updatesInFlight {
		changes = append(changes, u.changes...)
	}
	return append(changes, c.pending...)
}

// hasWork reports whether processQueues has an item it can handle now.
// Pending changes wait for a loaded document and for the snapshot in
// flight.
func (c *syncContext) hasWork() bool {
	if len(c.custom) > 0 || len(c.incoming) > 0 {
		return true
	}
	return len(c.pending) > 0 && c.snapshotInFlight == nil && c.decryptionState == DecryptionComplete
}

func cloneSnapshotInfo(info protocol.SnapshotInfoWithUpdateClocks) protocol.SnapshotInfoWithUpdateClocks {
	out := info
	out.UpdateClocks = info.UpdateClocks.Clone()
	if info.AdditionalPublicData != nil {
		out.AdditionalPublicData = make(map[string]json.RawMessage, len(info.AdditionalPublicData))
		for k, v := range info.AdditionalPublicData {
			out.AdditionalPublicData[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func prependChanges(front, rest [][]byte) [][]byte {
	if len(front) == 0 {
		return rest
	}
	out := make([][]byte, 0, len(front)+len(rest))
	return append(append(out, front...), rest...)
}
