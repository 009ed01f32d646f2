// Package protocol defines the snapshot and update envelopes exchanged
// between clients and the relay, the rules used to create and verify them,
// and the JSON frames carried over the document WebSocket.
//
// A snapshot is the encrypted full state of a document. Updates are
// encrypted deltas that reference exactly one snapshot and carry a
// per-author clock starting at 0. Every snapshot commits to its parent via
// parentSnapshotProof which lets a client that knows an older snapshot
// verify that a newer one descends from it.
package protocol
