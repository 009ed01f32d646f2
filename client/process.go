package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/secsync/crypto"
	"github.com/jmcleod/secsync/ephemeral"
	"github.com/jmcleod/secsync/protocol"
)

// processQueues handles one queue item: custom messages first, then
// incoming frames, then pending local changes.
func (e *Engine) processQueues() (eventKind, error) {
	var err error
	switch {
	case len(e.sc.custom) > 0:
		msg := e.sc.custom[0]
		e.sc.custom = e.sc.custom[1:]
		if e.cfg.OnCustomMessage != nil {
			e.cfg.OnCustomMessage(msg)
		}
	case len(e.sc.incoming) > 0:
		frame := e.sc.incoming[0]
		e.sc.incoming = e.sc.incoming[1:]
		err = e.processFrame(frame)
	case e.sc.hasWork():
		err = e.sendPendingChanges()
	}

	var p *processError
	if errors.As(err, &p) {
		return p.kind, p.err
	}
	if err != nil {
		e.recordError(err)
	}
	return eventProcessed, nil
}

func (e *Engine) processFrame(frame []byte) error {
	messageType, err := protocol.PeekMessageType(frame)
	if err != nil {
		return err
	}
	switch messageType {
	case protocol.MessageDocument:
		e.documentReceived()
		var msg protocol.DocumentMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return fatal(fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err))
		}
		return e.processDocument(&msg)

	case protocol.MessageSnapshot:
		var msg protocol.SnapshotMessage
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Snapshot == nil {
			return protocol.ErrMalformedMessage
		}
		return e.processSnapshot(&msg.Snapshot.Snapshot, nil, e.sc.active())

	case protocol.MessageSnapshotSaved:
		var msg protocol.SnapshotSavedMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return protocol.ErrMalformedMessage
		}
		e.snapshotSaved(msg.SnapshotID)
		return nil

	case protocol.MessageSnapshotSaveFailed:
		var msg protocol.DocumentMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return abort(fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err))
		}
		return e.snapshotSaveFailed(&msg)

	case protocol.MessageUpdate:
		var msg protocol.UpdateMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return protocol.ErrMalformedMessage
		}
		return e.processUpdates([]protocol.UpdateWithServerData{msg.UpdateWithServerData})

	case protocol.MessageUpdateSaved:
		var msg protocol.UpdateResultMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return protocol.ErrMalformedMessage
		}
		e.updateSaved(msg.SnapshotID, msg.Clock)
		return nil

	case protocol.MessageUpdateSaveFailed:
		var msg protocol.UpdateResultMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return protocol.ErrMalformedMessage
		}
		return e.updateSaveFailed(&msg)

	case protocol.MessageEphemeralMessage:
		var msg protocol.EphemeralMessageFrame
		if err := json.Unmarshal(frame, &msg); err != nil {
			e.ephemeralReceiveErrors = prependError(e.ephemeralReceiveErrors, ephemeral.ErrMalformedMessage)
			return nil
		}
		e.receiveEphemeralMessage(&msg.Message)
		return nil
	}
	return nil
}

// processDocument loads the initial state. Every error fails the document.
func (e *Engine) processDocument(msg *protocol.DocumentMessage) error {
	e.sc.decryptionState = DecryptionFailed

	delta := e.loadParams != nil && e.loadParams.Mode == protocol.LoadModeDelta
	if !delta && msg.Snapshot == nil && len(msg.Updates) > 0 {
		return fatal(ErrUpdatesWithoutSnapshot)
	}
	if msg.Snapshot != nil {
		var known *protocol.SnapshotInfoWithUpdateClocks
		if e.loadParams != nil && e.loadParams.KnownSnapshotInfo.SnapshotID != "" {
			info := cloneSnapshotInfo(e.loadParams.KnownSnapshotInfo)
			known = &info
		}
		if err := e.processSnapshot(&msg.Snapshot.Snapshot, msg.SnapshotProofChain, known); err != nil {
			return fatal(err)
		}
	}

	e.sc.decryptionState = DecryptionPartial
	if len(msg.Updates) > 0 {
		if err := e.processUpdates(msg.Updates); err != nil {
			return fatal(err)
		}
	}
	e.sc.decryptionState = DecryptionComplete

	if e.sc.active() != nil {
		if err := e.writeEphemeral(nil, ephemeral.TypeInitialize); err != nil {
			e.ephemeralSendErrors = prependError(e.ephemeralSendErrors, err)
		}
	}
	return nil
}

func (e *Engine) isValidClient(pubKey string) error {
	ok, err := e.cfg.IsValidClient(pubKey)
	if err != nil {
		return fatal(fmt.Errorf("validating client: %w", err))
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidClient, pubKey)
	}
	return nil
}

// processSnapshot verifies snapshot against known, applies it and makes it
// the active snapshot. With a proof chain the snapshot must descend from
// known, otherwise it must be its direct child.
func (e *Engine) processSnapshot(snapshot *protocol.Snapshot, chain []protocol.SnapshotProofChainEntry, known *protocol.SnapshotInfoWithUpdateClocks) error {
	if err := e.isValidClient(snapshot.PublicData.PubKey); err != nil {
		return err
	}

	entry := snapshot.ChainEntry()
	if known != nil && known.SnapshotProofChainEntry == entry {
		if active := e.sc.active(); active == nil || active.SnapshotID != entry.SnapshotID {
			e.sc.pushSnapshotInfo(protocol.SnapshotInfoWithUpdateClocks{
				SnapshotProofInfo: snapshot.ProofInfo(),
				UpdateClocks:      protocol.Clocks{},
			})
		}
		return nil
	}

	var opts []protocol.VerifySnapshotOption
	if known != nil {
		if len(chain) > 0 {
			if !protocol.IsValidAncestorSnapshot(known.SnapshotProofChainEntry, chain, snapshot) {
				return abort(protocol.ErrInvalidAncestorSnapshot)
			}
		} else {
			opts = append(opts, protocol.WithParentSnapshot(known.SnapshotProofChainEntry))
			if clock, ok := known.UpdateClocks[e.publicKey]; ok {
				opts = append(opts, protocol.WithParentSnapshotUpdateClock(clock))
			}
		}
	}

	info := snapshot.ProofInfo()
	key, err := e.cfg.GetSnapshotKey(&info)
	if err != nil {
		return fatal(fmt.Errorf("getting snapshot key: %w", err))
	}
	content, err := protocol.VerifyAndDecryptSnapshot(snapshot, key, e.cfg.DocumentID, e.publicKey, opts...)
	switch {
	case errors.Is(err, protocol.ErrInvalidParentSnapshot), errors.Is(err, protocol.ErrInvalidParentSnapshotUpdateClock):
		return abort(err)
	case err != nil:
		return err
	}
	if err := e.cfg.ApplySnapshot(content); err != nil {
		return fatal(fmt.Errorf("applying snapshot: %w", err))
	}

	e.sc.pushSnapshotInfo(protocol.SnapshotInfoWithUpdateClocks{SnapshotProofInfo: info, UpdateClocks: protocol.Clocks{}})
	e.documentUpdated(DocumentSnapshotReceived)
	return nil
}

// processUpdates verifies updates against the active snapshot and applies
// the accepted ones in a single ApplyChanges call. Updates that were
// already applied are skipped.
func (e *Engine) processUpdates(updates []protocol.UpdateWithServerData) error {
	active := e.sc.active()
	if active == nil {
		return ErrNoActiveSnapshot
	}
	if active.UpdateClocks == nil {
		active.UpdateClocks = protocol.Clocks{}
	}
	key, err := e.cfg.GetSnapshotKey(&active.SnapshotProofInfo)
	if err != nil {
		return fatal(fmt.Errorf("getting snapshot key: %w", err))
	}

	var (
		changes  [][]byte
		accepted int
		firstErr error
	)
	for i := range updates {
		update := &updates[i].Update
		if err := e.isValidClient(update.PublicData.PubKey); err != nil {
			var p *processError
			if errors.As(err, &p) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		content, err := protocol.VerifyAndDecryptUpdate(update, key, active.SnapshotID, active.UpdateClocks)
		if errors.Is(err, protocol.ErrClockNotIncreasing) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if update.PublicData.PubKey == e.publicKey && update.PublicData.Clock > e.sc.updatesLocalClock {
			e.sc.updatesLocalClock = update.PublicData.Clock
		}
		decoded, err := e.cfg.DeserializeChanges(content)
		if err != nil {
			return fatal(err)
		}
		changes = append(changes, decoded...)
		accepted++
	}

	if accepted > 0 {
		if err := e.cfg.ApplyChanges(changes); err != nil {
			return fatal(fmt.Errorf("applying changes: %w", err))
		}
		e.documentUpdated(DocumentUpdateReceived)
	}
	return firstErr
}

// snapshotSaved promotes the snapshot in flight unless another snapshot
// became active in the meantime.
func (e *Engine) snapshotSaved(snapshotID string) {
	inFlight := e.sc.snapshotInFlight
	if inFlight == nil || inFlight.info.SnapshotID != snapshotID {
		return
	}
	if active := e.sc.active(); active != nil && active.SnapshotID != inFlight.parentSnapshotID {
		return
	}
	e.sc.snapshotSaveFailures = 0
	e.sc.pushSnapshotInfo(inFlight.info)
	e.sc.snapshotInFlight = nil
	e.documentUpdated(DocumentSnapshotSaved)
}

// snapshotSaveFailed catches up with the state the relay sent and retries
// with a new snapshot containing the changes of the failed one.
func (e *Engine) snapshotSaveFailed(msg *protocol.DocumentMessage) error {
	e.sc.snapshotSaveFailures++
	if msg.Snapshot != nil {
		if err := e.processSnapshot(&msg.Snapshot.Snapshot, msg.SnapshotProofChain, e.sc.active()); err != nil {
			return abort(err)
		}
	}
	if len(msg.Updates) > 0 {
		if err := e.processUpdates(msg.Updates); err != nil {
			return abort(err)
		}
	}

	if inFlight := e.sc.snapshotInFlight; inFlight != nil {
		e.sc.pending = prependChanges(inFlight.changes, e.sc.pending)
		e.sc.snapshotInFlight = nil
	}
	if e.sc.snapshotSaveFailures >= maxSnapshotSaveFailures {
		return abort(ErrTooManySnapshotFailures)
	}
	return e.createAndSendSnapshot()
}

func (e *Engine) updateSaved(snapshotID string, clock int) {
	e.sc.snapshotSaveFailures = 0
	e.sc.updateSaveFailures = 0
	if info := e.sc.snapshotInfo(snapshotID); info != nil {
		if info.UpdateClocks == nil {
			info.UpdateClocks = protocol.Clocks{}
		}
		info.UpdateClocks.Advance(e.publicKey, clock)
	}
	for i, u := range e.sc.updatesInFlight {
		if u.snapshotID == snapshotID && u.clock == clock {
			e.sc.updatesInFlight = append(e.sc.updatesInFlight[:i:i], e.sc.updatesInFlight[i+1:]...)
			break
		}
	}
	e.documentUpdated(DocumentUpdateSaved)
}

// updateSaveFailed requeues every update in flight. Failures for updates
// that are no longer in flight belong to an earlier requeue and are
// ignored.
func (e *Engine) updateSaveFailed(msg *protocol.UpdateResultMessage) error {
	found := false
	for _, u := range e.sc.updatesInFlight {
		if u.snapshotID == msg.SnapshotID && u.clock == msg.Clock {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	e.sc.updateSaveFailures++
	if e.sc.updateSaveFailures >= maxUpdateSaveFailures {
		return abort(ErrTooManyUpdateFailures)
	}

	var changes [][]byte
	for _, u := range e.sc.updatesInFlight {
		changes = append(changes, u.changes...)
	}
	e.sc.updatesInFlight = nil
	e.sc.pending = prependChanges(changes, e.sc.pending)

	if msg.RequiresNewSnapshot {
		if e.sc.snapshotInFlight != nil {
			return nil
		}
		return e.createAndSendSnapshot()
	}
	e.sc.updatesLocalClock = -1
	if active := e.sc.active(); active != nil {
		e.sc.updatesLocalClock = active.UpdateClocks.Current(e.publicKey)
	}
	return nil
}

func (e *Engine) sendPendingChanges() error {
	active := e.sc.active()
	if active == nil || e.cfg.ShouldSendSnapshot(SnapshotInfo{
		ActiveSnapshotID:     active.SnapshotID,
		SnapshotUpdatesCount: active.UpdateClocks.UpdateCount(),
	}) {
		return e.createAndSendSnapshot()
	}
	return e.createAndSendUpdate()
}

// createAndSendSnapshot sends a snapshot carrying every pending change.
func (e *Engine) createAndSendSnapshot() error {
	id, err := crypto.GenerateID()
	if err != nil {
		return fatal(err)
	}
	data, err := e.cfg.GetNewSnapshotData(id)
	if err != nil {
		return fatal(fmt.Errorf("getting snapshot data: %w", err))
	}
	publicData := protocol.SnapshotPublicData{
		DocID:      e.cfg.DocumentID,
		PubKey:     e.publicKey,
		SnapshotID: id,
		Additional: data.PublicData,
	}

	var snapshot *protocol.Snapshot
	if active := e.sc.active(); active == nil {
		publicData.ParentSnapshotUpdateClocks = protocol.Clocks{}
		snapshot, err = protocol.CreateInitialSnapshot(data.Data, publicData, data.Key, e.cfg.SigningKey)
	} else {
		publicData.ParentSnapshotID = active.SnapshotID
		publicData.ParentSnapshotUpdateClocks = active.UpdateClocks.Clone()
		snapshot, err = protocol.CreateSnapshot(data.Data, publicData, data.Key, e.cfg.SigningKey,
			active.SnapshotCiphertextHash, active.ParentSnapshotProof)
	}
	if err != nil {
		return fatal(err)
	}

	frame, err := json.Marshal(protocol.SnapshotWithClientData{
		Snapshot:             *snapshot,
		AdditionalServerData: data.AdditionalServerData,
	})
	if err != nil {
		return fatal(err)
	}
	e.sc.snapshotInFlight = &snapshotInFlight{
		info: protocol.SnapshotInfoWithUpdateClocks{
			SnapshotProofInfo: snapshot.ProofInfo(),
			UpdateClocks:      protocol.Clocks{},
		},
		parentSnapshotID: publicData.ParentSnapshotID,
		changes:          e.sc.pending,
	}
	e.sc.pending = nil
	if err := e.write(frame); err != nil {
		return abort(fmt.Errorf("sending snapshot: %w", err))
	}
	return nil
}

// createAndSendUpdate sends every pending change as one update on the
// active snapshot.
func (e *Engine) createAndSendUpdate() error {
	active := e.sc.active()
	if active == nil {
		return ErrNoActiveSnapshot
	}
	key, err := e.cfg.GetSnapshotKey(&active.SnapshotProofInfo)
	if err != nil {
		return fatal(fmt.Errorf("getting snapshot key: %w", err))
	}
	content, err := e.cfg.SerializeChanges(e.sc.pending)
	if err != nil {
		return fatal(err)
	}
	clock := e.sc.updatesLocalClock + 1
	update, err := protocol.CreateUpdate(content, protocol.UpdatePublicData{
		DocID:         e.cfg.DocumentID,
		PubKey:        e.publicKey,
		RefSnapshotID: active.SnapshotID,
	}, key, e.cfg.SigningKey, nil, protocol.WithClock(clock))
	if err != nil {
		return fatal(err)
	}
	frame, err := json.Marshal(update)
	if err != nil {
		return fatal(err)
	}

	e.sc.updatesLocalClock = clock
	e.sc.updatesInFlight = append(e.sc.updatesInFlight, updateInFlight{
		snapshotID: active.SnapshotID,
		clock:      clock,
		changes:    e.sc.pending,
	})
	e.sc.pending = nil
	if err := e.write(frame); err != nil {
		return abort(fmt.Errorf("sending update: %w", err))
	}
	return nil
}

func (e *Engine) receiveEphemeralMessage(msg *ephemeral.Message) {
	fail := func(err error) {
		e.ephemeralReceiveErrors = prependError(e.ephemeralReceiveErrors, err)
	}
	active := e.sc.active()
	if active == nil || e.sc.session == nil {
		fail(ErrNoActiveSnapshot)
		return
	}
	if ok, err := e.cfg.IsValidClient(msg.PublicData.PubKey); err != nil || !ok {
		fail(ErrInvalidClient)
		return
	}
	key, err := e.cfg.GetSnapshotKey(&active.SnapshotProofInfo)
	if err != nil {
		fail(err)
		return
	}

	result, err := ephemeral.VerifyAndDecrypt(msg, key, e.cfg.DocumentID, e.sc.session, e.cfg.SigningKey)
	if err != nil {
		fail(err)
	}
	if result == nil {
		return
	}
	e.sc.session.ValidSessions = result.ValidSessions
	if replyType, ok := result.ReplyType(); ok {
		if err := e.writeEphemeralWithKey(result.Proof, replyType, key); err != nil {
			e.ephemeralSendErrors = prependError(e.ephemeralSendErrors, err)
		}
	}
	if result.Content != nil {
		if err := e.cfg.ApplyEphemeralMessage(result.Content, msg.PublicData.PubKey); err != nil {
			fail(err)
		}
	}
}

// sendEphemeralMessage runs outside of queue processing; it does not touch
// the document state.
func (e *Engine) sendEphemeralMessage(content []byte) {
	if err := e.writeEphemeral(content, ephemeral.TypeMessage); err != nil {
		e.ephemeralSendErrors = prependError(e.ephemeralSendErrors, err)
	}
}

func (e *Engine) writeEphemeral(content []byte, messageType ephemeral.MessageType) error {
	if !e.state.Connected() || e.sc.session == nil {
		return ErrNotConnected
	}
	active := e.sc.active()
	if active == nil {
		return ErrNoActiveSnapshot
	}
	key, err := e.cfg.GetSnapshotKey(&active.SnapshotProofInfo)
	if err != nil {
		return fmt.Errorf("getting snapshot key: %w", err)
	}
	return e.writeEphemeralWithKey(content, messageType, key)
}

func (e *Engine) writeEphemeralWithKey(content []byte, messageType ephemeral.MessageType, key []byte) error {
	msg, err := ephemeral.CreateMessage(content, messageType, ephemeral.PublicData{
		DocID:  e.cfg.DocumentID,
		PubKey: e.publicKey,
	}, key, e.cfg.SigningKey, e.sc.session.ID, e.sc.session.Next())
	if err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.write(frame)
}

func (e *Engine) documentUpdated(kind DocumentUpdatedType) {
	if e.cfg.OnDocumentUpdated == nil {
		return
	}
	active := e.sc.active()
	if active == nil {
		return
	}
	e.cfg.OnDocumentUpdated(DocumentUpdatedEvent{Type: kind, KnownSnapshotInfo: cloneSnapshotInfo(*active)})
}
