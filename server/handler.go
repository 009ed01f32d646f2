package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jmcleod/secsync/access"
	"github.com/jmcleod/secsync/ephemeral"
	"github.com/jmcleod/secsync/internal/util"
	"github.com/jmcleod/secsync/protocol"
)

// errCloseConnection ends the read loop of a connection.
var errCloseConnection = errors.New("close connection")

// Handler serves the relay WebSocket endpoint.
type Handler struct {
	documents    DocumentStore
	broadcast    *BroadcastStore
	access       access.Checker
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewHandler creates the relay handler. A nil checker allows everything.
func NewHandler(documents DocumentStore, broadcast *BroadcastStore, checker access.Checker, opts ...Option) *Handler {
	o := applyOptions(opts)
	if checker == nil {
		checker = access.AllowAll{}
	}
	return &Handler{
		documents: documents,
		broadcast: broadcast,
		access:    checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     o.checkOrigin,
		},
		logger:       o.logger.With("component", "relay"),
		pingInterval: o.pingInterval,
		writeTimeout: o.writeTimeout,
	}
}

// Router returns the relay routes: /health and the per-document WebSocket.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/{documentID}", h.ServeDocument)
	return r
}

type connectParams struct {
	documentID string
	sessionKey string
	document   GetDocumentParams
}

func parseConnectParams(r *http.Request) (connectParams, error) {
	q := r.URL.Query()
	p := connectParams{
		documentID: util.NormalizeID(chi.URLParam(r, "documentID")),
		sessionKey: util.NormalizeID(q.Get("sessionKey")),
	}
	if err := util.ValidateID(p.documentID, "document id"); err != nil {
		return p, err
	}
	p.document = GetDocumentParams{
		DocumentID:      p.documentID,
		KnownSnapshotID: q.Get("knownSnapshotId"),
		Mode:            protocol.LoadModeComplete,
	}
	if q.Get("mode") == string(protocol.LoadModeDelta) {
		p.document.Mode = protocol.LoadModeDelta
	}
	if raw := q.Get("knownSnapshotUpdateClocks"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.document.KnownSnapshotUpdateClocks); err != nil {
			return p, err
		}
	}
	return p, nil
}

// ServeDocument upgrades the request and runs the connection until the
// peer goes away. Connect errors are reported as a single frame followed by
// a close.
func (h *Handler) ServeDocument(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ctx := r.Context()

	params, err := parseConnectParams(r)
	conn := newConnection(ws, params.sessionKey, h.writeTimeout)
	defer conn.Close()

	if err != nil {
		h.logger.DebugContext(ctx, "invalid connect parameters", "error", err)
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageDocumentError})
		return
	}
	log := h.logger.With("document_id", params.documentID, "connection_id", conn.ID())

	if params.sessionKey == "" {
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageUnauthorized})
		return
	}
	ok, err := h.access.HasAccess(ctx, access.Request{
		Action:     access.ActionRead,
		DocumentID: params.documentID,
		SessionKey: params.sessionKey,
	})
	if err != nil {
		log.ErrorContext(ctx, "access check failed", "error", err)
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageDocumentError})
		return
	}
	if !ok {
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageUnauthorized})
		return
	}

	// Register first so nothing accepted while the document loads is
	// missed; such messages are held until the document frame is written.
	h.broadcast.Add(params.documentID, conn)
	defer h.broadcast.Remove(params.documentID, conn)

	doc, err := h.documents.GetDocument(ctx, params.document)
	if errors.Is(err, ErrDocumentNotFound) {
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageDocumentNotFound})
		return
	}
	if err != nil {
		log.ErrorContext(ctx, "loading document failed", "error", err)
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageDocumentError})
		return
	}
	err = conn.open(protocol.DocumentMessage{
		Type:               protocol.MessageDocument,
		Snapshot:           doc.Snapshot,
		Updates:            doc.Updates,
		SnapshotProofChain: doc.SnapshotProofChain,
	})
	if err != nil {
		log.DebugContext(ctx, "sending document failed", "error", err)
		return
	}
	log.InfoContext(ctx, "client connected", "mode", params.document.Mode)

	conn.expectPongs(h.pingInterval)
	go conn.keepAlive(h.pingInterval)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			log.DebugContext(ctx, "client disconnected", "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.handleMessage(ctx, log, params.documentID, conn, data); errors.Is(err, errCloseConnection) {
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, log *slog.Logger, documentID string, conn *wsConnection, data []byte) error {
	kind, err := protocol.ClassifyClientMessage(data)
	if err != nil {
		log.DebugContext(ctx, "dropping malformed message", "error", err)
		return nil
	}
	switch kind {
	case protocol.ClientSnapshot:
		return h.handleSnapshot(ctx, log, documentID, conn, data)
	case protocol.ClientUpdate:
		return h.handleUpdate(ctx, log, documentID, conn, data)
	default:
		return h.handleEphemeralMessage(ctx, log, documentID, conn, data)
	}
}

// authorize reports whether conn may perform action as pubKey. A denied
// write is answered with unauthorized and ends the connection.
func (h *Handler) authorize(ctx context.Context, documentID string, conn *wsConnection, action access.Action, pubKey string) (bool, error) {
	ok, err := h.access.HasAccess(ctx, access.Request{
		Action:     action,
		DocumentID: documentID,
		SessionKey: conn.SessionKey(),
		PublicKey:  pubKey,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		_ = conn.sendJSON(protocol.StatusMessage{Type: protocol.MessageUnauthorized})
		return false, errCloseConnection
	}
	return true, nil
}

func (h *Handler) handleSnapshot(ctx context.Context, log *slog.Logger, documentID string, conn *wsConnection, data []byte) error {
	saveFailed := protocol.DocumentMessage{
		Type:    protocol.MessageSnapshotSaveFailed,
		Updates: []protocol.UpdateWithServerData{},
	}

	var snapshot protocol.SnapshotWithClientData
	if err := json.Unmarshal(data, &snapshot); err != nil {
		log.DebugContext(ctx, "malformed snapshot", "error", err)
		return conn.sendJSON(saveFailed)
	}
	pd := snapshot.PublicData

	if ok, err := h.authorize(ctx, documentID, conn, access.ActionWriteSnapshot, pd.PubKey); !ok {
		if err != nil && !errors.Is(err, errCloseConnection) {
			log.ErrorContext(ctx, "access check failed", "error", err)
			return conn.sendJSON(saveFailed)
		}
		return err
	}
	if pd.DocID != documentID {
		log.DebugContext(ctx, "snapshot for another document", "snapshot_doc_id", pd.DocID)
		return conn.sendJSON(saveFailed)
	}
	if err := protocol.VerifySnapshotSignature(&snapshot.Snapshot); err != nil {
		log.DebugContext(ctx, "snapshot rejected", "snapshot_id", pd.SnapshotID, "error", err)
		return conn.sendJSON(saveFailed)
	}

	saved, err := h.documents.CreateSnapshot(ctx, documentID, &snapshot)
	switch {
	case err == nil:
		if err := conn.sendJSON(protocol.SnapshotSavedMessage{
			Type:       protocol.MessageSnapshotSaved,
			SnapshotID: pd.SnapshotID,
		}); err != nil {
			log.DebugContext(ctx, "sending snapshot-saved failed", "error", err)
		}
		h.broadcastJSON(log, documentID, conn, protocol.SnapshotMessage{
			Type:     protocol.MessageSnapshot,
			Snapshot: saved,
		})
		return nil

	case errors.Is(err, protocol.ErrSnapshotBasedOnOutdatedSnapshot):
		doc, err := h.documents.GetDocument(ctx, GetDocumentParams{
			DocumentID:      documentID,
			KnownSnapshotID: pd.ParentSnapshotID,
			Mode:            protocol.LoadModeComplete,
		})
		if err != nil {
			log.ErrorContext(ctx, "loading document failed", "error", err)
			return conn.sendJSON(saveFailed)
		}
		saveFailed.Snapshot = doc.Snapshot
		saveFailed.Updates = doc.Updates
		saveFailed.SnapshotProofChain = doc.SnapshotProofChain
		return conn.sendJSON(saveFailed)

	case errors.Is(err, protocol.ErrSnapshotMissesUpdates):
		doc, err := h.documents.GetDocument(ctx, GetDocumentParams{
			DocumentID:                documentID,
			KnownSnapshotID:           pd.ParentSnapshotID,
			KnownSnapshotUpdateClocks: pd.ParentSnapshotUpdateClocks,
			Mode:                      protocol.LoadModeDelta,
		})
		if err != nil {
			log.ErrorContext(ctx, "loading document failed", "error", err)
			return conn.sendJSON(saveFailed)
		}
		saveFailed.Updates = doc.Updates
		return conn.sendJSON(saveFailed)

	default:
		log.InfoContext(ctx, "snapshot rejected", "snapshot_id", pd.SnapshotID, "error", err)
		return conn.sendJSON(saveFailed)
	}
}

func (h *Handler) handleUpdate(ctx context.Context, log *slog.Logger, documentID string, conn *wsConnection, data []byte) error {
	var update protocol.Update
	if err := json.Unmarshal(data, &update); err != nil {
		log.DebugContext(ctx, "malformed update", "error", err)
		return nil
	}
	pd := update.PublicData
	saveFailed := protocol.UpdateResultMessage{
		Type:       protocol.MessageUpdateSaveFailed,
		SnapshotID: pd.RefSnapshotID,
		Clock:      pd.Clock,
	}

	if ok, err := h.authorize(ctx, documentID, conn, access.ActionWriteUpdate, pd.PubKey); !ok {
		if err != nil && !errors.Is(err, errCloseConnection) {
			log.ErrorContext(ctx, "access check failed", "error", err)
			return conn.sendJSON(saveFailed)
		}
		return err
	}
	if pd.DocID != documentID {
		return conn.sendJSON(saveFailed)
	}
	if err := protocol.VerifyUpdateSignature(&update); err != nil {
		log.DebugContext(ctx, "update rejected", "snapshot_id", pd.RefSnapshotID, "error", err)
		return conn.sendJSON(saveFailed)
	}

	saved, err := h.documents.CreateUpdate(ctx, documentID, &update)
	if err != nil {
		log.DebugContext(ctx, "update rejected", "snapshot_id", pd.RefSnapshotID, "clock", pd.Clock, "error", err)
		saveFailed.RequiresNewSnapshot = errors.Is(err, protocol.ErrNewSnapshotRequired)
		return conn.sendJSON(saveFailed)
	}
	if err := conn.sendJSON(protocol.UpdateResultMessage{
		Type:       protocol.MessageUpdateSaved,
		SnapshotID: pd.RefSnapshotID,
		Clock:      pd.Clock,
	}); err != nil {
		log.DebugContext(ctx, "sending update-saved failed", "error", err)
	}
	h.broadcastJSON(log, documentID, conn, protocol.UpdateMessage{
		Type:                 protocol.MessageUpdate,
		UpdateWithServerData: *saved,
	})
	return nil
}

func (h *Handler) handleEphemeralMessage(ctx context.Context, log *slog.Logger, documentID string, conn *wsConnection, data []byte) error {
	var msg ephemeral.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.DebugContext(ctx, "malformed ephemeral message", "error", err)
		return nil
	}
	if ok, err := h.authorize(ctx, documentID, conn, access.ActionSendEphemeralMessage, msg.PublicData.PubKey); !ok {
		if err != nil && !errors.Is(err, errCloseConnection) {
			log.ErrorContext(ctx, "access check failed", "error", err)
			return nil
		}
		return err
	}
	if msg.PublicData.DocID != documentID {
		return nil
	}
	if err := ephemeral.VerifySignature(&msg); err != nil {
		log.DebugContext(ctx, "ephemeral message rejected", "error", err)
		return nil
	}
	h.broadcastJSON(log, documentID, conn, protocol.EphemeralMessageFrame{
		Type:    protocol.MessageEphemeralMessage,
		Message: msg,
	})
	return nil
}

func (h *Handler) broadcastJSON(log *slog.Logger, documentID string, origin Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encoding broadcast failed", "error", err)
		return
	}
	h.broadcast.Broadcast(documentID, data, origin)
}
