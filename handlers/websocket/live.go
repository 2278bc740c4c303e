// Package websocket serves the live channel: one persistent connection
// per (project, file, user) triple, carrying JSON envelopes of the form
// {"type": ..., "data": ...}.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"artflow-server/batcher"
	"artflow-server/collab"
	"artflow-server/core"
	"artflow-server/reducer"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// Origins are enforced by the HTTP layer's CORS policy; the upgrader
// accepts whatever reached the route.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to the collab.Transport
// interface. The mutex serializes writers; gorilla connections allow
// only one concurrent writer.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(msg core.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

type Handler struct {
	registry    *collab.Registry
	batcher     *batcher.Batcher
	store       core.HistoryStore
	historySync bool
}

func NewHandler(registry *collab.Registry, b *batcher.Batcher, store core.HistoryStore, historySync bool) *Handler {
	return &Handler{
		registry:    registry,
		batcher:     b,
		store:       store,
		historySync: historySync,
	}
}

// ServeCanvas handles canvas rooms; ?fileType=image selects the image
// variant on the same endpoint.
func (h *Handler) ServeCanvas(w http.ResponseWriter, r *http.Request) {
	fileType := core.FileTypeCanvas
	if strings.EqualFold(r.URL.Query().Get("fileType"), string(core.FileTypeImage)) {
		fileType = core.FileTypeImage
	}
	h.serve(w, r, fileType)
}

// ServeDocument handles document rooms.
func (h *Handler) ServeDocument(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, core.FileTypeDocument)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, fileType core.FileType) {
	key := core.RoomKey{
		ProjectID: chi.URLParam(r, "projectID"),
		FileID:    chi.URLParam(r, "fileID"),
	}
	userID := chi.URLParam(r, "userID")

	log := logrus.WithFields(logrus.Fields{
		"project_id": key.ProjectID,
		"file_id":    key.FileID,
		"user_id":    userID,
		"file_type":  fileType,
	})

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("WebSocket upgrade failed")
		return
	}

	t := &wsTransport{conn: conn}
	h.registry.Connect(key, userID, fileType, t)

	defer func() {
		// Release instead of Disconnect: a connection replaced by a
		// reconnect must not remove the replacement session.
		if h.registry.Release(key, userID, t) {
			h.registry.Broadcast(key, userID, disconnectNotice(userID))
			if h.batcher != nil {
				// Pending events for the room still reach the queue even
				// when the last session leaves.
				go h.batcher.FlushRoom(context.Background(), key)
			}
		}
		_ = conn.Close()
		log.Info("Connection closed")
	}()

	h.sendInitialState(key, fileType, t, log)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("error", err).Warn("Connection read failed")
			}
			return
		}

		var msg core.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// The session stays connected; only the sender is told.
			log.WithField("error", err).Error("Malformed message")
			h.notifyError(t, "Error processing message", err)
			continue
		}

		switch msg.Type {
		case core.MessageInit:
			h.sendConnected(key, userID, t, log)
		default:
			h.handleUpdate(key, userID, t, msg, log)
		}
	}
}

func (h *Handler) handleUpdate(key core.RoomKey, userID string, t collab.Transport, msg core.Message, log *logrus.Entry) {
	upd := core.Update{
		Type:      msg.Type,
		UserID:    userID,
		Data:      msg.Data,
		Timestamp: payloadTimestamp(msg.Data),
	}

	payload, ok, err := h.registry.Apply(key, upd)
	if !ok {
		log.WithField("type", msg.Type).Warn("Update for inactive room dropped")
		return
	}
	if err != nil {
		log.WithFields(logrus.Fields{"type": msg.Type, "error": err}).Error("Failed to apply update")
		h.notifyError(t, "Error processing message", err)
		return
	}

	// Broadcast first: this is the latency-critical path. Persistence
	// hand-off happens after and never blocks on the queue except for
	// priority clear events.
	h.registry.Broadcast(key, userID, payload)

	if h.batcher == nil {
		return
	}
	switch msg.Type {
	case core.MessageDraw:
		h.batcher.Add(context.Background(), core.BufferedEvent{
			ProjectID: key.ProjectID,
			FileID:    key.FileID,
			UserID:    userID,
			EventType: core.EventDraw,
			Data:      msg.Data,
			Timestamp: upd.Timestamp,
		})
	case core.MessageClear:
		// Clear hand-off pushes to the queue synchronously inside Add;
		// keep that off the read loop so a slow or unavailable queue
		// cannot stall the live channel.
		go h.batcher.Add(context.Background(), core.BufferedEvent{
			ProjectID: key.ProjectID,
			FileID:    key.FileID,
			UserID:    userID,
			EventType: core.EventClear,
			Timestamp: upd.Timestamp,
		})
	}
}

func (h *Handler) sendConnected(key core.RoomKey, userID string, t collab.Transport, log *logrus.Entry) {
	ack, err := json.Marshal(map[string]string{
		"project_id": key.ProjectID,
		"file_id":    key.FileID,
		"user_id":    userID,
	})
	if err != nil {
		return
	}
	if err := t.Send(core.Message{Type: core.MessageConnected, Data: ack}); err != nil {
		log.WithField("error", err).Warn("Failed to send connected ack")
	}
}

// sendInitialState catches a joining session up: stored history when
// history sync is enabled, and the room's current in-memory strokes as
// one grouped draw_batch.
func (h *Handler) sendInitialState(key core.RoomKey, fileType core.FileType, t collab.Transport, log *logrus.Entry) {
	if h.historySync && h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		entries, err := h.store.History(ctx, key.ProjectID, key.FileID)
		cancel()
		if err != nil {
			log.WithField("error", err).Warn("Failed to load history for sync")
		} else if len(entries) > 0 {
			data, err := json.Marshal(map[string]any{
				"file_id": key.FileID,
				"entries": entries,
			})
			if err == nil {
				if err := t.Send(core.Message{Type: core.MessageHistorySync, Data: data}); err != nil {
					log.WithField("error", err).Warn("Failed to send history sync")
				}
			}
		}
	}

	if fileType != core.FileTypeCanvas {
		return
	}
	snap, ok := h.registry.StateSnapshot(key)
	if !ok {
		return
	}
	canvas, ok := snap.(reducer.CanvasSnapshot)
	if !ok || len(canvas.Strokes) == 0 {
		return
	}
	data, err := json.Marshal(map[string]any{"strokes": canvas.Strokes})
	if err != nil {
		return
	}
	if err := t.Send(core.Message{Type: core.MessageDrawBatch, Data: data}); err != nil {
		log.WithField("error", err).Warn("Failed to send stroke catch-up")
	}
}

func (h *Handler) notifyError(t collab.Transport, message string, cause error) {
	data, err := json.Marshal(map[string]string{
		"message": message,
		"error":   cause.Error(),
	})
	if err != nil {
		return
	}
	_ = t.Send(core.Message{Type: core.MessageError, Data: data})
}

func disconnectNotice(userID string) core.Message {
	data, _ := json.Marshal(map[string]string{"user_id": userID})
	return core.Message{Type: core.MessageDisconnect, Data: data}
}

// payloadTimestamp prefers the client timestamp embedded in the payload
// and falls back to receive time.
func payloadTimestamp(data json.RawMessage) int64 {
	var probe struct {
		Timestamp int64 `json:"timestamp"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &probe); err == nil && probe.Timestamp > 0 {
			return probe.Timestamp
		}
	}
	return time.Now().UnixMilli()
}
