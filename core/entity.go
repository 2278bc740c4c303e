package core

import (
	"context"
	"encoding/json"
	"time"
)

// FileType selects the reducer used for a room's state.
type FileType string

const (
	FileTypeCanvas   FileType = "canvas"
	FileTypeDocument FileType = "document"
	FileTypeImage    FileType = "image"
)

// Message types exchanged on the live channel.
const (
	MessageInit            = "init"
	MessageConnected       = "connected"
	MessageDraw            = "draw"
	MessageClear           = "clear"
	MessageCursorMove      = "cursor_move"
	MessageTextChange      = "text_change"
	MessageTextOperation   = "text_operation"
	MessageCursorChange    = "cursor_change"
	MessageCursorUpdate    = "cursor_update"
	MessageSelectionChange = "selection_change"
	MessageAnnotationAdd   = "annotation_add"
	MessageAnnotationDel   = "annotation_delete"
	MessageAnnotationEdit  = "annotation_update"
	MessageDrawBatch       = "draw_batch"
	MessageError           = "error"
	MessageDisconnect      = "disconnect"
	MessageHistorySync     = "history_sync"
)

// Event types carried through the durable queue.
const (
	EventDraw  = "draw"
	EventClear = "clear"
	EventBatch = "batch"
)

type (
	// RoomKey identifies the unit of collaboration. A room exists only
	// while at least one session is connected to it.
	RoomKey struct {
		ProjectID string `json:"project_id"`
		FileID    string `json:"file_id"`
	}

	// Message is the wire envelope on the live channel.
	Message struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Update is an inbound edit after envelope decoding.
	Update struct {
		Type      string
		UserID    string
		Data      json.RawMessage
		Timestamp int64
	}

	// BufferedEvent is a persistence-bound event awaiting batched
	// hand-off to the durable queue.
	BufferedEvent struct {
		ProjectID string          `json:"project_id"`
		FileID    string          `json:"file_id"`
		UserID    string          `json:"user_id"`
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data,omitempty"`
		Timestamp int64           `json:"timestamp"`
	}

	// Envelope is the queue payload: either a single event or a batch
	// of events for one room.
	Envelope struct {
		ProjectID string          `json:"project_id"`
		FileID    string          `json:"file_id"`
		UserID    string          `json:"user_id,omitempty"`
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data,omitempty"`
		Events    []BufferedEvent `json:"events,omitempty"`
		Count     int             `json:"count,omitempty"`
		Timestamp int64           `json:"timestamp"`
	}

	// HistoryEntry is one persisted edit. Sequence numbers are assigned
	// by the store at write time and increase strictly per file.
	HistoryEntry struct {
		SequenceNumber int64           `json:"sequence_number"`
		UserID         string          `json:"user_id"`
		Timestamp      int64           `json:"timestamp"`
		Data           json.RawMessage `json:"data"`
	}

	// HistoryStore is the durable history repository consumed by the
	// persistence consumer and the history-sync path.
	HistoryStore interface {
		MaxSequence(ctx context.Context, fileID string) (int64, error)
		AppendHistory(ctx context.Context, projectID, fileID, userID string, data json.RawMessage, timestamp int64) (int64, error)
		ClearHistory(ctx context.Context, projectID, fileID string) error
		History(ctx context.Context, projectID, fileID string) ([]HistoryEntry, error)
	}

	// EventQueue is the at-least-once FIFO boundary between the live
	// path and the persistence consumer. PopBlocking returns (nil, nil)
	// when the timeout elapses with no payload available.
	EventQueue interface {
		Push(ctx context.Context, payload []byte) error
		PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error)
		Trim(ctx context.Context, max int64) error
		Len(ctx context.Context) (int64, error)
	}
)

// Key returns the room the event belongs to.
func (e BufferedEvent) Key() RoomKey {
	return RoomKey{ProjectID: e.ProjectID, FileID: e.FileID}
}

// Envelope wraps a single buffered event for the queue.
func (e BufferedEvent) Envelope() Envelope {
	return Envelope{
		ProjectID: e.ProjectID,
		FileID:    e.FileID,
		UserID:    e.UserID,
		EventType: e.EventType,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
}

// NewBatchEnvelope groups several buffered events of one room into a
// single queue payload.
func NewBatchEnvelope(key RoomKey, events []BufferedEvent) Envelope {
	return Envelope{
		ProjectID: key.ProjectID,
		FileID:    key.FileID,
		EventType: EventBatch,
		Events:    events,
		Count:     len(events),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Key returns the room the envelope belongs to.
func (e Envelope) Key() RoomKey {
	return RoomKey{ProjectID: e.ProjectID, FileID: e.FileID}
}

// Event converts a single (non-batch) envelope back into a buffered event.
func (e Envelope) Event() BufferedEvent {
	return BufferedEvent{
		ProjectID: e.ProjectID,
		FileID:    e.FileID,
		UserID:    e.UserID,
		EventType: e.EventType,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
}
