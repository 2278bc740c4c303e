package reducer

import (
	"encoding/json"
	"fmt"

	"artflow-server/core"

	"github.com/sirupsen/logrus"
)

// FileState is the canonical in-memory state of one room, specialized
// per file type. Apply mutates the state for the given update and
// returns the payload to broadcast to the other sessions in the room.
// Callers must serialize Apply calls per room; states are not safe for
// concurrent mutation on their own.
type FileState interface {
	FileType() core.FileType
	Apply(upd core.Update) (core.Message, error)
	Snapshot() any
}

// New creates the empty state for a file type.
func New(fileType core.FileType) FileState {
	switch fileType {
	case core.FileTypeDocument:
		return newDocumentState()
	case core.FileTypeImage:
		return newImageState()
	default:
		return newCanvasState()
	}
}

// Canonical maps wire-level message type aliases to the update types
// the reducers dispatch on.
func Canonical(msgType string) string {
	switch msgType {
	case core.MessageTextOperation:
		return core.MessageTextChange
	case core.MessageCursorUpdate:
		return core.MessageCursorChange
	default:
		return msgType
	}
}

// passthrough echoes an unrecognized update unmodified. Unknown types
// are a warning, never fatal to the session.
func passthrough(fileType core.FileType, upd core.Update) (core.Message, error) {
	logrus.WithFields(logrus.Fields{
		"file_type":   fileType,
		"update_type": upd.Type,
		"user_id":     upd.UserID,
	}).Warn("Unknown update type, passing through")
	return core.Message{Type: upd.Type, Data: upd.Data}, nil
}

func marshalPayload(msgType string, v any) (core.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return core.Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return core.Message{Type: msgType, Data: data}, nil
}
