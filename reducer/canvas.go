package reducer

import (
	"encoding/json"
	"fmt"

	"artflow-server/core"
)

type (
	// CanvasState holds the ordered stroke sequence of a canvas room.
	CanvasState struct {
		strokes []json.RawMessage
	}

	// CanvasSnapshot is the introspection view of a canvas room.
	CanvasSnapshot struct {
		Strokes []json.RawMessage `json:"strokes"`
	}

	cursorPayload struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		UserID string  `json:"user_id"`
	}
)

func newCanvasState() *CanvasState {
	return &CanvasState{}
}

func (s *CanvasState) FileType() core.FileType { return core.FileTypeCanvas }

func (s *CanvasState) Apply(upd core.Update) (core.Message, error) {
	switch Canonical(upd.Type) {
	case core.MessageDraw:
		s.strokes = append(s.strokes, upd.Data)
		return core.Message{Type: core.MessageDraw, Data: upd.Data}, nil
	case core.MessageClear:
		s.strokes = nil
		return core.Message{Type: core.MessageClear, Data: json.RawMessage(`{}`)}, nil
	case core.MessageCursorMove:
		var pos struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(upd.Data, &pos); err != nil {
			return core.Message{}, fmt.Errorf("decode cursor_move payload: %w", err)
		}
		return marshalPayload(core.MessageCursorMove, cursorPayload{X: pos.X, Y: pos.Y, UserID: upd.UserID})
	default:
		return passthrough(core.FileTypeCanvas, upd)
	}
}

// Strokes returns the current stroke list in draw order.
func (s *CanvasState) Strokes() []json.RawMessage {
	out := make([]json.RawMessage, len(s.strokes))
	copy(out, s.strokes)
	return out
}

func (s *CanvasState) Snapshot() any {
	return CanvasSnapshot{Strokes: s.Strokes()}
}
