package reducer

import (
	"encoding/json"
	"fmt"

	"artflow-server/core"
)

type (
	// DocumentState holds a document room's content plus per-user
	// cursors and selections. Content updates are last-write-wins;
	// concurrent edits to the same region are not merged.
	DocumentState struct {
		content    string
		cursors    map[string]json.RawMessage
		selections map[string]json.RawMessage
	}

	// DocumentSnapshot is the introspection view of a document room.
	DocumentSnapshot struct {
		Content    string                     `json:"content"`
		Cursors    map[string]json.RawMessage `json:"cursors"`
		Selections map[string]json.RawMessage `json:"selections"`
	}

	docCursorPayload struct {
		Position json.RawMessage `json:"position"`
		UserID   string          `json:"user_id"`
	}

	docSelectionPayload struct {
		Range  json.RawMessage `json:"range"`
		UserID string          `json:"user_id"`
	}
)

func newDocumentState() *DocumentState {
	return &DocumentState{
		cursors:    make(map[string]json.RawMessage),
		selections: make(map[string]json.RawMessage),
	}
}

func (s *DocumentState) FileType() core.FileType { return core.FileTypeDocument }

func (s *DocumentState) Apply(upd core.Update) (core.Message, error) {
	switch Canonical(upd.Type) {
	case core.MessageTextChange:
		var change struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(upd.Data, &change); err != nil {
			return core.Message{}, fmt.Errorf("decode text_change payload: %w", err)
		}
		s.content = change.Content
		return core.Message{Type: core.MessageTextChange, Data: upd.Data}, nil
	case core.MessageCursorChange:
		var cur struct {
			Position json.RawMessage `json:"position"`
		}
		if err := json.Unmarshal(upd.Data, &cur); err != nil {
			return core.Message{}, fmt.Errorf("decode cursor_change payload: %w", err)
		}
		s.cursors[upd.UserID] = upd.Data
		return marshalPayload(core.MessageCursorChange, docCursorPayload{Position: cur.Position, UserID: upd.UserID})
	case core.MessageSelectionChange:
		var sel struct {
			Range json.RawMessage `json:"range"`
		}
		if err := json.Unmarshal(upd.Data, &sel); err != nil {
			return core.Message{}, fmt.Errorf("decode selection_change payload: %w", err)
		}
		s.selections[upd.UserID] = upd.Data
		return marshalPayload(core.MessageSelectionChange, docSelectionPayload{Range: sel.Range, UserID: upd.UserID})
	default:
		return passthrough(core.FileTypeDocument, upd)
	}
}

// Content returns the current document text.
func (s *DocumentState) Content() string { return s.content }

func (s *DocumentState) Snapshot() any {
	snap := DocumentSnapshot{
		Content:    s.content,
		Cursors:    make(map[string]json.RawMessage, len(s.cursors)),
		Selections: make(map[string]json.RawMessage, len(s.selections)),
	}
	for user, cur := range s.cursors {
		snap.Cursors[user] = cur
	}
	for user, sel := range s.selections {
		snap.Selections[user] = sel
	}
	return snap
}
