package reducer

import (
	"encoding/json"
	"fmt"

	"artflow-server/core"
)

type (
	// ImageState holds an image room's annotations plus per-user
	// cursors. Annotation ids are assigned locally and never reused,
	// so a delete followed by an add cannot alias an old id.
	ImageState struct {
		annotations []annotation
		cursors     map[string]json.RawMessage
		nextID      int
	}

	// ImageSnapshot is the introspection view of an image room.
	ImageSnapshot struct {
		Annotations []json.RawMessage          `json:"annotations"`
		Cursors     map[string]json.RawMessage `json:"cursors"`
	}

	annotation struct {
		id   int
		body map[string]any
	}
)

func newImageState() *ImageState {
	return &ImageState{cursors: make(map[string]json.RawMessage)}
}

func (s *ImageState) FileType() core.FileType { return core.FileTypeImage }

func (s *ImageState) Apply(upd core.Update) (core.Message, error) {
	switch Canonical(upd.Type) {
	case core.MessageAnnotationAdd:
		var body map[string]any
		if err := json.Unmarshal(upd.Data, &body); err != nil {
			return core.Message{}, fmt.Errorf("decode annotation_add payload: %w", err)
		}
		id := s.nextID
		s.nextID++
		body["id"] = id
		s.annotations = append(s.annotations, annotation{id: id, body: body})
		return marshalPayload(core.MessageAnnotationAdd, body)
	case core.MessageAnnotationDel:
		var ref struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(upd.Data, &ref); err != nil {
			return core.Message{}, fmt.Errorf("decode annotation_delete payload: %w", err)
		}
		kept := s.annotations[:0]
		for _, ann := range s.annotations {
			if ann.id != ref.ID {
				kept = append(kept, ann)
			}
		}
		s.annotations = kept
		return core.Message{Type: core.MessageAnnotationDel, Data: upd.Data}, nil
	case core.MessageAnnotationEdit:
		var body map[string]any
		if err := json.Unmarshal(upd.Data, &body); err != nil {
			return core.Message{}, fmt.Errorf("decode annotation_update payload: %w", err)
		}
		var ref struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(upd.Data, &ref); err != nil {
			return core.Message{}, fmt.Errorf("decode annotation_update id: %w", err)
		}
		for i, ann := range s.annotations {
			if ann.id == ref.ID {
				body["id"] = ref.ID
				s.annotations[i] = annotation{id: ref.ID, body: body}
				break
			}
		}
		return core.Message{Type: core.MessageAnnotationEdit, Data: upd.Data}, nil
	case core.MessageCursorMove:
		var pos struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(upd.Data, &pos); err != nil {
			return core.Message{}, fmt.Errorf("decode cursor_move payload: %w", err)
		}
		s.cursors[upd.UserID] = upd.Data
		return marshalPayload(core.MessageCursorMove, cursorPayload{X: pos.X, Y: pos.Y, UserID: upd.UserID})
	default:
		return passthrough(core.FileTypeImage, upd)
	}
}

// Annotations returns the current annotation list in add order.
func (s *ImageState) Annotations() []map[string]any {
	out := make([]map[string]any, 0, len(s.annotations))
	for _, ann := range s.annotations {
		out = append(out, ann.body)
	}
	return out
}

func (s *ImageState) Snapshot() any {
	snap := ImageSnapshot{
		Annotations: make([]json.RawMessage, 0, len(s.annotations)),
		Cursors:     make(map[string]json.RawMessage, len(s.cursors)),
	}
	for _, ann := range s.annotations {
		if data, err := json.Marshal(ann.body); err == nil {
			snap.Annotations = append(snap.Annotations, data)
		}
	}
	for user, cur := range s.cursors {
		snap.Cursors[user] = cur
	}
	return snap
}
