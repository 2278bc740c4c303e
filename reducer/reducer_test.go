package reducer

import (
	"encoding/json"
	"testing"

	"artflow-server/core"
)

func apply(t *testing.T, st FileState, updType, userID, data string) core.Message {
	t.Helper()
	msg, err := st.Apply(core.Update{Type: updType, UserID: userID, Data: json.RawMessage(data)})
	if err != nil {
		t.Fatalf("Apply(%s) failed: %v", updType, err)
	}
	return msg
}

func TestCanvasDrawAppendsStroke(t *testing.T) {
	st := New(core.FileTypeCanvas).(*CanvasState)

	msg := apply(t, st, core.MessageDraw, "u1", `{"x":10,"y":20}`)

	if msg.Type != core.MessageDraw {
		t.Errorf("Expected type draw, got %s", msg.Type)
	}
	if string(msg.Data) != `{"x":10,"y":20}` {
		t.Errorf("Draw payload not echoed: %s", msg.Data)
	}
	if len(st.Strokes()) != 1 {
		t.Errorf("Expected 1 stroke, got %d", len(st.Strokes()))
	}
}

func TestCanvasClearEmptiesStrokes(t *testing.T) {
	st := New(core.FileTypeCanvas).(*CanvasState)
	apply(t, st, core.MessageDraw, "u1", `{"x":1}`)
	apply(t, st, core.MessageDraw, "u1", `{"x":2}`)

	msg := apply(t, st, core.MessageClear, "u1", `{}`)

	if msg.Type != core.MessageClear {
		t.Errorf("Expected type clear, got %s", msg.Type)
	}
	if len(st.Strokes()) != 0 {
		t.Errorf("Expected empty stroke list, got %d strokes", len(st.Strokes()))
	}
}

func TestCanvasCursorMoveDoesNotMutate(t *testing.T) {
	st := New(core.FileTypeCanvas).(*CanvasState)

	msg := apply(t, st, core.MessageCursorMove, "u1", `{"x":3,"y":4}`)

	var payload struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		UserID string  `json:"user_id"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("Failed to decode cursor payload: %v", err)
	}
	if payload.X != 3 || payload.Y != 4 || payload.UserID != "u1" {
		t.Errorf("Unexpected cursor payload: %+v", payload)
	}
	if len(st.Strokes()) != 0 {
		t.Error("Cursor move must not mutate canvas state")
	}
}

func TestDocumentTextChangeLastWriteWins(t *testing.T) {
	st := New(core.FileTypeDocument).(*DocumentState)

	apply(t, st, core.MessageTextChange, "u1", `{"content":"hello"}`)
	apply(t, st, core.MessageTextChange, "u2", `{"content":"world"}`)

	if st.Content() != "world" {
		t.Errorf("Expected last write to win, got %q", st.Content())
	}
}

func TestDocumentWireAliases(t *testing.T) {
	st := New(core.FileTypeDocument).(*DocumentState)

	msg := apply(t, st, core.MessageTextOperation, "u1", `{"content":"via alias"}`)
	if msg.Type != core.MessageTextChange {
		t.Errorf("Expected text_operation to map to text_change, got %s", msg.Type)
	}
	if st.Content() != "via alias" {
		t.Errorf("Alias update did not apply, content %q", st.Content())
	}

	msg = apply(t, st, core.MessageCursorUpdate, "u1", `{"position":5}`)
	if msg.Type != core.MessageCursorChange {
		t.Errorf("Expected cursor_update to map to cursor_change, got %s", msg.Type)
	}
}

func TestDocumentCursorAndSelection(t *testing.T) {
	st := New(core.FileTypeDocument).(*DocumentState)

	msg := apply(t, st, core.MessageCursorChange, "u1", `{"position":7}`)
	var cur struct {
		Position int    `json:"position"`
		UserID   string `json:"user_id"`
	}
	if err := json.Unmarshal(msg.Data, &cur); err != nil {
		t.Fatalf("Failed to decode cursor payload: %v", err)
	}
	if cur.Position != 7 || cur.UserID != "u1" {
		t.Errorf("Unexpected cursor payload: %+v", cur)
	}

	msg = apply(t, st, core.MessageSelectionChange, "u2", `{"range":{"start":1,"end":4}}`)
	var sel struct {
		Range  map[string]int `json:"range"`
		UserID string         `json:"user_id"`
	}
	if err := json.Unmarshal(msg.Data, &sel); err != nil {
		t.Fatalf("Failed to decode selection payload: %v", err)
	}
	if sel.UserID != "u2" || sel.Range["start"] != 1 || sel.Range["end"] != 4 {
		t.Errorf("Unexpected selection payload: %+v", sel)
	}

	snap := st.Snapshot().(DocumentSnapshot)
	if len(snap.Cursors) != 1 || len(snap.Selections) != 1 {
		t.Errorf("Expected 1 cursor and 1 selection, got %d and %d", len(snap.Cursors), len(snap.Selections))
	}
}

func TestImageAnnotationRoundTrip(t *testing.T) {
	st := New(core.FileTypeImage).(*ImageState)

	msg := apply(t, st, core.MessageAnnotationAdd, "u1", `{"shape":"rect"}`)
	var added map[string]any
	if err := json.Unmarshal(msg.Data, &added); err != nil {
		t.Fatalf("Failed to decode added annotation: %v", err)
	}
	id, ok := added["id"].(float64)
	if !ok {
		t.Fatalf("Added annotation has no integer id: %v", added)
	}
	if int(id) != 0 {
		t.Errorf("Expected first annotation id 0, got %v", id)
	}

	apply(t, st, core.MessageAnnotationEdit, "u1", `{"id":0,"shape":"circle"}`)
	anns := st.Annotations()
	if len(anns) != 1 {
		t.Fatalf("Expected 1 annotation after update, got %d", len(anns))
	}
	if anns[0]["shape"] != "circle" {
		t.Errorf("Annotation not updated: %v", anns[0])
	}

	apply(t, st, core.MessageAnnotationDel, "u1", `{"id":0}`)
	if len(st.Annotations()) != 0 {
		t.Errorf("Expected empty annotation list after delete, got %d", len(st.Annotations()))
	}
}

func TestImageAnnotationIDsNotReused(t *testing.T) {
	st := New(core.FileTypeImage).(*ImageState)

	apply(t, st, core.MessageAnnotationAdd, "u1", `{"n":1}`)
	apply(t, st, core.MessageAnnotationAdd, "u1", `{"n":2}`)
	apply(t, st, core.MessageAnnotationDel, "u1", `{"id":0}`)
	msg := apply(t, st, core.MessageAnnotationAdd, "u1", `{"n":3}`)

	var added struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(msg.Data, &added); err != nil {
		t.Fatalf("Failed to decode added annotation: %v", err)
	}
	if added.ID != 2 {
		t.Errorf("Expected fresh id 2, got %d", added.ID)
	}
}

func TestImageCursorMove(t *testing.T) {
	st := New(core.FileTypeImage).(*ImageState)

	msg := apply(t, st, core.MessageCursorMove, "u1", `{"x":6,"y":8}`)

	var payload struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		UserID string  `json:"user_id"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("Failed to decode cursor payload: %v", err)
	}
	if payload.X != 6 || payload.Y != 8 || payload.UserID != "u1" {
		t.Errorf("Unexpected cursor payload: %+v", payload)
	}

	snap := st.Snapshot().(ImageSnapshot)
	if len(snap.Cursors) != 1 {
		t.Errorf("Expected cursor to be tracked, got %d cursors", len(snap.Cursors))
	}
}

func TestUnknownUpdatePassesThrough(t *testing.T) {
	for _, fileType := range []core.FileType{core.FileTypeCanvas, core.FileTypeDocument, core.FileTypeImage} {
		st := New(fileType)
		msg := apply(t, st, "mystery", "u1", `{"k":"v"}`)
		if msg.Type != "mystery" {
			t.Errorf("%s: expected passthrough type, got %s", fileType, msg.Type)
		}
		if string(msg.Data) != `{"k":"v"}` {
			t.Errorf("%s: expected payload echoed, got %s", fileType, msg.Data)
		}
	}
}

func TestMalformedPayloadReturnsError(t *testing.T) {
	st := New(core.FileTypeDocument)
	_, err := st.Apply(core.Update{Type: core.MessageTextChange, UserID: "u1", Data: json.RawMessage(`not json`)})
	if err == nil {
		t.Fatal("Expected error for malformed payload")
	}
}
