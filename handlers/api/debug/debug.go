// Package debug exposes read-only introspection of the live registry
// and the stored history. None of these routes touch the write path.
package debug

import (
	"net/http"

	"artflow-server/collab"
	"artflow-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	RoomListResponse struct {
		Rooms []collab.RoomInfo `json:"rooms"`
	}

	SessionsResponse struct {
		ProjectID string   `json:"project_id"`
		FileID    string   `json:"file_id"`
		Users     []string `json:"users"`
	}

	StateResponse struct {
		ProjectID string `json:"project_id"`
		FileID    string `json:"file_id"`
		State     any    `json:"state"`
	}

	HistoryResponse struct {
		ProjectID  string              `json:"project_id"`
		FileID     string              `json:"file_id"`
		EntryCount int                 `json:"entry_count"`
		Entries    []core.HistoryEntry `json:"entries"`
	}
)

// HandleListRooms reports all active rooms and their session counts.
func HandleListRooms(registry *collab.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, RoomListResponse{Rooms: registry.ListRooms()})
	}
}

// HandleSessions reports the users connected to one room.
func HandleSessions(registry *collab.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := roomKey(r)
		users := registry.Sessions(key)
		if users == nil {
			http.Error(w, "Room not active", http.StatusNotFound)
			return
		}
		render.JSON(w, r, SessionsResponse{
			ProjectID: key.ProjectID,
			FileID:    key.FileID,
			Users:     users,
		})
	}
}

// HandleState dumps the in-memory state of one room.
func HandleState(registry *collab.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := roomKey(r)
		state, ok := registry.StateSnapshot(key)
		if !ok {
			http.Error(w, "Room not active", http.StatusNotFound)
			return
		}
		render.JSON(w, r, StateResponse{
			ProjectID: key.ProjectID,
			FileID:    key.FileID,
			State:     state,
		})
	}
}

// HandleHistory returns the stored, ordered history of one file.
func HandleHistory(store core.HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := roomKey(r)
		entries, err := store.History(r.Context(), key.ProjectID, key.FileID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"project_id": key.ProjectID,
				"file_id":    key.FileID,
				"error":      err,
			}).Error("Failed to load history")
			http.Error(w, "Failed to load history", http.StatusInternalServerError)
			return
		}
		render.JSON(w, r, HistoryResponse{
			ProjectID:  key.ProjectID,
			FileID:     key.FileID,
			EntryCount: len(entries),
			Entries:    entries,
		})
	}
}

func roomKey(r *http.Request) core.RoomKey {
	return core.RoomKey{
		ProjectID: chi.URLParam(r, "projectID"),
		FileID:    chi.URLParam(r, "fileID"),
	}
}
