// Package collab tracks live sessions per room and fans updates out to
// every other session in the room. The registry owns all room state for
// the process; there is no ambient global registry.
package collab

import (
	"sort"
	"sync"

	"artflow-server/core"
	"artflow-server/reducer"

	"github.com/sirupsen/logrus"
)

// Transport is one user's live connection. Send must be safe for
// concurrent use; broadcast fan-out issues sends from multiple
// goroutines.
type Transport interface {
	Send(msg core.Message) error
	Close() error
}

type room struct {
	key core.RoomKey

	// mu guards sessions and state. Room state is mutated only through
	// Apply while holding mu, which preserves the single-writer
	// property on a preemptively scheduled runtime.
	mu       sync.Mutex
	sessions map[string]Transport
	state    reducer.FileState
}

// Registry tracks live connections keyed by room and user. A room
// exists only while it has at least one session and is dropped the
// moment its last session disconnects.
type Registry struct {
	mu    sync.RWMutex
	rooms map[core.RoomKey]*room
}

// RoomInfo is the introspection view of one active room.
type RoomInfo struct {
	ProjectID string `json:"project_id"`
	FileID    string `json:"file_id"`
	FileType  string `json:"file_type"`
	Sessions  int    `json:"sessions"`
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[core.RoomKey]*room)}
}

// Connect registers the transport under (room, user). A second connect
// with the same key replaces the prior transport rather than adding a
// duplicate; the replaced transport is closed.
func (r *Registry) Connect(key core.RoomKey, userID string, fileType core.FileType, t Transport) {
	r.mu.Lock()
	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{
			key:      key,
			sessions: make(map[string]Transport),
			state:    reducer.New(fileType),
		}
		r.rooms[key] = rm
	}

	// The session insert happens under r.mu as well: a concurrent
	// disconnect of the room's last other session must not observe the
	// room empty and garbage-collect it mid-connect.
	rm.mu.Lock()
	prior := rm.sessions[userID]
	rm.sessions[userID] = t
	rm.mu.Unlock()
	r.mu.Unlock()

	if prior != nil && prior != t {
		_ = prior.Close()
	}

	logrus.WithFields(logrus.Fields{
		"project_id": key.ProjectID,
		"file_id":    key.FileID,
		"user_id":    userID,
		"replaced":   prior != nil,
	}).Info("Client connected")
}

// Disconnect removes the (room, user) entry. The room itself is removed
// once its session map is empty. Disconnecting an unknown session is a
// no-op.
func (r *Registry) Disconnect(key core.RoomKey, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		return
	}

	rm.mu.Lock()
	_, existed := rm.sessions[userID]
	delete(rm.sessions, userID)
	empty := len(rm.sessions) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, key)
	}

	if existed {
		logrus.WithFields(logrus.Fields{
			"project_id":   key.ProjectID,
			"file_id":      key.FileID,
			"user_id":      userID,
			"room_removed": empty,
		}).Info("Client disconnected")
	}
}

// Release removes the session only while t is still its registered
// transport and reports whether it did. A connection whose session was
// already replaced by a newer transport must not tear the newer one
// down on its way out.
func (r *Registry) Release(key core.RoomKey, userID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		return false
	}

	rm.mu.Lock()
	current, exists := rm.sessions[userID]
	removed := exists && current == t
	if removed {
		delete(rm.sessions, userID)
	}
	empty := len(rm.sessions) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, key)
	}

	if removed {
		logrus.WithFields(logrus.Fields{
			"project_id":   key.ProjectID,
			"file_id":      key.FileID,
			"user_id":      userID,
			"room_removed": empty,
		}).Info("Client disconnected")
	}
	return removed
}

// evict force-closes a session whose transport failed mid-broadcast.
func (r *Registry) evict(key core.RoomKey, userID string, t Transport) {
	r.Release(key, userID, t)
	_ = t.Close()
}

// Apply routes an update through the room's reducer and returns the
// payload to broadcast. ok is false when the room no longer exists.
func (r *Registry) Apply(key core.RoomKey, upd core.Update) (msg core.Message, ok bool, err error) {
	r.mu.RLock()
	rm, exists := r.rooms[key]
	r.mu.RUnlock()
	if !exists {
		return core.Message{}, false, nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	msg, err = rm.state.Apply(upd)
	return msg, true, err
}

// Broadcast delivers the payload concurrently to every session in the
// room except the sender. Per-recipient failures are logged and the
// failing session is evicted; they never abort delivery to the rest and
// never surface to the caller.
func (r *Registry) Broadcast(key core.RoomKey, senderID string, msg core.Message) {
	type recipient struct {
		userID    string
		transport Transport
	}

	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	recipients := make([]recipient, 0, len(rm.sessions))
	for userID, t := range rm.sessions {
		if userID != senderID {
			recipients = append(recipients, recipient{userID, t})
		}
	}
	rm.mu.Unlock()

	if len(recipients) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, rcpt := range recipients {
		wg.Add(1)
		go func(rcpt recipient) {
			defer wg.Done()
			if err := rcpt.transport.Send(msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"project_id": key.ProjectID,
					"file_id":    key.FileID,
					"user_id":    rcpt.userID,
					"type":       msg.Type,
					"error":      err,
				}).Warn("Broadcast delivery failed, evicting session")
				r.evict(key, rcpt.userID, rcpt.transport)
			}
		}(rcpt)
	}
	wg.Wait()
}

// ListRooms reports the active rooms sorted by key.
func (r *Registry) ListRooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]RoomInfo, 0, len(r.rooms))
	for key, rm := range r.rooms {
		rm.mu.Lock()
		rooms = append(rooms, RoomInfo{
			ProjectID: key.ProjectID,
			FileID:    key.FileID,
			FileType:  string(rm.state.FileType()),
			Sessions:  len(rm.sessions),
		})
		rm.mu.Unlock()
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].ProjectID == rooms[j].ProjectID {
			return rooms[i].FileID < rooms[j].FileID
		}
		return rooms[i].ProjectID < rooms[j].ProjectID
	})
	return rooms
}

// Sessions reports the user ids connected to a room, sorted.
func (r *Registry) Sessions(key core.RoomKey) []string {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	users := make([]string, 0, len(rm.sessions))
	for userID := range rm.sessions {
		users = append(users, userID)
	}
	rm.mu.Unlock()

	sort.Strings(users)
	return users
}

// StateSnapshot returns a copy of the room's in-memory state for
// introspection; ok is false when the room is not active.
func (r *Registry) StateSnapshot(key core.RoomKey) (any, bool) {
	r.mu.RLock()
	rm, exists := r.rooms[key]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state.Snapshot(), true
}
