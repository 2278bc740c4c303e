package memory

import (
	"context"
	"encoding/json"
	"sync"

	"artflow-server/core"

	"github.com/sirupsen/logrus"
)

type historyStore struct {
	mu      sync.Mutex
	entries map[core.RoomKey][]core.HistoryEntry
	maxSeq  map[string]int64
}

func NewHistoryStore() core.HistoryStore {
	return &historyStore{
		entries: make(map[core.RoomKey][]core.HistoryEntry),
		maxSeq:  make(map[string]int64),
	}
}

func (s *historyStore) MaxSequence(ctx context.Context, fileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq[fileID], nil
}

func (s *historyStore) AppendHistory(ctx context.Context, projectID, fileID, userID string, data json.RawMessage, timestamp int64) (int64, error) {
	key := core.RoomKey{ProjectID: projectID, FileID: fileID}

	s.mu.Lock()
	seq := s.maxSeq[fileID] + 1
	s.maxSeq[fileID] = seq
	s.entries[key] = append(s.entries[key], core.HistoryEntry{
		SequenceNumber: seq,
		UserID:         userID,
		Timestamp:      timestamp,
		Data:           data,
	})
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"project_id": projectID,
		"file_id":    fileID,
		"sequence":   seq,
	}).Debug("History entry appended")
	return seq, nil
}

func (s *historyStore) ClearHistory(ctx context.Context, projectID, fileID string) error {
	key := core.RoomKey{ProjectID: projectID, FileID: fileID}

	s.mu.Lock()
	delete(s.entries, key)

	// Recompute the file's max from surviving entries: the clear is
	// scoped to one project, but other projects may share the file id
	// and their sequences must keep rising.
	var max int64
	for k, entries := range s.entries {
		if k.FileID != fileID {
			continue
		}
		for _, entry := range entries {
			if entry.SequenceNumber > max {
				max = entry.SequenceNumber
			}
		}
	}
	if max == 0 {
		delete(s.maxSeq, fileID)
	} else {
		s.maxSeq[fileID] = max
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"project_id": projectID,
		"file_id":    fileID,
	}).Info("History cleared")
	return nil
}

func (s *historyStore) History(ctx context.Context, projectID, fileID string) ([]core.HistoryEntry, error) {
	key := core.RoomKey{ProjectID: projectID, FileID: fileID}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]core.HistoryEntry, len(s.entries[key]))
	copy(entries, s.entries[key])
	return entries, nil
}
