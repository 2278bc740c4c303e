package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stdlog "log"

	"artflow-server/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type historyStore struct {
	db *sql.DB
}

func NewHistoryStore(dataSourceName string) core.HistoryStore {
	db, err := sql.Open("sqlite3", dataSourceName)

	if err != nil {
		stdlog.Fatal(err)
	}

	// Create history table
	sts := `CREATE TABLE IF NOT EXISTS drawing_history (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		data BLOB NOT NULL
	);`
	_, err = db.Exec(sts)
	if err != nil {
		stdlog.Fatal(err)
	}

	idx := `CREATE INDEX IF NOT EXISTS idx_history_file_seq ON drawing_history (file_id, sequence_number);`
	_, err = db.Exec(idx)
	if err != nil {
		stdlog.Fatal(err)
	}

	return &historyStore{db}
}

func (s *historyStore) MaxSequence(ctx context.Context, fileID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) FROM drawing_history WHERE file_id = ?", fileID).Scan(&max)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"file_id": fileID,
			"error":   err,
		}).Error("Failed to read max sequence")
		return 0, err
	}
	return max, nil
}

// AppendHistory assigns the next sequence number and inserts the entry
// in one statement, so concurrent writers to the same file cannot race
// the read-then-increment.
func (s *historyStore) AppendHistory(ctx context.Context, projectID, fileID, userID string, data json.RawMessage, timestamp int64) (int64, error) {
	id := ulid.Make().String()
	log := logrus.WithFields(logrus.Fields{
		"project_id": projectID,
		"file_id":    fileID,
		"user_id":    userID,
	})

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drawing_history (id, project_id, file_id, user_id, sequence_number, timestamp, data)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM drawing_history WHERE file_id = ?), ?, ?)`,
		id, projectID, fileID, userID, fileID, timestamp, []byte(data))
	if err != nil {
		log.WithField("error", err).Error("Failed to append history entry")
		return 0, err
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, "SELECT sequence_number FROM drawing_history WHERE id = ?", id).Scan(&seq)
	if err != nil {
		log.WithField("error", err).Error("Failed to read assigned sequence number")
		return 0, err
	}

	log.WithField("sequence", seq).Debug("History entry appended")
	return seq, nil
}

func (s *historyStore) ClearHistory(ctx context.Context, projectID, fileID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM drawing_history WHERE project_id = ? AND file_id = ?", projectID, fileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"project_id": projectID,
			"file_id":    fileID,
			"error":      err,
		}).Error("Failed to clear history")
		return err
	}

	deleted, _ := res.RowsAffected()
	logrus.WithFields(logrus.Fields{
		"project_id": projectID,
		"file_id":    fileID,
		"deleted":    deleted,
	}).Info("History cleared")
	return nil
}

func (s *historyStore) History(ctx context.Context, projectID, fileID string) ([]core.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence_number, user_id, timestamp, data FROM drawing_history
		 WHERE project_id = ? AND file_id = ? ORDER BY sequence_number ASC`, projectID, fileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"project_id": projectID,
			"file_id":    fileID,
			"error":      err,
		}).Error("Failed to query history")
		return nil, err
	}
	defer rows.Close()

	var entries []core.HistoryEntry
	for rows.Next() {
		var entry core.HistoryEntry
		var data []byte
		if err := rows.Scan(&entry.SequenceNumber, &entry.UserID, &entry.Timestamp, &data); err != nil {
			return nil, err
		}
		entry.Data = data
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
