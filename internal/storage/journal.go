// Package storage keeps a sqlite journal of voice session events.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the journal database inside the config directory.
const FileName = "journal.db"

// Entry is one recorded session event.
type Entry struct {
	ID        int64
	ChannelID string
	LocalID   string
	RemoteID  string
	Type      string
	State     string
	Reason    string
	At        time.Time
}

// Journal wraps a SQLite database of session events.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the journal in the given directory.
func Open(configDir string) (*Journal, error) {
	dbPath := filepath.Join(configDir, FileName)

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			local_id   TEXT NOT NULL DEFAULT '',
			remote_id  TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			state      TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_channel ON events (channel_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	return &Journal{db: db, path: dbPath}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

// Record appends e and returns its row id. A zero At is stamped with now.
func (j *Journal) Record(e Entry) (int64, error) {
	if e.ChannelID == "" || e.Type == "" {
		return 0, fmt.Errorf("journal: channel and type are required")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`
		INSERT INTO events (channel_id, local_id, remote_id, type, state, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ChannelID, e.LocalID, e.RemoteID, e.Type, e.State, e.Reason, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns the newest limit entries for channelID, oldest first.
// limit <= 0 returns everything.
func (j *Journal) List(channelID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	rows, err := j.db.Query(`
		SELECT id, channel_id, local_id, remote_id, type, state, reason, at FROM (
			SELECT * FROM events WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.LocalID, &e.RemoteID, &e.Type, &e.State, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Channels returns every channel with recorded events and its event count.
func (j *Journal) Channels() (map[string]int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rows, err := j.db.Query(`SELECT channel_id, COUNT(*) FROM events GROUP BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, err
		}
		out[ch] = n
	}
	return out, rows.Err()
}

// Prune deletes entries older than cutoff and returns how many went.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`DELETE FROM events WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
