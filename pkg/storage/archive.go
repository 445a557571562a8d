package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// ArchivedMessage is one surfaced message as stored in the archive.
type ArchivedMessage struct {
	ID        int64
	UID       uint32
	Sender    string
	Nick      string
	Body      string
	Media     bool
	MediaType uint8
	RSSI      int
	KeyName   string
	Timestamp int64
}

// Archive keeps the surfaced messages in a sqlite database, so the HTTP
// API can page through history without touching the fixed-size journal
// the radio side depends on.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (or creates) the archive database.
func NewArchive(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %v", err)
	}

	// WAL mode keeps readers (API requests) off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %v", err)
	}

	a := &Archive{db: db}
	if err := a.initSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid INTEGER NOT NULL,
		sender TEXT NOT NULL,
		nick TEXT NOT NULL,
		body TEXT NOT NULL,
		media INTEGER NOT NULL DEFAULT 0,
		media_type INTEGER NOT NULL DEFAULT 0,
		rssi INTEGER NOT NULL DEFAULT 0,
		key_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_created ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_sender ON messages(sender);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %v", err)
	}
	return nil
}

// Store appends one surfaced message to the archive.
func (a *Archive) Store(m *protocol.Message) error {
	body := m.Text
	media := 0
	if m.Flags&protocol.FlagMedia != 0 {
		media = 1
		body = fmt.Sprintf("[%d bytes of media]", len(m.MediaData))
	}
	query := `
		INSERT INTO messages (uid, sender, nick, body, media, media_type, rssi, key_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := a.db.Exec(query, int64(m.UID), m.Sender.String(), m.Nick, body,
		media, m.MediaType, m.RSSI, m.KeyName, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to archive message: %v", err)
	}
	return nil
}

// Recent returns the latest messages, newest first.
func (a *Archive) Recent(limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.Query(`
		SELECT id, uid, sender, nick, body, media, media_type, rssi, key_name, created_at
		FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %v", err)
	}
	defer rows.Close()

	var result []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var uid int64
		var media int
		if err := rows.Scan(&m.ID, &uid, &m.Sender, &m.Nick, &m.Body,
			&media, &m.MediaType, &m.RSSI, &m.KeyName, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %v", err)
		}
		m.UID = uint32(uid)
		m.Media = media != 0
		result = append(result, m)
	}
	return result, rows.Err()
}

// Count returns the number of archived messages.
func (a *Archive) Count() (int64, error) {
	var n int64
	err := a.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
