package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	// WAL with synchronous=FULL makes every committed Put survive a power loss.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection serializes writes, which is all the per-key ordering the actors need.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		source_url TEXT NOT NULL,
		destination_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		supports_resume TEXT NOT NULL DEFAULT 'unknown',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
