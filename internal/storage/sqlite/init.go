package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the files table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY,
		owner TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		local_path TEXT,
		length INTEGER NOT NULL DEFAULT -1,
		etag TEXT,
		mime_type TEXT,
		modified_at DATETIME,
		downloaded_at DATETIME,
		in_conflict INTEGER NOT NULL DEFAULT 0,
		UNIQUE(owner, remote_path)
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
