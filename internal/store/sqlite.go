package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Create events table
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		return nil, err
	}

	// Create requests table, one row per accepted upload
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests(
		request_id TEXT PRIMARY KEY,
		user_id TEXT,
		filename TEXT,
		size_bytes INTEGER,
		submitted_at REAL,
		status TEXT
	)`); err != nil {
		return nil, err
	}

	// Create results table, one row per terminal outcome
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS results(
		request_id TEXT PRIMARY KEY,
		user_id TEXT,
		predictions TEXT,
		processing_time REAL,
		error TEXT,
		status TEXT,
		completed_at REAL
	)`); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		float64(time.Now().UnixNano())/1e9, level, code, msg, m)
}
