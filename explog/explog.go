// Package explog keeps a local SQLite log of the frames written by every
// exposure, with the annotations given on the expose command.
package explog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sdss/lvmscp/expose"
)

// Entry is one row of the log: a single CCD frame of an exposure
type Entry struct {
	ExposureNo    int
	Filename      string
	CCD           string
	Flavour       string
	ExposureTime  float64
	StartTime     time.Time
	ShutterFailed bool
	expose.LogValues
}

// Log is an exposure log backed by SQLite.  Writes are serialized.
type Log struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the log at path.  Use ":memory:" for an in-memory log.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exposure log: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a new database
		db.SetMaxOpenConns(1)
	}
	if _, err = db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure exposure log: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate exposure log: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exposure_no INTEGER NOT NULL,
		filename TEXT NOT NULL,
		ccd TEXT NOT NULL,
		flavour TEXT NOT NULL,
		exptime REAL NOT NULL,
		start_time TEXT NOT NULL,
		shutter_failed INTEGER NOT NULL DEFAULT 0,
		lamp_current TEXT,
		test_no TEXT,
		test_iteration TEXT,
		purpose TEXT,
		notes TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_frames_exposure_no ON frames(exposure_no);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database connection
func (l *Log) Close() error {
	return l.db.Close()
}

// Add inserts entries in one transaction
func (l *Log) Add(ctx context.Context, entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO frames (exposure_no, filename, ccd, flavour, exptime, start_time,
				shutter_failed, lamp_current, test_no, test_iteration, purpose, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ExposureNo, e.Filename, e.CCD, e.Flavour, e.ExposureTime,
			e.StartTime.UTC().Format(time.RFC3339Nano), e.ShutterFailed,
			e.LampCurrent, e.TestNo, e.TestIteration, e.Purpose, e.Notes)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Entries converts an exposure record to one entry per frame
func Entries(rec expose.ExposureRecord) []Entry {
	out := make([]Entry, 0, len(rec.Frames))
	for _, f := range rec.Frames {
		out = append(out, Entry{
			ExposureNo:    rec.ExposureNo,
			Filename:      filepath.Base(f.Path),
			CCD:           f.CCD,
			Flavour:       string(rec.Flavour),
			ExposureTime:  rec.ExposureTime.Seconds(),
			StartTime:     rec.StartTime,
			ShutterFailed: rec.ShutterFailed,
			LogValues:     rec.Log,
		})
	}
	return out
}

// Record implements expose.Sink
func (l *Log) Record(ctx context.Context, rec expose.ExposureRecord) error {
	entries := Entries(rec)
	if len(entries) == 0 {
		return nil
	}
	return l.Add(ctx, entries...)
}

// Recent returns the last n entries, newest first
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT exposure_no, filename, ccd, flavour, exptime, start_time, shutter_failed,
			lamp_current, test_no, test_iteration, purpose, notes
		FROM frames ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			start string
			lamp  sql.NullString
			no    sql.NullString
			iter  sql.NullString
			purp  sql.NullString
			notes sql.NullString
		)
		err = rows.Scan(&e.ExposureNo, &e.Filename, &e.CCD, &e.Flavour, &e.ExposureTime,
			&start, &e.ShutterFailed, &lamp, &no, &iter, &purp, &notes)
		if err != nil {
			return nil, err
		}
		if e.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, err
		}
		e.LampCurrent, e.TestNo, e.TestIteration = lamp.String, no.String, iter.String
		e.Purpose, e.Notes = purp.String, notes.String
		out = append(out, e)
	}
	return out, rows.Err()
}
