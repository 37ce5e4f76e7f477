// Package journal records every broadcast power phase in SQLite.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/librescoot/lifecycle-service/internal/fsm"
)

const schema = `
CREATE TABLE IF NOT EXISTS power_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	phase       TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_power_transitions_recorded_at
	ON power_transitions(recorded_at);
`

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded phase.
type Entry struct {
	ID         int64
	Phase      fsm.ListenerPhase
	RecordedAt time.Time
}

// Journal is a plain power listener backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// Open opens or creates the journal at path.
func Open(path string, logger *log.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}

	logger.Printf("Transition journal ready at %s", path)
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

func (j *Journal) Token() string { return "journal" }

// OnStateChanged appends phase to the journal.
func (j *Journal) OnStateChanged(phase fsm.ListenerPhase) error {
	_, err := j.db.Exec(
		"INSERT INTO power_transitions (phase, recorded_at) VALUES (?, ?)",
		string(phase), j.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", phase, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	rows, err := j.db.Query(
		"SELECT id, phase, recorded_at FROM power_transitions ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ph string
			ts string
		)
		if err := rows.Scan(&e.ID, &ph, &ts); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		phase, ok := fsm.ParseListenerPhase(ph)
		if !ok {
			j.logger.Printf("Unknown phase %q in journal entry %d", ph, e.ID)
		}
		e.Phase = phase
		if e.RecordedAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than maxAge and returns how many were removed.
func (j *Journal) Prune(maxAge time.Duration) (int64, error) {
	cutoff := j.now().UTC().Add(-maxAge).Format(timeLayout)
	res, err := j.db.Exec("DELETE FROM power_transitions WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
