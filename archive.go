package webguard

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS attack_events (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	source           TEXT NOT NULL,
	severity         TEXT NOT NULL,
	url              TEXT,
	method           TEXT,
	user_agent       TEXT,
	matched_category TEXT,
	request_count    INTEGER,
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attack_events_source ON attack_events (source);
CREATE INDEX IF NOT EXISTS idx_attack_events_created ON attack_events (created_at);
`

// Archive is the durable copy of the attack-event stream. The in-memory
// list answers the dashboard; this answers anything that must survive a
// restart.
type Archive struct {
	db *sqlx.DB
}

func NewArchive(path string) (*Archive, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: create schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Insert(ev AttackEvent) error {
	_, err := a.db.Exec(
		`INSERT OR IGNORE INTO attack_events
		 (id, type, source, severity, url, method, user_agent, matched_category, request_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Source, string(ev.Severity),
		ev.Details.URL, ev.Details.Method, ev.Details.UserAgent,
		string(ev.Details.MatchedCategory), ev.Details.RequestCount, ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive: insert %s: %w", ev.ID, err)
	}
	return nil
}

func (a *Archive) TopAttackers(since time.Time, limit int) ([]AttackerCount, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []AttackerCount
	err := a.db.Select(&out,
		`SELECT source, COUNT(*) AS attack_count
		 FROM attack_events
		 WHERE created_at >= ?
		 GROUP BY source
		 ORDER BY attack_count DESC, source ASC
		 LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive: top attackers: %w", err)
	}
	return out, nil
}

func (a *Archive) CountSince(since time.Time) (int, error) {
	var n int
	if err := a.db.Get(&n,
		`SELECT COUNT(*) FROM attack_events WHERE created_at >= ?`, since.UTC()); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}
