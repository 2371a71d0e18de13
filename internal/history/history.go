// Package history provides a WAL-mode SQLite-backed log of agent connect
// and disconnect events for the Gateway. It exists so operators can ask
// "when did this agent last connect/drop" without replaying the audit
// trail, and is adapted from the agent's offline alert queue: a single
// writer connection, WAL journaling, and an idempotent schema.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed log of agent connection events. It is
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. Pass ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// A single connection serialises writes from every agent session
	// goroutine; SQLite only supports one writer at a time regardless.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS agent_connection_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id   TEXT    NOT NULL,
    event_type TEXT    NOT NULL,
    hostname   TEXT    NOT NULL DEFAULT '',
    ts         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_connection_events_agent
    ON agent_connection_events (agent_id, ts);
`

// Event types recorded by Record.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Record persists one connection event.
func (s *Store) Record(ctx context.Context, agentID, eventType, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_connection_events (agent_id, event_type, hostname, ts) VALUES (?, ?, ?, ?)`,
		agentID, eventType, hostname, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Event is one row returned by Query.
type Event struct {
	AgentID   string    `json:"agent_id"`
	EventType string    `json:"event_type"`
	Hostname  string    `json:"hostname"`
	Timestamp time.Time `json:"ts"`
}

// Query returns events for agentID within [from, to), oldest first. An
// empty agentID matches every agent.
func (s *Store) Query(ctx context.Context, agentID string, from, to time.Time) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT agent_id, event_type, hostname, ts FROM agent_connection_events
			 WHERE ts >= ? AND ts < ? ORDER BY ts`,
			from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT agent_id, event_type, hostname, ts FROM agent_connection_events
			 WHERE agent_id = ? AND ts >= ? AND ts < ? ORDER BY ts`,
			agentID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var tsStr string
		if err := rows.Scan(&e.AgentID, &e.EventType, &e.Hostname, &tsStr); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			e.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
