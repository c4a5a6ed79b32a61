package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/heyfun/internal/storage"
)

// JournalSchema creates the journal tables. The statements are valid for
// both postgres and sqlite.
var JournalSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		run_id TEXT NOT NULL,
		step_key TEXT NOT NULL,
		output TEXT NOT NULL,
		completed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, step_key)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		event TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		delivered_at TIMESTAMP NOT NULL
	)`,
}

// SQLJournal persists the journal in postgres or sqlite.
type SQLJournal struct {
	db *storage.DB
}

// NewSQLJournal creates a journal over db. Call Migrate once before use.
func NewSQLJournal(db *storage.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// Migrate creates the journal tables.
func (j *SQLJournal) Migrate(ctx context.Context) error {
	return j.db.Migrate(ctx, JournalSchema)
}

func (j *SQLJournal) LoadStep(ctx context.Context, runID, key string) (*Record, bool, error) {
	var (
		output      string
		completedAt time.Time
	)
	err := j.db.QueryRow(ctx,
		`SELECT output, completed_at FROM workflow_steps WHERE run_id = ? AND step_key = ?`,
		runID, key,
	).Scan(&output, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load step %s/%s: %w", runID, key, err)
	}
	return &Record{RunID: runID, Key: key, Output: json.RawMessage(output), CompletedAt: completedAt}, true, nil
}

func (j *SQLJournal) SaveStep(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	_, err := j.db.Exec(ctx,
		`INSERT INTO workflow_steps (run_id, step_key, output, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, step_key) DO NOTHING`,
		rec.RunID, rec.Key, string(rec.Output), rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", rec.RunID, rec.Key, err)
	}
	return nil
}

func (j *SQLJournal) SaveEvent(ctx context.Context, event string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err := j.db.Exec(ctx,
		`INSERT INTO workflow_events (event, payload, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (event) DO UPDATE SET payload = excluded.payload, delivered_at = excluded.delivered_at`,
		event, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", event, err)
	}
	return nil
}

func (j *SQLJournal) LoadEvent(ctx context.Context, event string) (json.RawMessage, bool, error) {
	var payload string
	err := j.db.QueryRow(ctx, `SELECT payload FROM workflow_events WHERE event = ?`, event).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load event %s: %w", event, err)
	}
	return json.RawMessage(payload), true, nil
}
