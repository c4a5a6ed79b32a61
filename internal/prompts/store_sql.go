package prompts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/heyfun/internal/storage"
)

// FragmentSchema creates the fragment table for postgres or sqlite.
var FragmentSchema = []string{
	`CREATE TABLE IF NOT EXISTS prompt_fragments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		section TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		embedding_status TEXT NOT NULL DEFAULT 'pending',
		embedding_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_fragments_status ON prompt_fragments(embedding_status, updated_at)`,
}

const fragmentColumns = `id, name, description, content, category, section, enabled, version, embedding_status, embedding_error, updated_at`

// SQLStore persists fragments in postgres or sqlite.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over db. Call Migrate once before use.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the fragment table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, FragmentSchema)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFragment(row rowScanner) (*Fragment, error) {
	var (
		f      Fragment
		status string
	)
	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Content, &f.Category, &f.Section,
		&f.Enabled, &f.Version, &status, &f.EmbeddingError, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.EmbeddingStatus = EmbeddingStatus(status)
	return &f, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Fragment, error) {
	f, err := scanFragment(s.db.QueryRow(ctx, `SELECT `+fragmentColumns+` FROM prompt_fragments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFragmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fragment %s: %w", id, err)
	}
	return f, nil
}

func (s *SQLStore) GetMany(ctx context.Context, ids []string) (map[string]*Fragment, error) {
	out := make(map[string]*Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(ctx, `SELECT `+fragmentColumns+` FROM prompt_fragments WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get fragments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

func (s *SQLStore) Upsert(ctx context.Context, f *Fragment) (*Fragment, error) {
	if f == nil {
		return nil, errors.New("fragment is required")
	}
	var existing *Fragment
	if f.ID != "" {
		current, err := s.Get(ctx, f.ID)
		switch {
		case errors.Is(err, ErrFragmentNotFound):
		case err != nil:
			return nil, err
		default:
			existing = current
		}
	}
	next := merge(existing, f, time.Now().UTC())

	_, err := s.db.Exec(ctx,
		`INSERT INTO prompt_fragments (`+fragmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			content = excluded.content,
			category = excluded.category,
			section = excluded.section,
			enabled = excluded.enabled,
			version = excluded.version,
			embedding_status = excluded.embedding_status,
			embedding_error = excluded.embedding_error,
			updated_at = excluded.updated_at`,
		next.ID, next.Name, next.Description, next.Content, next.Category, next.Section,
		next.Enabled, next.Version, string(next.EmbeddingStatus), next.EmbeddingError, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert fragment %s: %w", next.ID, err)
	}
	return next, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Fragment, error) {
	query := `SELECT ` + fragmentColumns + ` FROM prompt_fragments WHERE 1=1`
	var args []any
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Section != "" {
		query += ` AND section = ?`
		args = append(args, filter.Section)
	}
	if filter.EnabledOnly {
		query += ` AND enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`
	return s.query(ctx, query, args...)
}

func (s *SQLStore) ListPending(ctx context.Context, limit int) ([]*Fragment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT `+fragmentColumns+` FROM prompt_fragments WHERE embedding_status = ? ORDER BY updated_at, id LIMIT ?`,
		string(EmbeddingPending), limit,
	)
}

func (s *SQLStore) SetEmbeddingStatus(ctx context.Context, id string, version int, status EmbeddingStatus, message string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE prompt_fragments SET embedding_status = ?, embedding_error = ? WHERE id = ? AND version = ?`,
		string(status), message, id, version,
	)
	if err != nil {
		return fmt.Errorf("set embedding status for %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Fragment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()
	var out []*Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
