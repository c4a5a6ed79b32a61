package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/haasonsaas/heyfun/internal/storage"
)

// SQLiteSchema creates the vector table.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS vectors (
		id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		metadata TEXT,
		updated_at DATETIME NOT NULL
	)`,
}

// SQLiteIndex persists vectors in SQLite and scores them in Go. It suits
// libraries of a few thousand fragments.
type SQLiteIndex struct {
	db *storage.DB
}

// OpenSQLite opens (or creates) a vector index at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteIndex, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := storage.Open(ctx, "sqlite", path, nil)
	if err != nil {
		return nil, err
	}
	idx := &SQLiteIndex{db: db}
	if err := db.Migrate(ctx, SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// NewSQLiteIndex wraps an open database. The schema must already exist.
func NewSQLiteIndex(db *storage.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Query implements Index.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	rows, err := s.db.Query(ctx, `SELECT id, embedding, metadata FROM vectors`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id       string
			blob     []byte
			metadata sql.NullString
		)
		if err := rows.Scan(&id, &blob, &metadata); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		m := Match{ID: id, Score: CosineSimilarity(vector, decodeVector(blob))}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rank(matches, topK), nil
}

// Upsert implements Index.
func (s *SQLiteIndex) Upsert(ctx context.Context, vectors ...Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vectors (id, embedding, metadata, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, v := range vectors {
		if v.ID == "" {
			return fmt.Errorf("vector id is required")
		}
		var metadata sql.NullString
		if len(v.Metadata) > 0 {
			data, err := json.Marshal(v.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata for %s: %w", v.ID, err)
			}
			metadata = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, v.ID, encodeVector(v.Values), metadata, now); err != nil {
			return fmt.Errorf("upsert vector %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// Delete implements Index.
func (s *SQLiteIndex) Delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.db.Exec(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete vector %s: %w", id, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// encodeVector stores float32 values little-endian, four bytes each.
func encodeVector(v []float32) []byte {
	data := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeVector(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}
