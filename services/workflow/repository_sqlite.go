package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteRepository stores workflows as JSON text in a local SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open SQLite handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// InitSchema creates the workflows table if it does not exist.
func (r *SQLiteRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'draft',
			document   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Upsert inserts the workflow or replaces the stored document for its id.
// Replacing keeps the original rowid so List order reflects first insertion.
func (r *SQLiteRepository) Upsert(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return errMissing("id")
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET name = excluded.name,
		    status = excluded.status,
		    document = excluded.document,
		    updated_at = excluded.updated_at
	`, wf.ID, wf.Name, string(wf.Status), string(doc),
		wf.CreatedAt.UTC().Format(time.RFC3339Nano), wf.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Workflow, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM workflows WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// List returns every stored workflow in insertion order.
func (r *SQLiteRepository) List(ctx context.Context) ([]Workflow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM workflows ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []Workflow{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var wf Workflow
		if err := json.Unmarshal([]byte(doc), &wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}
