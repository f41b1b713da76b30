package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores workflows as JSONB documents in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository backed by the given connection pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// InitSchema creates the workflows table if it does not exist.
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'draft',
			document   JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Upsert inserts the workflow or replaces the stored document for its id.
func (r *PostgresRepository) Upsert(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return errMissing("id")
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    status = EXCLUDED.status,
		    document = EXCLUDED.document,
		    updated_at = EXCLUDED.updated_at
	`, wf.ID, wf.Name, string(wf.Status), doc, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Workflow, error) {
	var doc []byte
	err := r.db.QueryRow(ctx, `SELECT document FROM workflows WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// List returns every stored workflow, oldest first.
func (r *PostgresRepository) List(ctx context.Context) ([]Workflow, error) {
	rows, err := r.db.Query(ctx, `SELECT document FROM workflows ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []Workflow{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var wf Workflow
		if err := json.Unmarshal(doc, &wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}
