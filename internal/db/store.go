package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store
func NewStore(db *DB) *Store {
	return &Store{pool: db.Pool()}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Artifact represents metadata for one cached task artifact
type Artifact struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	TaskID    string    `json:"task_id"`
	SizeBytes int64     `json:"size_bytes"`
	CommitSHA *string   `json:"commit_sha,omitempty"`
	HitCount  int64     `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the artifact store
type Stats struct {
	Artifacts  int64 `json:"artifacts"`
	TotalBytes int64 `json:"total_bytes"`
	TotalHits  int64 `json:"total_hits"`
}

// EnsureSchema creates the artifacts table if it does not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS artifacts (
			id UUID PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			commit_sha TEXT,
			hit_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}

// RecordUpload creates or refreshes the metadata row for an uploaded
// artifact. Re-uploads of the same key keep the original created_at.
func (s *Store) RecordUpload(ctx context.Context, key, taskID string, sizeBytes int64, commitSHA *string) error {
	now := time.Now()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, key, task_id, size_bytes, commit_sha, hit_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (key) DO UPDATE
		SET task_id = EXCLUDED.task_id,
		    size_bytes = EXCLUDED.size_bytes,
		    commit_sha = EXCLUDED.commit_sha,
		    updated_at = EXCLUDED.updated_at
	`, uuid.New(), key, taskID, sizeBytes, commitSHA, now)

	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}

	return nil
}

// TouchHit increments the hit counter for a downloaded artifact
func (s *Store) TouchHit(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE artifacts SET hit_count = hit_count + 1, updated_at = $2 WHERE key = $1
	`, key, time.Now())

	if err != nil {
		return fmt.Errorf("failed to record hit: %w", err)
	}

	return nil
}

// GetByKey retrieves artifact metadata by cache key
func (s *Store) GetByKey(ctx context.Context, key string) (*Artifact, error) {
	a := &Artifact{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, key, task_id, size_bytes, commit_sha, hit_count, created_at, updated_at
		FROM artifacts WHERE key = $1
	`, key).Scan(&a.ID, &a.Key, &a.TaskID, &a.SizeBytes, &a.CommitSHA, &a.HitCount, &a.CreatedAt, &a.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return a, nil
}

// GetStats returns aggregate artifact statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(size_bytes), 0),
		       COALESCE(SUM(hit_count), 0)
		FROM artifacts
	`).Scan(&stats.Artifacts, &stats.TotalBytes, &stats.TotalHits)

	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return stats, nil
}
