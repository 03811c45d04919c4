package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session results in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS speak_results (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			session_type TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL,
			evaluation JSONB NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			tts_reference TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_speak_results_owner_created ON speak_results (owner_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, r Result) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	evaluation, err := json.Marshal(r.Evaluation)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO speak_results
		 (id, session_id, owner_id, subject, session_type, transcript, evaluation, summary, tts_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID,
		r.SessionID,
		r.OwnerID,
		r.Subject,
		r.SessionType,
		r.Transcript,
		evaluation,
		r.Summary,
		r.TTSReference,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
