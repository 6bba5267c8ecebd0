// Package postgres archives finished dialogue runs in a PostgreSQL database.
//
// The archive is an optional, non-authoritative copy: the Markdown transcript
// on disk remains the source of truth, and archiving failures never fail a
// run. Each run becomes one row in dialogue_runs plus one row per turn in
// dialogue_turns.
//
// Usage:
//
//	archive, err := postgres.NewArchive(ctx, dsn)
//	if err != nil { … }
//	defer archive.Close()
//
//	_ = archive.SaveRun(ctx, snap, result, postgres.StatusDone)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
)

// Run status values stored in dialogue_runs.status.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

const ddlDialogueRuns = `
CREATE TABLE IF NOT EXISTS dialogue_runs (
    id             BIGSERIAL    PRIMARY KEY,
    topic          TEXT         NOT NULL,
    background     TEXT         NOT NULL DEFAULT '',
    rounds         INT          NOT NULL,
    character_cnt  INT          NOT NULL,
    turn_cnt       INT          NOT NULL,
    status         TEXT         NOT NULL,
    overall_score  DOUBLE PRECISION,
    judge          TEXT         NOT NULL DEFAULT '',
    feedback       TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dialogue_runs_topic
    ON dialogue_runs (topic);

CREATE INDEX IF NOT EXISTS idx_dialogue_runs_created_at
    ON dialogue_runs (created_at);
`

const ddlDialogueTurns = `
CREATE TABLE IF NOT EXISTS dialogue_turns (
    run_id             BIGINT       NOT NULL REFERENCES dialogue_runs (id) ON DELETE CASCADE,
    turn_index         INT          NOT NULL,
    round              INT          NOT NULL,
    character_name     TEXT         NOT NULL,
    text               TEXT         NOT NULL,
    prompt_tokens      INT          NOT NULL DEFAULT 0,
    completion_tokens  INT          NOT NULL DEFAULT 0,
    latency_ns         BIGINT       NOT NULL DEFAULT 0,
    retries            INT          NOT NULL DEFAULT 0,
    spoken_at          TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (run_id, turn_index)
);
`

// Archive is the PostgreSQL-backed run archive. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the archive tables exist.
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("run archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run archive: migrate: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Migrate ensures all archive tables and indexes exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlDialogueRuns, ddlDialogueTurns} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveRun stores one finished run and all of its turns in a single
// transaction. result may be nil when the run was not evaluated.
func (a *Archive) SaveRun(ctx context.Context, snap dialogue.Snapshot, result *evaluate.Result, status string) error {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("run archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var overall *float64
	judge, feedback := "", ""
	if result != nil {
		overall = &result.Overall
		judge = result.Judge
		feedback = result.Feedback
	}

	var runID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO dialogue_runs
			(topic, background, rounds, character_cnt, turn_cnt, status, overall_score, judge, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		snap.Discussion.Topic, snap.Discussion.Background,
		snap.Rounds, len(snap.Roster), len(snap.Turns),
		status, overall, judge, feedback,
	).Scan(&runID)
	if err != nil {
		return fmt.Errorf("run archive: insert run: %w", err)
	}

	rows := make([][]any, 0, len(snap.Turns))
	for _, t := range snap.Turns {
		rows = append(rows, []any{
			runID, t.Index, t.Round, t.Character, t.Text,
			t.Metadata.PromptTokens, t.Metadata.CompletionTokens,
			int64(t.Metadata.Latency), t.Metadata.Retries, t.Timestamp,
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"dialogue_turns"},
		[]string{
			"run_id", "turn_index", "round", "character_name", "text",
			"prompt_tokens", "completion_tokens", "latency_ns", "retries", "spoken_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("run archive: insert turns: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("run archive: commit: %w", err)
	}
	return nil
}

// RunSummary is one row of [Archive.RecentRuns].
type RunSummary struct {
	ID           int64
	Topic        string
	Rounds       int
	TurnCount    int
	Status       string
	OverallScore *float64
	CreatedAt    time.Time
}

// RecentRuns lists the most recently archived runs, newest first.
func (a *Archive) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, topic, rounds, turn_cnt, status, overall_score, created_at
		FROM dialogue_runs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("run archive: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Topic, &r.Rounds, &r.TurnCount, &r.Status, &r.OverallScore, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("run archive: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run archive: iterate runs: %w", err)
	}
	return out, nil
}

// Close releases all connections held by the underlying pool.
func (a *Archive) Close() {
	a.pool.Close()
}
