package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
	"github.com/colloquy-ai/colloquy/internal/transcript/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if COLLOQUY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("COLLOQUY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COLLOQUY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestArchive creates a fresh [postgres.Archive] with a clean schema.
func newTestArchive(t *testing.T) *postgres.Archive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop the tables before Migrate recreates them.
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS dialogue_turns CASCADE",
		"DROP TABLE IF EXISTS dialogue_runs CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropping %q: %v", stmt, err)
		}
	}

	archive, err := postgres.NewArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	t.Cleanup(archive.Close)
	return archive
}

func sampleSnapshot(turns int) dialogue.Snapshot {
	roster := []dialogue.Character{
		{Name: "Ada", Persona: "You are Ada.", Binding: dialogue.ModelBinding{Provider: "openai", Model: "gpt-4o-mini"}},
		{Name: "Bram", Persona: "You are Bram.", Binding: dialogue.ModelBinding{Provider: "anthropic", Model: "claude-sonnet-4"}},
	}
	snap := dialogue.Snapshot{
		Roster:     roster,
		Rounds:     turns/len(roster) + 1,
		Discussion: dialogue.Discussion{Topic: "archive roundtrip", Background: "test"},
	}
	now := time.Now()
	for i := 0; i < turns; i++ {
		snap.Turns = append(snap.Turns, dialogue.Turn{
			Index:     i,
			Round:     i/len(roster) + 1,
			Character: roster[i%len(roster)].Name,
			Text:      "turn text",
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Metadata:  dialogue.TurnMetadata{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}
	return snap
}

func TestArchive_SaveRunAndRecentRuns(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()

	eval := &evaluate.Result{
		Overall:  72.5,
		Judge:    "openai/gpt-4o",
		Feedback: "coherent throughout",
	}
	if err := archive.SaveRun(ctx, sampleSnapshot(4), eval, postgres.StatusDone); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := archive.SaveRun(ctx, sampleSnapshot(2), nil, postgres.StatusFailed); err != nil {
		t.Fatalf("SaveRun (failed run): %v", err)
	}

	runs, err := archive.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("RecentRuns returned %d rows, want 2", len(runs))
	}

	// Newest first: the failed two-turn run was saved last.
	if runs[0].Status != postgres.StatusFailed || runs[0].TurnCount != 2 {
		t.Errorf("runs[0] = %+v, want failed run with 2 turns", runs[0])
	}
	if runs[0].OverallScore != nil {
		t.Errorf("unevaluated run has OverallScore %v, want nil", *runs[0].OverallScore)
	}

	if runs[1].Status != postgres.StatusDone || runs[1].TurnCount != 4 {
		t.Errorf("runs[1] = %+v, want done run with 4 turns", runs[1])
	}
	if runs[1].OverallScore == nil || *runs[1].OverallScore != 72.5 {
		t.Errorf("runs[1].OverallScore = %v, want 72.5", runs[1].OverallScore)
	}
	if runs[1].Topic != "archive roundtrip" {
		t.Errorf("runs[1].Topic = %q, want %q", runs[1].Topic, "archive roundtrip")
	}
}

func TestArchive_RecentRunsLimit(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := archive.SaveRun(ctx, sampleSnapshot(2), nil, postgres.StatusDone); err != nil {
			t.Fatalf("SaveRun %d: %v", i, err)
		}
	}

	runs, err := archive.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("RecentRuns returned %d rows, want 2", len(runs))
	}
}
