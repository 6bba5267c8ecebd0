package run_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
	"github.com/colloquy-ai/colloquy/internal/gateway"
	"github.com/colloquy-ai/colloquy/internal/run"
	"github.com/colloquy-ai/colloquy/internal/transcript"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// scriptedGenerator returns canned responses in order, optionally failing at
// a given call number (zero-based).
type scriptedGenerator struct {
	mu      sync.Mutex
	name    string
	calls   int
	failAt  int
	failed  error
	retries int
	latency time.Duration
}

func (g *scriptedGenerator) Generate(_ context.Context, _ llm.CompletionRequest) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	call := g.calls
	g.calls++
	if g.failed != nil && call == g.failAt {
		return nil, g.failed
	}
	return &gateway.Result{
		Text:    fmt.Sprintf("%s speaks (call %d)", g.name, call),
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Latency: g.latency,
		Retries: g.retries,
	}, nil
}

func testRoster() []dialogue.Character {
	return []dialogue.Character{
		{Name: "Ada", Persona: "You are Ada.", Binding: dialogue.ModelBinding{Provider: "openai", Model: "gpt-4o-mini"}},
		{Name: "Bram", Persona: "You are Bram.", Binding: dialogue.ModelBinding{Provider: "anthropic", Model: "claude-sonnet-4"}},
		{Name: "Cleo", Persona: "You are Cleo.", Binding: dialogue.ModelBinding{Provider: "ollama", Model: "llama3.1"}},
	}
}

func testConfig(t *testing.T, roster []dialogue.Character, rounds int) (run.Config, *transcript.FileSink) {
	t.Helper()
	builder, err := dialogue.NewContextBuilder(dialogue.WindowAll, 0)
	if err != nil {
		t.Fatalf("NewContextBuilder: %v", err)
	}
	sink, err := transcript.NewFileSink(t.TempDir(), transcript.Header{
		StartedAt:  time.Now(),
		Discussion: dialogue.Discussion{Topic: "test topic"},
		Roster:     roster,
	})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	generators := make(map[string]run.Generator, len(roster))
	for _, c := range roster {
		generators[c.Name] = &scriptedGenerator{name: c.Name}
	}

	return run.Config{
		Roster:     roster,
		Rounds:     rounds,
		Discussion: dialogue.Discussion{Topic: "test topic"},
		Generators: generators,
		Builder:    builder,
		Sink:       sink,
	}, sink
}

func TestRun_RoundRobinCompletes(t *testing.T) {
	t.Parallel()
	roster := testRoster()
	cfg, sink := testConfig(t, roster, 2)
	defer sink.Close()

	res, err := run.New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != run.StatusDone {
		t.Errorf("Status = %q, want done", res.Status)
	}
	if res.Turns != 6 {
		t.Errorf("Turns = %d, want 6", res.Turns)
	}

	// Strict speaking order: Ada, Bram, Cleo, Ada, Bram, Cleo.
	for i, turn := range res.Snapshot.Turns {
		if turn.Index != i {
			t.Errorf("turn %d has index %d", i, turn.Index)
		}
		wantCharacter := roster[i%len(roster)].Name
		if turn.Character != wantCharacter {
			t.Errorf("turn %d spoken by %q, want %q", i, turn.Character, wantCharacter)
		}
		wantRound := i/len(roster) + 1
		if turn.Round != wantRound {
			t.Errorf("turn %d in round %d, want %d", i, turn.Round, wantRound)
		}
	}
}

func TestRun_RetriedTurnCarriesRetryCount(t *testing.T) {
	t.Parallel()
	roster := testRoster()[:1]
	cfg, sink := testConfig(t, roster, 1)
	defer sink.Close()

	// A generation that succeeded on the third attempt reports two retries.
	cfg.Generators["Ada"] = &scriptedGenerator{name: "Ada", retries: 2, latency: 120 * time.Millisecond}

	res, err := run.New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 1 {
		t.Fatalf("Turns = %d, want 1", res.Turns)
	}

	md := res.Snapshot.Turns[0].Metadata
	if md.Retries != 2 {
		t.Errorf("Metadata.Retries = %d, want 2", md.Retries)
	}
	if md.Latency != 120*time.Millisecond {
		t.Errorf("Metadata.Latency = %v, want 120ms", md.Latency)
	}

	data, readErr := os.ReadFile(sink.Path())
	if readErr != nil {
		t.Fatalf("reading transcript: %v", readErr)
	}
	if !strings.Contains(string(data), "· 2 retries") {
		t.Errorf("transcript footer missing retry count:\n%s", data)
	}
}

func TestRun_EmptyRosterIsConfigurationError(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 1)
	cfg.Roster = nil
	defer sink.Close()

	_, err := run.New(cfg).Run(context.Background())
	var cfgErr *run.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if _, statErr := os.Stat(sink.Path()); !os.IsNotExist(statErr) {
		t.Error("configuration failure must not create a transcript file")
	}
}

func TestRun_ZeroRoundsIsConfigurationError(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 0)
	defer sink.Close()

	_, err := run.New(cfg).Run(context.Background())
	var cfgErr *run.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
}

func TestRun_MissingGeneratorIsConfigurationError(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 1)
	delete(cfg.Generators, "Bram")
	defer sink.Close()

	_, err := run.New(cfg).Run(context.Background())
	var cfgErr *run.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if !strings.Contains(cfgErr.Reason, "Bram") {
		t.Errorf("reason should name the character, got %q", cfgErr.Reason)
	}
}

func TestRun_GenerationFailureKeepsCommittedTurns(t *testing.T) {
	t.Parallel()
	roster := testRoster()
	cfg, sink := testConfig(t, roster, 2)
	defer sink.Close()

	// Cleo's first turn (overall turn index 2) fails terminally.
	cause := errors.New("all attempts exhausted")
	cfg.Generators["Cleo"] = &scriptedGenerator{name: "Cleo", failed: cause, failAt: 0}

	res, err := run.New(cfg).Run(context.Background())
	var genErr *run.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *GenerationError, got %v", err)
	}
	if genErr.Character != "Cleo" || genErr.Round != 1 {
		t.Errorf("GenerationError = %+v, want Cleo round 1", genErr)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error chain should carry the cause, got %v", err)
	}

	if res == nil {
		t.Fatal("partial result must still be returned")
	}
	if res.Status != run.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want 2 committed before the failure", res.Turns)
	}
	if res.Evaluation != nil {
		t.Error("aborted run must not be evaluated")
	}

	data, readErr := os.ReadFile(sink.Path())
	if readErr != nil {
		t.Fatalf("read transcript: %v", readErr)
	}
	if !strings.Contains(string(data), "Run aborted after 2 turns") {
		t.Errorf("transcript missing truncation marker:\n%s", data)
	}
	if strings.Contains(string(data), "## Evaluation") {
		t.Error("aborted transcript must not carry an evaluation section")
	}
}

func TestRun_CancellationAtTurnBoundary(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 5)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := run.New(cfg).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if res.Status != run.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.Turns != 0 {
		t.Errorf("Turns = %d, want 0", res.Turns)
	}
}

// failingEvaluator always errors.
type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, dialogue.Snapshot) (*evaluate.Result, error) {
	return nil, &evaluate.Error{Judge: "test", Err: errors.New("judge unreachable")}
}

func TestRun_EvaluationFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 1)
	cfg.Evaluator = failingEvaluator{}
	defer sink.Close()

	res, err := run.New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != run.StatusDone {
		t.Errorf("Status = %q, want done", res.Status)
	}
	if res.Evaluation != nil {
		t.Error("failed evaluation should leave Evaluation nil")
	}

	data, readErr := os.ReadFile(sink.Path())
	if readErr != nil {
		t.Fatalf("read transcript: %v", readErr)
	}
	if !strings.Contains(string(data), "*Omitted:") {
		t.Errorf("transcript missing evaluation-omitted marker:\n%s", data)
	}
}

func TestRun_SuccessfulEvaluationInTranscript(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 1)
	cfg.Evaluator = evaluate.NewHeuristic(nil)
	defer sink.Close()

	res, err := run.New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Evaluation == nil {
		t.Fatal("Evaluation is nil")
	}

	data, readErr := os.ReadFile(sink.Path())
	if readErr != nil {
		t.Fatalf("read transcript: %v", readErr)
	}
	if !strings.Contains(string(data), "## Evaluation") {
		t.Errorf("transcript missing evaluation section:\n%s", data)
	}
}

func TestRun_NilEvaluatorLeavesOmissionMarker(t *testing.T) {
	t.Parallel()
	cfg, sink := testConfig(t, testRoster(), 1)
	defer sink.Close()

	res, err := run.New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Evaluation != nil {
		t.Error("Evaluation should be nil when disabled")
	}

	data, readErr := os.ReadFile(sink.Path())
	if readErr != nil {
		t.Fatalf("read transcript: %v", readErr)
	}
	if !strings.Contains(string(data), "evaluation disabled") {
		t.Errorf("transcript missing disabled marker:\n%s", data)
	}
}
