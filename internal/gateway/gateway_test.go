package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/colloquy-ai/colloquy/internal/gateway"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm/mock"
)

// fakeSleep records requested delays without waiting.
type fakeSleep struct {
	delays []time.Duration
}

func (f *fakeSleep) sleep(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

var errRateLimited = errors.New("rate limit exceeded")

func TestGenerate_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "Hello there.",
			Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	g := gateway.New(p, gateway.Config{Provider: "openai"})

	res, err := g.Generate(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Hello there." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Retries != 0 {
		t.Errorf("Retries = %d, want 0", res.Retries)
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", res.Usage.TotalTokens)
	}
	if len(p.CompleteCalls) != 1 {
		t.Errorf("provider called %d times, want 1", len(p.CompleteCalls))
	}
}

func TestGenerate_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	p := &mock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			if calls <= 2 {
				return nil, errRateLimited
			}
			return &llm.CompletionResponse{Content: "finally"}, nil
		},
	}
	fs := &fakeSleep{}
	g := gateway.New(p, gateway.Config{
		Provider:  "openai",
		BaseDelay: time.Second,
		Sleep:     fs.sleep,
	})

	res, err := g.Generate(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Retries != 2 {
		t.Errorf("Retries = %d, want 2", res.Retries)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(fs.delays) != len(want) {
		t.Fatalf("slept %d times, want %d", len(fs.delays), len(want))
	}
	for i := range want {
		if fs.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, fs.delays[i], want[i])
		}
	}
}

func TestGenerate_BackoffCappedAtMaxDelay(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: errRateLimited}
	fs := &fakeSleep{}
	g := gateway.New(p, gateway.Config{
		Provider:    "openai",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    3 * time.Second,
		Sleep:       fs.sleep,
	})

	_, err := g.Generate(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error after exhaustion, got nil")
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	if len(fs.delays) != len(want) {
		t.Fatalf("slept %d times, want %d", len(fs.delays), len(want))
	}
	for i := range want {
		if fs.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, fs.delays[i], want[i])
		}
	}
}

func TestGenerate_NonTransientFailsImmediately(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: errors.New("invalid api key")}
	fs := &fakeSleep{}
	g := gateway.New(p, gateway.Config{Provider: "openai", Sleep: fs.sleep})

	_, err := g.Generate(context.Background(), llm.CompletionRequest{})
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *gateway.Error, got %v", err)
	}
	if gwErr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", gwErr.Attempts)
	}
	if gwErr.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", gwErr.Provider)
	}
	if len(fs.delays) != 0 {
		t.Errorf("non-transient failure must not back off, slept %d times", len(fs.delays))
	}
	if len(p.CompleteCalls) != 1 {
		t.Errorf("provider called %d times, want 1", len(p.CompleteCalls))
	}
}

func TestGenerate_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: errRateLimited}
	fs := &fakeSleep{}
	g := gateway.New(p, gateway.Config{Provider: "openai", MaxAttempts: 3, Sleep: fs.sleep})

	_, err := g.Generate(context.Background(), llm.CompletionRequest{})
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *gateway.Error, got %v", err)
	}
	if gwErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", gwErr.Attempts)
	}
	if !errors.Is(err, errRateLimited) {
		t.Errorf("error chain should carry the last cause, got %v", err)
	}
	if len(p.CompleteCalls) != 3 {
		t.Errorf("provider called %d times, want 3", len(p.CompleteCalls))
	}
}

func TestGenerate_CancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &mock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			cancel()
			return nil, errRateLimited
		},
	}
	g := gateway.New(p, gateway.Config{Provider: "openai", Sleep: (&fakeSleep{}).sleep})

	_, err := g.Generate(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if len(p.CompleteCalls) != 1 {
		t.Errorf("provider called %d times after cancellation, want 1", len(p.CompleteCalls))
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit text", errors.New("429 rate limit exceeded"), true},
		{"service unavailable text", errors.New("service unavailable"), true},
		{"timeout text", fmt.Errorf("request: %w", errors.New("timed out waiting for response")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"auth failure", errors.New("invalid api key"), false},
		{"content policy", errors.New("content policy violation"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := gateway.IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
