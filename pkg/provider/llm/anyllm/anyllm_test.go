package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviderAndModel(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name, got nil")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model, got nil")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("hal9000", "discovery-1"); err == nil {
		t.Error("expected error for unsupported provider, got nil")
	}
}

func TestNew_SupportedProviders(t *testing.T) {
	for _, name := range []string{
		"openai", "anthropic", "gemini", "ollama",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "some-model", anyllmlib.WithAPIKey("test-key"))
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			if p == nil {
				t.Fatal("New returned nil provider")
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are Ada.",
		Messages: []llm.Message{
			{Role: "user", Content: "Hello", Name: "Bram"},
			{Role: "assistant", Content: "Hi"},
		},
	})

	if len(params.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].Name != "Bram" {
		t.Errorf("message Name = %q, want Bram", params.Messages[1].Name)
	}
	if params.Model != "gpt-4o" {
		t.Errorf("Model = %q", params.Model)
	}
}

func TestBuildParams_GenerationParameters(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.9,
		MaxTokens:   256,
	})

	if params.Temperature == nil || *params.Temperature != 0.9 {
		t.Errorf("Temperature = %v, want 0.9", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}
}

func TestBuildParams_ZeroParametersOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})

	if params.Temperature != nil {
		t.Errorf("Temperature should be omitted, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens should be omitted, got %v", *params.MaxTokens)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	cases := []struct {
		model             string
		wantContextWindow int
		wantMaxOutput     int
	}{
		{"gpt-4o", 128_000, 16_384},
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-preview", 200_000, 100_000},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"claude-sonnet-4-20250514", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"llama3.1", 128_000, 4_096}, // unknown model falls back to defaults
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantContextWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tc.wantContextWindow)
			}
			if caps.MaxOutputTokens != tc.wantMaxOutput {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tc.wantMaxOutput)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming = false, want true")
			}
		})
	}
}
