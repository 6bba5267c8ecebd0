package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/colloquy-ai/colloquy/internal/config"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm/mock"
)

func TestBuildPersona_ExplicitPersonaWins(t *testing.T) {
	t.Parallel()
	c := config.CharacterConfig{
		Name:    "Maya",
		Persona: "You are Maya, exactly as written.",
		Role:    "ignored",
	}
	if got := c.BuildPersona("any topic"); got != "You are Maya, exactly as written." {
		t.Errorf("BuildPersona = %q", got)
	}
}

func TestBuildPersona_ComposedFromFields(t *testing.T) {
	t.Parallel()
	c := config.CharacterConfig{
		Name:       "Maya",
		Role:       "a city planner",
		Interests:  []string{"transit", "housing"},
		Background: "You led a light-rail expansion.",
		Style:      "pragmatic",
	}
	got := c.BuildPersona("urban transport")
	for _, want := range []string{
		"You are Maya, a city planner.",
		"You led a light-rail expansion.",
		"transit, housing",
		"Speaking style: pragmatic.",
		"urban transport",
		"Stay in character",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("persona missing %q:\n%s", want, got)
		}
	}
}

func TestBinding_AppliesDefaults(t *testing.T) {
	t.Parallel()
	c := config.CharacterConfig{
		Name:  "Maya",
		Model: config.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"},
	}
	b := c.Binding()
	if b.Temperature != 0.7 {
		t.Errorf("Temperature default = %v, want 0.7", b.Temperature)
	}
	if b.MaxTokens != 500 {
		t.Errorf("MaxTokens default = %d, want 500", b.MaxTokens)
	}
}

func TestBinding_ExplicitZeroTemperature(t *testing.T) {
	t.Parallel()
	zero := 0.0
	c := config.CharacterConfig{
		Name:  "Maya",
		Model: config.ModelConfig{Provider: "openai", Model: "gpt-4o-mini", Temperature: &zero, MaxTokens: 64},
	}
	b := c.Binding()
	if b.Temperature != 0 {
		t.Errorf("explicit zero temperature overridden: %v", b.Temperature)
	}
	if b.MaxTokens != 64 {
		t.Errorf("MaxTokens = %d, want 64", b.MaxTokens)
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateLLM("nope", config.ProviderSpec{Model: "x"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("fake", func(spec config.ProviderSpec) (llm.Provider, error) {
		return &mock.Provider{}, nil
	})

	p, err := reg.CreateLLM("fake", config.ProviderSpec{Model: "m"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("CreateLLM returned nil provider")
	}
}
