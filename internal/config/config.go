// Package config provides the configuration schema, loader, and provider
// registry for Colloquy.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EvaluatorKind selects how a finished conversation is graded.
type EvaluatorKind string

const (
	// EvaluatorLLM asks a judge model to grade the transcript.
	EvaluatorLLM EvaluatorKind = "llm"

	// EvaluatorHeuristic grades deterministically from transcript statistics.
	EvaluatorHeuristic EvaluatorKind = "heuristic"
)

// IsValid reports whether k is a recognised evaluator kind.
func (k EvaluatorKind) IsValid() bool {
	return k == EvaluatorLLM || k == EvaluatorHeuristic
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Colloquy.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Run        RunConfig         `yaml:"run"`
	Discussion DiscussionConfig  `yaml:"discussion"`
	Characters []CharacterConfig `yaml:"characters"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	History    HistoryConfig     `yaml:"history"`
	Evaluation EvaluationConfig  `yaml:"evaluation"`
	Output     OutputConfig      `yaml:"output"`
	Archive    ArchiveConfig     `yaml:"archive"`
	LogLevel   LogLevel          `yaml:"log_level"`
}

// RunConfig shapes the turn loop.
type RunConfig struct {
	// Rounds is how many times the full roster speaks. Required, positive.
	Rounds int `yaml:"rounds"`

	// Samples is how many independent runs of this configuration to execute.
	// Defaults to 1.
	Samples int `yaml:"samples"`

	// Parallelism bounds how many sample runs execute concurrently.
	// Zero or negative means unbounded. Turns within one run are always
	// sequential.
	Parallelism int `yaml:"parallelism"`
}

// DiscussionConfig frames what the characters talk about.
type DiscussionConfig struct {
	// Topic is the conversation subject. Required.
	Topic string `yaml:"topic"`

	// Background is optional framing shown in the transcript header and the
	// judge prompt.
	Background string `yaml:"background"`

	// Content is optional material (an article, notes) the first speaker is
	// asked to react to.
	Content string `yaml:"content"`
}

// CharacterConfig describes one participant: who they are and which model
// speaks for them.
type CharacterConfig struct {
	// Name is the character's display name. Unique across the roster.
	Name string `yaml:"name"`

	// Persona is a complete system-prompt text. When set, it wins over the
	// structured fields below.
	Persona string `yaml:"persona"`

	// Role, Interests, Background, and Style are the structured persona
	// fields composed by [CharacterConfig.BuildPersona] when Persona is empty.
	Role       string   `yaml:"role"`
	Interests  []string `yaml:"interests"`
	Background string   `yaml:"background"`
	Style      string   `yaml:"style"`

	// Model binds the character to the LLM that generates its turns.
	Model ModelConfig `yaml:"model"`

	// APIKey overrides the provider's environment-variable credential.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`
}

// ModelConfig selects a model and its generation parameters.
type ModelConfig struct {
	// Provider is the provider id registered in the [Registry]
	// (e.g., "openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`

	// Model is the provider-specific model id (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Temperature controls output randomness, range [0, 2].
	// Defaults to 0.7.
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Defaults to 500.
	MaxTokens int `yaml:"max_tokens"`
}

// GatewayConfig tunes retry and timeout behaviour for all provider calls.
type GatewayConfig struct {
	// MaxAttempts bounds attempts per request, first try included. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the backoff before the first retry. Default: 1s.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay Duration `yaml:"max_delay"`

	// RequestTimeout bounds each individual attempt. Default: 60s.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// HistoryConfig selects how much conversation history each generation
// request carries.
type HistoryConfig struct {
	// Window is "all" (default) or "last_n".
	Window dialogue.WindowPolicy `yaml:"window"`

	// LastN is the window size when Window is "last_n".
	LastN int `yaml:"last_n"`
}

// EvaluationConfig controls post-hoc conversation grading.
type EvaluationConfig struct {
	// Enabled turns evaluation on. Default: false.
	Enabled bool `yaml:"enabled"`

	// Kind selects the evaluator. Default: "llm".
	Kind EvaluatorKind `yaml:"kind"`

	// Model binds the judge model when Kind is "llm".
	Model ModelConfig `yaml:"model"`

	// APIKey and BaseURL override the judge provider's defaults.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Dimensions is the grading rubric. Defaults to coherence/engagement/
	// informativeness.
	Dimensions []DimensionConfig `yaml:"dimensions"`

	// MaxFeedbackChars truncates judge feedback. Default: 800.
	MaxFeedbackChars int `yaml:"max_feedback_chars"`
}

// DimensionConfig is one rubric entry.
type DimensionConfig struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// Dimension converts the config entry to the evaluate type.
func (d DimensionConfig) Dimension() evaluate.Dimension {
	return evaluate.Dimension{Name: d.Name, Weight: d.Weight}
}

// OutputConfig controls where transcripts are written.
type OutputConfig struct {
	// Directory receives the per-run Markdown files. Default: ".".
	Directory string `yaml:"directory"`

	// Format is the transcript format. Only "markdown" is supported.
	Format string `yaml:"format"`
}

// ArchiveConfig enables the optional PostgreSQL run archive.
type ArchiveConfig struct {
	// PostgresDSN is the archive database connection string. Empty disables
	// archiving.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BuildPersona returns the character's system prompt: the explicit Persona
// field when set, otherwise a composition of the structured fields plus the
// discussion topic.
func (c CharacterConfig) BuildPersona(topic string) string {
	if c.Persona != "" {
		return c.Persona
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s", c.Name)
	if c.Role != "" {
		fmt.Fprintf(&sb, ", %s", c.Role)
	}
	sb.WriteString(".")
	if c.Background != "" {
		fmt.Fprintf(&sb, " %s", c.Background)
	}
	if len(c.Interests) > 0 {
		fmt.Fprintf(&sb, " Your interests include %s.", strings.Join(c.Interests, ", "))
	}
	if c.Style != "" {
		fmt.Fprintf(&sb, " Speaking style: %s.", c.Style)
	}
	if topic != "" {
		fmt.Fprintf(&sb, " You are taking part in a conversation about: %s.", topic)
	}
	sb.WriteString(" Stay in character, react to what the others said, and keep each reply conversational in length. Speak only as yourself; never prefix your reply with your own name.")
	return sb.String()
}

// Binding converts the character's model settings into a dialogue binding,
// applying the generation-parameter defaults.
func (c CharacterConfig) Binding() dialogue.ModelBinding {
	temp := defaultTemperature
	if c.Model.Temperature != nil {
		temp = *c.Model.Temperature
	}
	maxTokens := c.Model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return dialogue.ModelBinding{
		Provider:    c.Model.Provider,
		Model:       c.Model.Model,
		Temperature: temp,
		MaxTokens:   maxTokens,
	}
}

// Generation-parameter defaults.
const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
)
