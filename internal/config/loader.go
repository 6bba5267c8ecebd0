package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
)

// ValidProviderNames lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names without rejecting third-party providers.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-value fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Run.Samples <= 0 {
		cfg.Run.Samples = 1
	}
	if cfg.History.Window == "" {
		cfg.History.Window = dialogue.WindowAll
	}
	if cfg.Evaluation.Kind == "" {
		cfg.Evaluation.Kind = EvaluatorLLM
	}
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = "."
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "markdown"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Run
	if cfg.Run.Rounds <= 0 {
		errs = append(errs, fmt.Errorf("run.rounds must be positive, got %d", cfg.Run.Rounds))
	}
	if cfg.Run.Parallelism > cfg.Run.Samples {
		slog.Warn("run.parallelism exceeds run.samples; extra capacity is unused",
			"parallelism", cfg.Run.Parallelism,
			"samples", cfg.Run.Samples,
		)
	}

	// Discussion
	if cfg.Discussion.Topic == "" {
		errs = append(errs, errors.New("discussion.topic is required"))
	}

	// Characters
	if len(cfg.Characters) == 0 {
		errs = append(errs, errors.New("at least one character is required"))
	}
	namesSeen := make(map[string]int, len(cfg.Characters))
	for i, c := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[c.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", prefix, c.Name, prev))
			}
			namesSeen[c.Name] = i
		}
		if c.Persona == "" && c.Role == "" && c.Background == "" {
			errs = append(errs, fmt.Errorf("%s needs a persona or at least a role/background to build one from", prefix))
		}
		if c.Model.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.model.provider is required", prefix))
		} else {
			validateProviderName(prefix, c.Model.Provider)
		}
		if c.Model.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model.model is required", prefix))
		}
		if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
			errs = append(errs, fmt.Errorf("%s.model.temperature %.2f is out of range [0, 2]", prefix, *t))
		}
	}

	// Gateway
	if cfg.Gateway.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_attempts must not be negative, got %d", cfg.Gateway.MaxAttempts))
	}

	// History
	if !cfg.History.Window.IsValid() {
		errs = append(errs, fmt.Errorf("history.window %q is invalid; valid values: all, last_n", cfg.History.Window))
	}
	if cfg.History.Window == dialogue.WindowLastN && cfg.History.LastN <= 0 {
		errs = append(errs, fmt.Errorf("history.last_n must be positive when history.window is last_n, got %d", cfg.History.LastN))
	}

	// Output
	if cfg.Output.Format != "markdown" {
		errs = append(errs, fmt.Errorf("output.format %q is unsupported; only markdown is available", cfg.Output.Format))
	}

	// Evaluation
	if cfg.Evaluation.Enabled {
		if !cfg.Evaluation.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("evaluation.kind %q is invalid; valid values: llm, heuristic", cfg.Evaluation.Kind))
		}
		if cfg.Evaluation.Kind == EvaluatorLLM {
			if cfg.Evaluation.Model.Provider == "" {
				errs = append(errs, errors.New("evaluation.model.provider is required when evaluation.kind is llm"))
			} else {
				validateProviderName("evaluation", cfg.Evaluation.Model.Provider)
			}
			if cfg.Evaluation.Model.Model == "" {
				errs = append(errs, errors.New("evaluation.model.model is required when evaluation.kind is llm"))
			}
		}
		for i, d := range cfg.Evaluation.Dimensions {
			if d.Name == "" {
				errs = append(errs, fmt.Errorf("evaluation.dimensions[%d].name is required", i))
			}
			if d.Weight < 0 {
				errs = append(errs, fmt.Errorf("evaluation.dimensions[%d].weight must not be negative, got %.2f", i, d.Weight))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(where, name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"where", where,
		"name", name,
		"known", ValidProviderNames,
	)
}
