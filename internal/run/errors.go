package run

import "fmt"

// ConfigurationError reports that a run could not start because its inputs
// are invalid. It is raised before any turn is generated, so a run failing
// this way produces no transcript file.
type ConfigurationError struct {
	// Reason describes what is invalid.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("run: invalid configuration: %s", e.Reason)
}

// GenerationError reports that a turn could not be produced and the run was
// aborted. Turns committed before the failure remain valid and persisted.
type GenerationError struct {
	// Character is the character whose turn failed.
	Character string

	// Provider is the provider id the character is bound to.
	Provider string

	// Round is the 1-based round the failure occurred in.
	Round int

	// Err is the underlying cause, typically a [*gateway.Error].
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("run: generating turn for %q (provider %s, round %d): %v",
		e.Character, e.Provider, e.Round, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
