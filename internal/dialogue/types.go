// Package dialogue defines the core conversation model for Colloquy: the
// character roster, the append-only turn log ([State]), and the context
// builder that turns a character plus history into an LLM request.
package dialogue

import "time"

// ModelBinding identifies the LLM backing a character and its generation
// parameters. The (Provider, Model) pair determines which gateway executes
// the character's turns.
type ModelBinding struct {
	// Provider is the provider id registered in the config registry
	// (e.g., "openai", "anthropic", "ollama").
	Provider string

	// Model is the provider-specific model id (e.g., "gpt-4o-mini").
	Model string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Character is a configured persona bound to a model. Immutable for the
// duration of a run; loaded once from configuration.
type Character struct {
	// Name is the character's display name. Unique within a run's roster.
	Name string

	// Persona is the system-prompt text describing who the character is.
	// Already expanded with the discussion topic by the config layer.
	Persona string

	// Binding selects the model that generates this character's turns.
	Binding ModelBinding
}

// TurnMetadata carries provider-reported accounting for a committed turn.
type TurnMetadata struct {
	// PromptTokens, CompletionTokens, and TotalTokens are the provider's token
	// counts for the generating request. Zero when the provider reports none.
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Latency is the wall-clock duration of the successful generation attempt.
	Latency time.Duration

	// Retries is the number of failed attempts before the turn succeeded.
	Retries int
}

// Turn is one character's single generated utterance. Immutable once
// committed; turns are never edited or removed, only appended.
type Turn struct {
	// Index is the zero-based commit sequence number.
	Index int

	// Round is the 1-based round this turn belongs to.
	Round int

	// Character is the name of the speaking character. Must be in the roster.
	Character string

	// Text is the generated utterance.
	Text string

	// Timestamp is when the turn was committed.
	Timestamp time.Time

	// Metadata holds provider-reported accounting, if available.
	Metadata TurnMetadata
}

// Discussion frames the conversation: what the characters are talking about.
// Carried through to the transcript header and the judge prompt.
type Discussion struct {
	Topic      string
	Background string
	Content    string
}

// Snapshot is a read-only view of a conversation at a point in time.
// CharacterContext and the evaluator receive snapshots, never the live State.
type Snapshot struct {
	// Roster is the run's character list in speaking order.
	Roster []Character

	// Rounds is the configured round target.
	Rounds int

	// Discussion frames the conversation.
	Discussion Discussion

	// Turns is the committed turn log in commit order.
	Turns []Turn
}
