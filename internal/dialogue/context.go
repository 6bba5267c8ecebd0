package dialogue

import (
	"fmt"

	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// WindowPolicy selects how much conversation history is included in a
// generation request.
type WindowPolicy string

const (
	// WindowAll includes every prior turn.
	WindowAll WindowPolicy = "all"

	// WindowLastN includes only the most recent N prior turns.
	WindowLastN WindowPolicy = "last_n"
)

// IsValid reports whether w is a recognised window policy.
func (w WindowPolicy) IsValid() bool {
	return w == WindowAll || w == WindowLastN
}

// ContextBuildError reports that a generation request could not be built
// because the character's persona or model binding is missing. The
// orchestrator validates this at startup; the builder checks it again so a
// malformed roster never reaches a provider.
type ContextBuildError struct {
	// Character is the name of the character the request was built for.
	Character string

	// Reason describes the missing piece.
	Reason string
}

func (e *ContextBuildError) Error() string {
	return fmt.Sprintf("dialogue: build context for %q: %s", e.Character, e.Reason)
}

// ContextBuilder deterministically turns a character plus conversation history
// into an [llm.CompletionRequest]. It never mutates the snapshot it is given.
type ContextBuilder struct {
	policy WindowPolicy
	lastN  int
}

// NewContextBuilder creates a builder with the given history window policy.
// An empty policy defaults to [WindowAll]. For [WindowLastN], lastN must be
// positive; it is ignored otherwise.
func NewContextBuilder(policy WindowPolicy, lastN int) (*ContextBuilder, error) {
	if policy == "" {
		policy = WindowAll
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("dialogue: unknown window policy %q; valid values: all, last_n", policy)
	}
	if policy == WindowLastN && lastN <= 0 {
		return nil, fmt.Errorf("dialogue: window policy last_n requires a positive window size, got %d", lastN)
	}
	return &ContextBuilder{policy: policy, lastN: lastN}, nil
}

// BuildRequest constructs the generation request for c's next turn.
//
// The character's persona becomes the system prompt. Each windowed prior turn
// becomes an assistant message when spoken by c, otherwise a user message
// carrying the original speaker's name, so every model sees the conversation
// from its own character's perspective. Generation parameters come from c's
// model binding.
func (b *ContextBuilder) BuildRequest(c Character, snap Snapshot) (llm.CompletionRequest, error) {
	if c.Persona == "" {
		return llm.CompletionRequest{}, &ContextBuildError{Character: c.Name, Reason: "persona is empty"}
	}
	if c.Binding.Provider == "" || c.Binding.Model == "" {
		return llm.CompletionRequest{}, &ContextBuildError{Character: c.Name, Reason: "model binding is incomplete"}
	}

	history := b.window(snap.Turns)

	messages := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		if t.Character == c.Name {
			messages = append(messages, llm.Message{Role: "assistant", Content: t.Text})
			continue
		}
		messages = append(messages, llm.Message{
			Role:    "user",
			Name:    t.Character,
			Content: fmt.Sprintf("%s: %s", t.Character, t.Text),
		})
	}

	// First speaker of the run has no history to react to; seed the exchange
	// with the discussion topic so the model has a user message to answer.
	if len(messages) == 0 {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: openingPrompt(snap.Discussion),
		})
	}

	return llm.CompletionRequest{
		SystemPrompt: c.Persona,
		Messages:     messages,
		Temperature:  c.Binding.Temperature,
		MaxTokens:    c.Binding.MaxTokens,
	}, nil
}

// window returns the view of turns selected by the builder's policy.
func (b *ContextBuilder) window(turns []Turn) []Turn {
	if b.policy == WindowLastN && len(turns) > b.lastN {
		return turns[len(turns)-b.lastN:]
	}
	return turns
}

// openingPrompt renders the discussion framing as the run's first user message.
func openingPrompt(d Discussion) string {
	msg := "Begin the conversation."
	if d.Topic != "" {
		msg = fmt.Sprintf("The topic is: %s. Begin the conversation.", d.Topic)
	}
	if d.Content != "" {
		msg += "\n\n" + d.Content
	}
	return msg
}
