package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/gateway"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// defaultMaxFeedbackChars bounds the judge's free-text feedback.
const defaultMaxFeedbackChars = 800

// judgeTemperature keeps grading near-deterministic.
const judgeTemperature = 0.2

// Generator executes the judge's single model call. *gateway.Gateway
// satisfies it, so the judge inherits the gateway's retry semantics.
type Generator interface {
	Generate(ctx context.Context, req llm.CompletionRequest) (*gateway.Result, error)
}

// JudgeConfig configures an [LLMJudge].
type JudgeConfig struct {
	// Model describes the judge binding for the Result.Judge field and logs
	// (e.g., "openai/gpt-4o"). Informational only.
	Model string

	// Dimensions is the grading rubric. Defaults to [DefaultDimensions].
	Dimensions []Dimension

	// MaxFeedbackChars truncates the judge's feedback text. Default: 800.
	MaxFeedbackChars int
}

// LLMJudge grades a finished conversation by sending the rendered transcript
// to a model and parsing its structured verdict.
type LLMJudge struct {
	gen              Generator
	model            string
	dimensions       []Dimension
	maxFeedbackChars int
}

// Compile-time interface check.
var _ Evaluator = (*LLMJudge)(nil)

// NewLLMJudge creates an [LLMJudge] that generates through gen.
func NewLLMJudge(gen Generator, cfg JudgeConfig) *LLMJudge {
	dims := cfg.Dimensions
	if len(dims) == 0 {
		dims = DefaultDimensions
	}
	maxChars := cfg.MaxFeedbackChars
	if maxChars <= 0 {
		maxChars = defaultMaxFeedbackChars
	}
	return &LLMJudge{
		gen:              gen,
		model:            cfg.Model,
		dimensions:       dims,
		maxFeedbackChars: maxChars,
	}
}

// Evaluate implements [Evaluator]. It makes a single model call; transient
// provider failures are retried inside the generator, and any terminal
// failure (including an unparseable verdict) is returned as a [*Error].
func (j *LLMJudge) Evaluate(ctx context.Context, snap dialogue.Snapshot) (*Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: j.systemPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: renderTranscript(snap)},
		},
		Temperature: judgeTemperature,
	}

	res, err := j.gen.Generate(ctx, req)
	if err != nil {
		return nil, &Error{Judge: j.model, Err: err}
	}

	verdict, err := parseVerdict(res.Text)
	if err != nil {
		return nil, &Error{Judge: j.model, Err: err}
	}

	return j.buildResult(verdict), nil
}

// systemPrompt renders the grading instructions from the rubric.
func (j *LLMJudge) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a strict conversation-quality judge. ")
	sb.WriteString("Grade the following multi-character dialogue on these dimensions:\n")
	for _, d := range j.dimensions {
		fmt.Fprintf(&sb, "- %s (weight %.2f)\n", d.Name, d.Weight)
	}
	fmt.Fprintf(&sb, "\nAll scores are in the range [%.0f, %.0f].\n", ScoreMin, ScoreMax)
	sb.WriteString("Respond with strict JSON only, no prose and no code fences, in this shape:\n")
	sb.WriteString(`{"overall": <number>, "scores": {`)
	for i, d := range j.dimensions {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q: <number>", d.Name)
	}
	sb.WriteString(`}, "feedback": "<concise assessment>"}`)
	return sb.String()
}

// verdict is the judge model's JSON reply.
type verdict struct {
	Overall  *float64           `json:"overall"`
	Scores   map[string]float64 `json:"scores"`
	Feedback string             `json:"feedback"`
}

// parseVerdict extracts and decodes the JSON object from the model's reply,
// tolerating code fences and surrounding prose.
func parseVerdict(text string) (*verdict, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in judge reply")
	}

	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("decode judge reply: %w", err)
	}
	if len(v.Scores) == 0 {
		return nil, fmt.Errorf("judge reply carries no dimension scores")
	}
	return &v, nil
}

// buildResult maps a verdict onto the configured rubric, clamping every score
// and falling back to the weighted average when the judge omitted an overall.
func (j *LLMJudge) buildResult(v *verdict) *Result {
	dims := make([]DimensionScore, 0, len(j.dimensions))
	for _, d := range j.dimensions {
		dims = append(dims, DimensionScore{
			Name:   d.Name,
			Score:  clamp(v.Scores[d.Name]),
			Weight: d.Weight,
		})
	}

	overall := weightedOverall(dims)
	if v.Overall != nil {
		overall = clamp(*v.Overall)
	}

	feedback := strings.TrimSpace(v.Feedback)
	// Truncate by rune so multi-byte feedback is never cut mid-character.
	if r := []rune(feedback); len(r) > j.maxFeedbackChars {
		feedback = string(r[:j.maxFeedbackChars]) + "…"
	}

	return &Result{
		Overall:    overall,
		Dimensions: dims,
		Feedback:   feedback,
		Judge:      j.model,
	}
}

// renderTranscript formats the conversation for the judge's user message.
func renderTranscript(snap dialogue.Snapshot) string {
	var sb strings.Builder
	if snap.Discussion.Topic != "" {
		fmt.Fprintf(&sb, "Topic: %s\n", snap.Discussion.Topic)
	}
	if snap.Discussion.Background != "" {
		fmt.Fprintf(&sb, "Background: %s\n", snap.Discussion.Background)
	}
	sb.WriteString("\n")
	for _, t := range snap.Turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Character, t.Text)
	}
	return sb.String()
}
