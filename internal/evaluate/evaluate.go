// Package evaluate scores a completed conversation and produces structured
// feedback. Two evaluators are provided behind one interface: [LLMJudge],
// which asks a configured model to grade the transcript (the default), and
// [Heuristic], which scores deterministically from transcript statistics.
//
// Evaluation is purely informational; it never gates transcript acceptance.
package evaluate

import (
	"context"
	"fmt"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
)

// Score bounds for all evaluators.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

// Dimension names one graded aspect of the conversation and its weight in
// the overall score.
type Dimension struct {
	Name   string
	Weight float64
}

// DefaultDimensions is the grading rubric used when the configuration does
// not supply one.
var DefaultDimensions = []Dimension{
	{Name: "coherence", Weight: 0.4},
	{Name: "engagement", Weight: 0.3},
	{Name: "informativeness", Weight: 0.3},
}

// DimensionScore is one graded dimension in a [Result].
type DimensionScore struct {
	Name   string
	Score  float64
	Weight float64
}

// Result is the structured quality assessment of one completed conversation.
// Created exactly once per run; never mutated after creation.
type Result struct {
	// Overall is the aggregate score in [ScoreMin, ScoreMax].
	Overall float64

	// Dimensions holds per-dimension sub-scores in rubric order.
	Dimensions []DimensionScore

	// Feedback is the free-text assessment.
	Feedback string

	// Judge describes what produced this result (e.g., "openai/gpt-4o" or
	// "heuristic").
	Judge string
}

// Error reports an evaluation failure. The orchestrator treats it as
// non-fatal: the transcript stays valid with an evaluation-omitted marker.
type Error struct {
	// Judge describes the evaluator that failed.
	Judge string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluate: %s: %v", e.Judge, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Evaluator scores a completed conversation snapshot. Implementations must be
// pure functions of the transcript with no side effects beyond their own
// model calls, and are invoked once per run.
type Evaluator interface {
	Evaluate(ctx context.Context, snap dialogue.Snapshot) (*Result, error)
}

// clamp bounds v to [ScoreMin, ScoreMax].
func clamp(v float64) float64 {
	if v < ScoreMin {
		return ScoreMin
	}
	if v > ScoreMax {
		return ScoreMax
	}
	return v
}

// weightedOverall aggregates dimension scores by weight. Dimensions with
// non-positive weight count as weight 1 so an all-zero rubric still averages.
func weightedOverall(dims []DimensionScore) float64 {
	if len(dims) == 0 {
		return ScoreMin
	}
	var sum, wsum float64
	for _, d := range dims {
		w := d.Weight
		if w <= 0 {
			w = 1
		}
		sum += d.Score * w
		wsum += w
	}
	return clamp(sum / wsum)
}
