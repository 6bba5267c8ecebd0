package evaluate

import (
	"context"
	"fmt"
	"strings"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
)

// Heuristic scores a conversation from transcript statistics alone. It is
// fully deterministic and never makes a network call, which makes it suitable
// for offline runs and as a fallback when no judge model is available.
type Heuristic struct {
	dimensions []Dimension
}

var _ Evaluator = (*Heuristic)(nil)

// NewHeuristic creates a [Heuristic] grading on dims, or on
// [DefaultDimensions] when dims is empty.
func NewHeuristic(dims []Dimension) *Heuristic {
	if len(dims) == 0 {
		dims = DefaultDimensions
	}
	return &Heuristic{dimensions: dims}
}

// Evaluate implements [Evaluator].
//
// Scores per dimension name:
//   - "coherence": word overlap between consecutive turns.
//   - "engagement": balance of turn lengths across the conversation.
//   - "informativeness": lexical diversity over the whole transcript.
//
// Unknown dimension names receive the midpoint score.
func (h *Heuristic) Evaluate(_ context.Context, snap dialogue.Snapshot) (*Result, error) {
	if len(snap.Turns) == 0 {
		return nil, &Error{Judge: "heuristic", Err: fmt.Errorf("empty transcript")}
	}

	dims := make([]DimensionScore, 0, len(h.dimensions))
	for _, d := range h.dimensions {
		var score float64
		switch d.Name {
		case "coherence":
			score = coherenceScore(snap.Turns)
		case "engagement":
			score = engagementScore(snap.Turns)
		case "informativeness":
			score = informativenessScore(snap.Turns)
		default:
			score = (ScoreMin + ScoreMax) / 2
		}
		dims = append(dims, DimensionScore{Name: d.Name, Score: clamp(score), Weight: d.Weight})
	}

	return &Result{
		Overall:    weightedOverall(dims),
		Dimensions: dims,
		Feedback:   fmt.Sprintf("heuristic evaluation over %d turns", len(snap.Turns)),
		Judge:      "heuristic",
	}, nil
}

// coherenceScore measures how much each turn picks up vocabulary from the
// previous one. A single turn is trivially coherent.
func coherenceScore(turns []dialogue.Turn) float64 {
	if len(turns) < 2 {
		return ScoreMax
	}
	var total float64
	for i := 1; i < len(turns); i++ {
		prev := wordSet(turns[i-1].Text)
		cur := wordSet(turns[i].Text)
		if len(cur) == 0 {
			continue
		}
		shared := 0
		for w := range cur {
			if _, ok := prev[w]; ok {
				shared++
			}
		}
		total += float64(shared) / float64(len(cur))
	}
	avg := total / float64(len(turns)-1)
	// Typical overlap for an on-topic exchange sits well below 1; scale so
	// ~40% overlap already grades as excellent.
	return avg * 2.5 * ScoreMax
}

// engagementScore rewards conversations where no speaker dominates: the
// closer the shortest turn is to the longest, the higher the score.
func engagementScore(turns []dialogue.Turn) float64 {
	minLen, maxLen := -1, 0
	for _, t := range turns {
		n := len(strings.Fields(t.Text))
		if minLen < 0 || n < minLen {
			minLen = n
		}
		if n > maxLen {
			maxLen = n
		}
	}
	if maxLen == 0 {
		return ScoreMin
	}
	return float64(minLen) / float64(maxLen) * ScoreMax
}

// informativenessScore measures lexical diversity: distinct words over total
// words, scaled so real conversational text can reach the top of the range.
func informativenessScore(turns []dialogue.Turn) float64 {
	distinct := make(map[string]struct{})
	total := 0
	for _, t := range turns {
		for _, w := range strings.Fields(strings.ToLower(t.Text)) {
			w = strings.Trim(w, ".,!?;:\"'()")
			if w == "" {
				continue
			}
			distinct[w] = struct{}{}
			total++
		}
	}
	if total == 0 {
		return ScoreMin
	}
	return float64(len(distinct)) / float64(total) * 1.5 * ScoreMax
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}
