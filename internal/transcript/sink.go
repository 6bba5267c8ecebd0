// Package transcript persists dialogue runs as human-readable Markdown, one
// file per run, appended incrementally: every committed turn is durably on
// disk before the next one is generated. An optional PostgreSQL archive for
// finished runs lives in the postgres subpackage.
package transcript

import (
	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
)

// Sink receives turns and the final evaluation in commit order.
//
// All appends must be idempotent on retry (calling an append twice with the
// same content must not duplicate it in the readable output) and must
// durably flush before returning, so a crash after an append never loses it.
type Sink interface {
	// Append persists one committed turn.
	Append(turn dialogue.Turn) error

	// AppendEvaluation persists the post-hoc evaluation section.
	AppendEvaluation(result *evaluate.Result) error

	// AppendEvaluationOmitted marks the transcript as complete but unevaluated.
	AppendEvaluationOmitted(reason string) error

	// AppendTruncation marks the transcript as aborted mid-run. The turns
	// already appended remain valid.
	AppendTruncation(reason string) error

	// Close releases the underlying resources. The transcript stays well-formed
	// whether or not any evaluation or truncation section was written.
	Close() error
}
