// Package run drives complete dialogue runs: the orchestrator executes the
// round-robin turn loop over a character roster, commits each turn to the
// conversation log and the transcript sink, and hands the finished
// conversation to the evaluator. The batch runner executes several
// independent runs with bounded parallelism.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
	"github.com/colloquy-ai/colloquy/internal/gateway"
	"github.com/colloquy-ai/colloquy/internal/observe"
	"github.com/colloquy-ai/colloquy/internal/transcript"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusInit: inputs are being validated; nothing generated yet.
	StatusInit Status = "init"

	// StatusGenerating: the turn loop is producing utterances.
	StatusGenerating Status = "generating"

	// StatusEvaluating: all turns are committed; the judge is grading.
	StatusEvaluating Status = "evaluating"

	// StatusDone: the run completed, with or without an evaluation.
	StatusDone Status = "done"

	// StatusFailed: the run aborted; committed turns remain persisted.
	StatusFailed Status = "failed"
)

// Generator produces one utterance for a generation request.
// *gateway.Gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llm.CompletionRequest) (*gateway.Result, error)
}

// Config assembles everything one run needs.
type Config struct {
	// Roster is the character list in speaking order. Must be non-empty with
	// unique names.
	Roster []dialogue.Character

	// Rounds is how many times the full roster speaks. Must be positive.
	Rounds int

	// Discussion frames the conversation.
	Discussion dialogue.Discussion

	// Generators maps each roster character's name to the generator executing
	// its turns. Every roster name must have an entry.
	Generators map[string]Generator

	// Builder constructs per-character generation requests.
	Builder *dialogue.ContextBuilder

	// Sink receives committed turns and the final evaluation.
	Sink transcript.Sink

	// Evaluator grades the finished conversation. Nil disables evaluation;
	// the transcript then carries an evaluation-omitted marker.
	Evaluator evaluate.Evaluator

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] when nil.
	Logger *slog.Logger

	// Now replaces the clock for turn timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Result summarizes a finished run.
type Result struct {
	// Status is [StatusDone] or [StatusFailed].
	Status Status

	// Turns is the number of committed turns.
	Turns int

	// Evaluation is the quality assessment, nil when evaluation was disabled,
	// failed, or the run aborted before it.
	Evaluation *evaluate.Result

	// Snapshot is the final conversation state.
	Snapshot dialogue.Snapshot
}

// Orchestrator executes a single dialogue run from validation through
// evaluation. One orchestrator serves exactly one run; create a fresh one per
// run. Within a run everything is strictly sequential.
type Orchestrator struct {
	cfg     Config
	state   *dialogue.State
	status  Status
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator for one run. Configuration is validated in
// [Orchestrator.Run], not here, so construction never fails.
func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:     cfg,
		status:  StatusInit,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		now:     cfg.Now,
	}
}

// Status returns the run's current lifecycle state.
func (o *Orchestrator) Status() Status { return o.status }

// Run executes the run to completion. A [*ConfigurationError] is returned
// before anything is generated or written. A [*GenerationError] aborts the
// run mid-loop: committed turns stay persisted, the transcript is marked
// truncated, and the partial Result is still returned. Evaluation failures
// never fail the run.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.validate(); err != nil {
		o.status = StatusFailed
		return nil, err
	}

	o.state = dialogue.NewState(o.cfg.Roster, o.cfg.Rounds, o.cfg.Discussion)
	o.status = StatusGenerating

	ctx, span := observe.StartSpan(ctx, "dialogue.run",
		trace.WithAttributes(
			attribute.Int("dialogue.rounds", o.cfg.Rounds),
			attribute.Int("dialogue.characters", len(o.cfg.Roster)),
			attribute.String("dialogue.topic", o.cfg.Discussion.Topic),
		),
	)
	defer span.End()

	o.metrics.RunStarted(ctx)
	defer o.metrics.RunFinished(ctx)

	o.log.Info("run started",
		"characters", len(o.cfg.Roster),
		"rounds", o.cfg.Rounds,
		"topic", o.cfg.Discussion.Topic,
		"trace_id", observe.RunID(ctx),
	)

	if err := o.generateAll(ctx); err != nil {
		o.status = StatusFailed
		span.RecordError(err)
		return &Result{
			Status:   StatusFailed,
			Turns:    o.state.Len(),
			Snapshot: o.state.Snapshot(),
		}, err
	}

	o.status = StatusEvaluating
	evalResult := o.evaluateRun(ctx)

	o.status = StatusDone
	o.log.Info("run finished", "turns", o.state.Len(), "evaluated", evalResult != nil)

	return &Result{
		Status:     StatusDone,
		Turns:      o.state.Len(),
		Evaluation: evalResult,
		Snapshot:   o.state.Snapshot(),
	}, nil
}

// validate checks the run inputs. All violations are [*ConfigurationError].
func (o *Orchestrator) validate() error {
	if len(o.cfg.Roster) == 0 {
		return &ConfigurationError{Reason: "roster is empty"}
	}
	if o.cfg.Rounds <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("rounds must be positive, got %d", o.cfg.Rounds)}
	}
	if o.cfg.Builder == nil {
		return &ConfigurationError{Reason: "context builder is nil"}
	}
	if o.cfg.Sink == nil {
		return &ConfigurationError{Reason: "transcript sink is nil"}
	}

	seen := make(map[string]struct{}, len(o.cfg.Roster))
	for _, c := range o.cfg.Roster {
		if c.Name == "" {
			return &ConfigurationError{Reason: "character with empty name"}
		}
		if _, dup := seen[c.Name]; dup {
			return &ConfigurationError{Reason: fmt.Sprintf("duplicate character name %q", c.Name)}
		}
		seen[c.Name] = struct{}{}

		if c.Persona == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("character %q has no persona", c.Name)}
		}
		if c.Binding.Provider == "" || c.Binding.Model == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("character %q has an incomplete model binding", c.Name)}
		}
		if _, ok := o.cfg.Generators[c.Name]; !ok {
			return &ConfigurationError{Reason: fmt.Sprintf("character %q has no generator", c.Name)}
		}
	}
	return nil
}

// generateAll runs the round-robin loop. On failure it writes the truncation
// marker and returns the wrapped cause; turns already committed stay in the
// log and the sink.
func (o *Orchestrator) generateAll(ctx context.Context) error {
	index := 0
	for round := 1; round <= o.cfg.Rounds; round++ {
		for _, c := range o.cfg.Roster {
			// Cancellation is only honored at turn boundaries so a turn in
			// flight is either fully committed or not at all.
			if err := ctx.Err(); err != nil {
				genErr := &GenerationError{Character: c.Name, Provider: c.Binding.Provider, Round: round, Err: err}
				o.truncate(genErr)
				return genErr
			}

			if err := o.generateTurn(ctx, c, round, index); err != nil {
				o.truncate(err)
				return err
			}
			index++
		}
	}
	return nil
}

// generateTurn produces, commits, and persists one turn.
func (o *Orchestrator) generateTurn(ctx context.Context, c dialogue.Character, round, index int) error {
	ctx, span := observe.StartSpan(ctx, "dialogue.turn",
		trace.WithAttributes(
			attribute.String("dialogue.character", c.Name),
			attribute.String("dialogue.provider", c.Binding.Provider),
			attribute.Int("dialogue.round", round),
			attribute.Int("dialogue.index", index),
		),
	)
	defer span.End()

	req, err := o.cfg.Builder.BuildRequest(c, o.state.Snapshot())
	if err != nil {
		return &GenerationError{Character: c.Name, Provider: c.Binding.Provider, Round: round, Err: err}
	}

	start := o.now()
	res, err := o.cfg.Generators[c.Name].Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return &GenerationError{Character: c.Name, Provider: c.Binding.Provider, Round: round, Err: err}
	}

	turn := dialogue.Turn{
		Index:     index,
		Round:     round,
		Character: c.Name,
		Text:      res.Text,
		Timestamp: o.now(),
		Metadata: dialogue.TurnMetadata{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			Latency:          res.Latency,
			Retries:          res.Retries,
		},
	}

	if err := o.state.Commit(turn); err != nil {
		return &GenerationError{Character: c.Name, Provider: c.Binding.Provider, Round: round, Err: err}
	}
	if err := o.cfg.Sink.Append(turn); err != nil {
		return &GenerationError{Character: c.Name, Provider: c.Binding.Provider, Round: round,
			Err: fmt.Errorf("persist turn %d: %w", index, err)}
	}

	o.metrics.RecordTurn(ctx, c.Name, c.Binding.Provider, o.now().Sub(start))
	o.metrics.RecordTurnCommitted(ctx, c.Name)

	o.log.Debug("turn committed",
		"index", index,
		"round", round,
		"character", c.Name,
		"tokens", res.Usage.TotalTokens,
		"retries", res.Retries,
	)
	return nil
}

// truncate marks the transcript as aborted. Failing to write the marker is
// logged but not surfaced; the generation failure is the error that matters.
func (o *Orchestrator) truncate(cause error) {
	if err := o.cfg.Sink.AppendTruncation(cause.Error()); err != nil {
		o.log.Error("writing truncation marker", "err", err)
	}
}

// evaluateRun grades the finished conversation, best-effort. A nil evaluator
// and an evaluator failure both leave an evaluation-omitted marker in the
// transcript; neither fails the run.
func (o *Orchestrator) evaluateRun(ctx context.Context) *evaluate.Result {
	if o.cfg.Evaluator == nil {
		if err := o.cfg.Sink.AppendEvaluationOmitted("evaluation disabled"); err != nil {
			o.log.Error("writing evaluation-omitted marker", "err", err)
		}
		return nil
	}

	start := o.now()
	result, err := o.cfg.Evaluator.Evaluate(ctx, o.state.Snapshot())
	o.metrics.RecordEvaluation(ctx, o.now().Sub(start), err == nil)

	if err != nil {
		o.log.Warn("evaluation failed, transcript kept without scores", "err", err)
		if serr := o.cfg.Sink.AppendEvaluationOmitted(err.Error()); serr != nil {
			o.log.Error("writing evaluation-omitted marker", "err", serr)
		}
		return nil
	}

	if err := o.cfg.Sink.AppendEvaluation(result); err != nil {
		o.log.Error("writing evaluation section", "err", err)
	}
	o.log.Info("evaluation complete", "overall", result.Overall, "judge", result.Judge)
	return result
}
