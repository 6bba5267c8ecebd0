package run

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Job builds the orchestrator configuration for one sample run. Runs in a
// batch are fully independent, so each job gets its own sink and state; the
// factory is called once per sample, from the sample's own goroutine.
type Job func(sample int) (Config, error)

// BatchResult is the outcome of one sample in a batch.
type BatchResult struct {
	// Sample is the zero-based sample number.
	Sample int

	// Result is the run summary, nil when the run never started.
	Result *Result

	// Err is the run's terminal error, nil on success.
	Err error
}

// RunAll executes samples independent runs of the same configuration with at
// most parallelism running concurrently (parallelism <= 0 means unbounded).
// One run failing does not cancel the others; the returned error joins every
// per-run failure. Results are ordered by sample number.
func RunAll(ctx context.Context, samples, parallelism int, job Job) ([]BatchResult, error) {
	if samples <= 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("samples must be positive, got %d", samples)}
	}
	if job == nil {
		return nil, &ConfigurationError{Reason: "batch job is nil"}
	}

	results := make([]BatchResult, samples)

	// The group bounds concurrency only; run failures are collected per
	// sample rather than returned through the group, so a failed run never
	// cancels its siblings.
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for i := 0; i < samples; i++ {
		g.Go(func() error {
			results[i] = runSample(ctx, i, job)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("sample %d: %w", r.Sample, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

// runSample builds and executes one sample run.
func runSample(ctx context.Context, sample int, job Job) BatchResult {
	cfg, err := job(sample)
	if err != nil {
		return BatchResult{Sample: sample, Err: fmt.Errorf("build run config: %w", err)}
	}

	defer func() {
		if cfg.Sink != nil {
			_ = cfg.Sink.Close()
		}
	}()

	res, err := New(cfg).Run(ctx)
	return BatchResult{Sample: sample, Result: res, Err: err}
}
