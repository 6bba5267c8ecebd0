// Command colloquy runs multi-character LLM dialogues from a YAML
// configuration: each character speaks in round-robin order, every turn is
// appended to a Markdown transcript, and the finished conversation is
// optionally graded and archived.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/colloquy-ai/colloquy/internal/config"
	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
	"github.com/colloquy-ai/colloquy/internal/gateway"
	"github.com/colloquy-ai/colloquy/internal/observe"
	"github.com/colloquy-ai/colloquy/internal/run"
	"github.com/colloquy-ai/colloquy/internal/transcript"
	"github.com/colloquy-ai/colloquy/internal/transcript/postgres"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm/anyllm"
	openaillm "github.com/colloquy-ai/colloquy/pkg/provider/llm/openai"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	rounds := flag.Int("rounds", 0, "override run.rounds from the config")
	samples := flag.Int("samples", 0, "override run.samples from the config")
	dryRun := flag.Bool("dry-run", false, "validate the configuration and exit")
	recent := flag.Int("recent", 0, "list the N most recently archived runs and exit")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g., \":9090\"); empty disables")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "colloquy: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "colloquy: %v\n", err)
		}
		return 1
	}
	if *rounds > 0 {
		cfg.Run.Rounds = *rounds
	}
	if *samples > 0 {
		cfg.Run.Samples = *samples
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("colloquy starting",
		"config", *configPath,
		"rounds", cfg.Run.Rounds,
		"samples", cfg.Run.Samples,
		"characters", len(cfg.Characters),
		"log_level", cfg.LogLevel,
	)

	if *dryRun {
		fmt.Println("configuration OK")
		return 0
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *recent > 0 {
		return listRecentRuns(ctx, cfg.Archive.PostgresDSN, *recent)
	}

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "colloquy"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Gateways and evaluator ────────────────────────────────────────────────
	roster, generators, err := buildRoster(cfg, reg)
	if err != nil {
		slog.Error("failed to build characters", "err", err)
		return 1
	}

	evaluator, err := buildEvaluator(cfg, reg)
	if err != nil {
		slog.Error("failed to build evaluator", "err", err)
		return 1
	}

	builder, err := dialogue.NewContextBuilder(cfg.History.Window, cfg.History.LastN)
	if err != nil {
		slog.Error("invalid history configuration", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Execute runs ──────────────────────────────────────────────────────────
	discussion := dialogue.Discussion{
		Topic:      cfg.Discussion.Topic,
		Background: cfg.Discussion.Background,
		Content:    cfg.Discussion.Content,
	}

	job := func(sample int) (run.Config, error) {
		dir := cfg.Output.Directory
		if cfg.Run.Samples > 1 {
			dir = filepath.Join(dir, fmt.Sprintf("sample_%02d", sample+1))
		}
		sink, err := transcript.NewFileSink(dir, transcript.Header{
			StartedAt:  time.Now(),
			Discussion: discussion,
			Roster:     roster,
		})
		if err != nil {
			return run.Config{}, err
		}
		return run.Config{
			Roster:     roster,
			Rounds:     cfg.Run.Rounds,
			Discussion: discussion,
			Generators: generators,
			Builder:    builder,
			Sink:       sink,
			Evaluator:  evaluator,
			Logger:     logger.With("sample", sample+1),
		}, nil
	}

	results, runErr := run.RunAll(ctx, cfg.Run.Samples, cfg.Run.Parallelism, job)

	// ── Archive (optional, best-effort) ───────────────────────────────────────
	if cfg.Archive.PostgresDSN != "" {
		archiveRuns(ctx, cfg.Archive.PostgresDSN, results)
	}

	for _, r := range results {
		if r.Result == nil {
			continue
		}
		slog.Info("run summary",
			"sample", r.Sample+1,
			"status", r.Result.Status,
			"turns", r.Result.Turns,
			"evaluated", r.Result.Evaluation != nil,
		)
	}

	if runErr != nil {
		slog.Error("one or more runs failed", "err", runErr)
		return 1
	}
	slog.Info("all runs complete", "samples", len(results))
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in LLM provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai uses the native SDK adapter; the API key falls back to the
	// conventional environment variable.
	reg.RegisterLLM("openai", func(spec config.ProviderSpec) (llm.Provider, error) {
		apiKey := spec.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openaillm.Option
		if spec.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(spec.BaseURL))
		}
		return openaillm.New(apiKey, spec.Model, opts...)
	})

	// The remaining hosted providers share the any-llm pattern: optional
	// APIKey plus optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(spec config.ProviderSpec) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if spec.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(spec.APIKey))
			}
			if spec.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(spec.BaseURL))
			}
			return anyllm.New(providerName, spec.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(spec config.ProviderSpec) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if spec.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(spec.BaseURL))
		}
		return anyllm.NewOllama(spec.Model, opts...)
	})
}

// buildRoster instantiates one provider and gateway per character and returns
// the roster in config order.
func buildRoster(cfg *config.Config, reg *config.Registry) ([]dialogue.Character, map[string]run.Generator, error) {
	roster := make([]dialogue.Character, 0, len(cfg.Characters))
	generators := make(map[string]run.Generator, len(cfg.Characters))

	for _, cc := range cfg.Characters {
		provider, err := reg.CreateLLM(cc.Model.Provider, config.ProviderSpec{
			Model:   cc.Model.Model,
			APIKey:  cc.APIKey,
			BaseURL: cc.BaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("character %q: create provider: %w", cc.Name, err)
		}

		generators[cc.Name] = gateway.New(provider, gateway.Config{
			Provider:       cc.Model.Provider,
			MaxAttempts:    cfg.Gateway.MaxAttempts,
			BaseDelay:      cfg.Gateway.BaseDelay.Std(),
			MaxDelay:       cfg.Gateway.MaxDelay.Std(),
			RequestTimeout: cfg.Gateway.RequestTimeout.Std(),
		})
		roster = append(roster, dialogue.Character{
			Name:    cc.Name,
			Persona: cc.BuildPersona(cfg.Discussion.Topic),
			Binding: cc.Binding(),
		})
		slog.Info("character ready",
			"name", cc.Name,
			"provider", cc.Model.Provider,
			"model", cc.Model.Model,
		)
	}
	return roster, generators, nil
}

// buildEvaluator constructs the configured evaluator, nil when disabled.
func buildEvaluator(cfg *config.Config, reg *config.Registry) (evaluate.Evaluator, error) {
	if !cfg.Evaluation.Enabled {
		return nil, nil
	}

	dims := make([]evaluate.Dimension, 0, len(cfg.Evaluation.Dimensions))
	for _, d := range cfg.Evaluation.Dimensions {
		dims = append(dims, d.Dimension())
	}

	if cfg.Evaluation.Kind == config.EvaluatorHeuristic {
		return evaluate.NewHeuristic(dims), nil
	}

	provider, err := reg.CreateLLM(cfg.Evaluation.Model.Provider, config.ProviderSpec{
		Model:   cfg.Evaluation.Model.Model,
		APIKey:  cfg.Evaluation.APIKey,
		BaseURL: cfg.Evaluation.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create judge provider: %w", err)
	}

	gw := gateway.New(provider, gateway.Config{
		Provider:       cfg.Evaluation.Model.Provider,
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		BaseDelay:      cfg.Gateway.BaseDelay.Std(),
		MaxDelay:       cfg.Gateway.MaxDelay.Std(),
		RequestTimeout: cfg.Gateway.RequestTimeout.Std(),
	})
	return evaluate.NewLLMJudge(gw, evaluate.JudgeConfig{
		Model:            cfg.Evaluation.Model.Provider + "/" + cfg.Evaluation.Model.Model,
		Dimensions:       dims,
		MaxFeedbackChars: cfg.Evaluation.MaxFeedbackChars,
	}), nil
}

// ── Archive ───────────────────────────────────────────────────────────────────

// archiveRuns stores finished runs in the PostgreSQL archive. Archive failures
// are logged and swallowed; the Markdown transcripts remain the source of
// truth.
func archiveRuns(ctx context.Context, dsn string, results []run.BatchResult) {
	archive, err := postgres.NewArchive(ctx, dsn)
	if err != nil {
		slog.Warn("run archive unavailable", "err", err)
		return
	}
	defer archive.Close()

	for _, r := range results {
		if r.Result == nil {
			continue
		}
		status := postgres.StatusDone
		if r.Result.Status == run.StatusFailed {
			status = postgres.StatusFailed
		}
		if err := archive.SaveRun(ctx, r.Result.Snapshot, r.Result.Evaluation, status); err != nil {
			slog.Warn("archiving run failed", "sample", r.Sample+1, "err", err)
			continue
		}
		slog.Debug("run archived", "sample", r.Sample+1, "status", status)
	}
}

// listRecentRuns prints the most recently archived runs, newest first.
func listRecentRuns(ctx context.Context, dsn string, limit int) int {
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "colloquy: -recent needs archive.postgres_dsn in the configuration")
		return 1
	}
	archive, err := postgres.NewArchive(ctx, dsn)
	if err != nil {
		slog.Error("run archive unavailable", "err", err)
		return 1
	}
	defer archive.Close()

	runs, err := archive.RecentRuns(ctx, limit)
	if err != nil {
		slog.Error("listing archived runs", "err", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("no archived runs")
		return 0
	}

	fmt.Printf("%-6s  %-19s  %-8s  %-6s  %-6s  %-7s  %s\n",
		"ID", "CREATED", "STATUS", "ROUNDS", "TURNS", "SCORE", "TOPIC")
	for _, r := range runs {
		score := "-"
		if r.OverallScore != nil {
			score = fmt.Sprintf("%.1f", *r.OverallScore)
		}
		fmt.Printf("%-6d  %-19s  %-8s  %-6d  %-6d  %-7s  %s\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status,
			r.Rounds, r.TurnCount, score, r.Topic)
	}
	return 0
}

// ── Metrics ───────────────────────────────────────────────────────────────────

// serveMetrics exposes the Prometheus scrape endpoint for the duration of the
// process.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics endpoint error", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║          Colloquy — run summary           ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printSummaryLine("Topic", cfg.Discussion.Topic)
	for _, c := range cfg.Characters {
		printSummaryLine(c.Name, c.Model.Provider+" / "+c.Model.Model)
	}
	printSummaryLine("Rounds", fmt.Sprintf("%d", cfg.Run.Rounds))
	printSummaryLine("Samples", fmt.Sprintf("%d", cfg.Run.Samples))
	if cfg.Evaluation.Enabled {
		printSummaryLine("Evaluation", string(cfg.Evaluation.Kind))
	} else {
		printSummaryLine("Evaluation", "(disabled)")
	}
	printSummaryLine("Output", cfg.Output.Directory)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printSummaryLine(key, value string) {
	if r := []rune(key); len(r) > 12 {
		key = string(r[:11]) + "…"
	}
	if r := []rune(value); len(r) > 26 {
		value = string(r[:23]) + "…"
	}
	fmt.Printf("║  %-12s : %-26s ║\n", key, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
