package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"scriptorium/internal/budget"
	"scriptorium/internal/checkpoint"
	"scriptorium/internal/config"
	"scriptorium/internal/draft"
	"scriptorium/internal/llm"
	"scriptorium/internal/llm/invoke"
	"scriptorium/internal/output"
	"scriptorium/internal/pipeline"
	"scriptorium/internal/story"
	"scriptorium/internal/tracker"
	"scriptorium/internal/tribunal"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "health":
		health(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  scriptorium run [--project <dir>] [--show-reasoning]")
	fmt.Fprintln(os.Stderr, "  scriptorium health [--project <dir>]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "scriptorium: "+format+"\n", args...)
	os.Exit(1)
}

func parseProject(args []string) (project string, showReasoning bool) {
	project = "."
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--project requires a directory")
				os.Exit(1)
			}
			project = args[i]
		case "--show-reasoning":
			showReasoning = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	return project, showReasoning
}

func health(args []string) {
	project, _ := parseProject(args)
	pctx, err := config.Load(project)
	if err != nil {
		fatalf("%v", err)
	}
	provider, err := newProvider(pctx.Config)
	if err != nil {
		fatalf("%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := preflight(ctx, provider, pctx, slog.Default()); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("ok")
}

func newProvider(cfg config.Config) (llm.Provider, error) {
	return llm.NewProvider(cfg.Provider, cfg.BaseURL, cfg.APIKey,
		secs(*cfg.ConnectTimeoutSec), secs(*cfg.ReadTimeoutSec))
}

// preflight fails fast when no unit of work could be processed: the
// model endpoint must answer and the bd binary must exist.
func preflight(ctx context.Context, provider llm.Provider, pctx config.ProjectContext, log *slog.Logger) error {
	if err := provider.Health(ctx); err != nil {
		return fmt.Errorf("model endpoint unreachable (%s at %s): %w", provider.Name(), pctx.Config.BaseURL, err)
	}
	beads := tracker.NewBeads("", pctx.Root, log)
	if err := beads.Available(); err != nil {
		return fmt.Errorf("task tracker unavailable: %w", err)
	}
	return nil
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// showReasoningInvoker turns on reasoning-excerpt logging for every
// call made through it.
type showReasoningInvoker struct {
	inner invoke.Invoker
}

func (s showReasoningInvoker) Invoke(ctx context.Context, msgs []llm.Message, opts invoke.Options) (string, error) {
	opts.ShowReasoning = true
	return s.inner.Invoke(ctx, msgs, opts)
}

func run(args []string) {
	project, showReasoning := parseProject(args)

	pctx, err := config.Load(project)
	if err != nil {
		fatalf("%v", err)
	}
	if err := pctx.EnsureLayout(); err != nil {
		fatalf("prepare project layout: %v", err)
	}
	cfg := pctx.Config

	runID := ulid.Make().String()
	log, closeLog, err := newLogger(pctx.LogsDir(), runID)
	if err != nil {
		fatalf("open log file: %v", err)
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	if err := preflight(ctx, provider, pctx, log); err != nil {
		fatalf("preflight failed: %v", err)
	}

	budgeter := budget.Budgeter{
		CharsPerToken:    *cfg.CharsPerToken,
		ReserveTokens:    *cfg.ReserveTokens,
		MinBudgetTokens:  *cfg.MinBudgetTokens,
		SlashRatio:       *cfg.SlashRatio,
		ExtremeCapTokens: budget.New().ExtremeCapTokens,
	}
	var inv invoke.Invoker = invoke.New(invoke.Config{
		Provider:      provider,
		Model:         cfg.Model,
		Budgeter:      budgeter,
		ContextTokens: *cfg.ContextTokens,
		MaxRetries:    *cfg.MaxRetries,
		BackoffBase:   *cfg.BackoffBaseSec,
		BackoffJitter: *cfg.BackoffJitterSec,
		Logger:        log,
	})
	if showReasoning || *cfg.ShowReasoning {
		inv = showReasoningInvoker{inner: inv}
	}

	state, err := story.OpenStore(pctx.StatePath(), log)
	if err != nil {
		fatalf("open narrative state: %v", err)
	}

	p := pipeline.New(pipeline.Config{
		PassThreshold: *cfg.PassThreshold,
		MaxRevisions:  *cfg.MaxRevisions,
		TargetWords:   *cfg.TargetWords,
		PollInterval:  secs(*cfg.PollIntervalSec),
	}, pipeline.Deps{
		Invoker:     inv,
		Sampler:     draft.NewSampler(inv, cfg.SampleTemperatures, *cfg.CandidatePreviewChar, log),
		Panel:       tribunal.NewPanel(inv, *cfg.ArcSkipBelow, *cfg.ArcLightBelow, log),
		Analyst:     story.NewAnalyst(inv, log),
		Checkpoints: checkpoint.NewStore(pctx.CheckpointDir(), pctx.LegacyCheckpointDir(), log),
		State:       state,
		Source:      tracker.NewBeads("", pctx.Root, log),
		Sink:        output.NewSink(pctx.ScenesDir(), pctx.LegacyScenesDir(), pctx.ManuscriptPath(), log),
		Logger:      log,
	})

	log.Info("starting run", "run_id", runID, "project", pctx.Root,
		"provider", cfg.Provider, "model", cfg.Model, "target_words", *cfg.TargetWords)
	if err := p.Run(ctx); err != nil {
		fatalf("run failed: %v", err)
	}
	log.Info("run complete", "run_id", runID)
}

// newLogger writes structured logs to stderr and to a per-run file
// under the project logs dir.
func newLogger(logsDir, runID string) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(logsDir, "run-"+runID+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	h := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h).With("run_id", runID), func() { f.Close() }, nil
}
