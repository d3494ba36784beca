package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/tandem/internal/config"
	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/events"
	"github.com/marcus-qen/tandem/internal/plan"
	"github.com/marcus-qen/tandem/internal/resultstore"
	"github.com/marcus-qen/tandem/internal/runner"
	"github.com/marcus-qen/tandem/internal/scheduler"
	"github.com/marcus-qen/tandem/internal/server"
	"github.com/marcus-qen/tandem/internal/telemetry"
)

type runOptions struct {
	parallelism int
	timeout     time.Duration
	cascade     bool
	explicit    []string
	filter      []string
	categories  []string
	resultsDSN  string
	listen      string
	schedule    string
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a test plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runPlanCommand(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], global.jsonOutput)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.parallelism, "parallelism", "p", 0, "Maximum concurrently running tests (default GOMAXPROCS)")
	f.DurationVar(&opts.timeout, "timeout", 0, "Default per-test timeout (0 disables)")
	f.BoolVar(&opts.cascade, "cascade", false, "Mark Order successors of a failed test NotRun")
	f.StringSliceVar(&opts.explicit, "explicit", nil, "Run explicit-only tests by name or tag")
	f.StringSliceVar(&opts.filter, "filter", nil, "Glob patterns over Class.Method; only matches run")
	f.StringSliceVar(&opts.categories, "category", nil, "Only run tests in these categories")
	f.StringVar(&opts.resultsDSN, "results-dsn", "", "Result store DSN (SQLite path, postgres://, mysql://)")
	f.StringVar(&opts.listen, "listen", "", "Serve /metrics, /results and /ws on this address")
	f.StringVar(&opts.schedule, "schedule", "", "Re-run on a cron expression or interval until interrupted")
	return cmd
}

// apply overlays flags the user set explicitly.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("parallelism") {
		cfg.Parallelism = o.parallelism
	}
	if f.Changed("timeout") {
		cfg.DefaultTimeout = o.timeout
	}
	if f.Changed("cascade") {
		cfg.CascadeFailures = o.cascade
	}
	if f.Changed("explicit") {
		cfg.Selection.Explicit = o.explicit
	}
	if f.Changed("filter") {
		cfg.Selection.Include = o.filter
	}
	if f.Changed("category") {
		cfg.Selection.Categories = o.categories
	}
	if f.Changed("results-dsn") {
		cfg.Results.DSN = o.resultsDSN
	}
	if f.Changed("listen") {
		cfg.Metrics.ListenAddr = o.listen
	}
	if f.Changed("schedule") {
		cfg.Schedule = o.schedule
	}
}

func runnerConfig(cfg config.Config) runner.Config {
	return runner.Config{
		Scheduler: scheduler.Config{
			Parallelism:     cfg.Parallelism,
			DefaultTimeout:  cfg.DefaultTimeout,
			CascadeFailures: cfg.CascadeFailures,
		},
		MaxDataRows: cfg.MaxDataRows,
		Selection:   cfg.Selection.Expander(),
	}
}

// loadPlan reads a plan file and builds its descriptors.
func loadPlan(path string, log logr.Logger) ([]*descriptor.Descriptor, error) {
	f, err := plan.Load(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return plan.Descriptors(f, plan.Options{BaseDir: filepath.Dir(abs), Log: log.WithName("plan")})
}

func runPlanCommand(ctx context.Context, out io.Writer, cfg config.Config, planPath string, jsonOutput bool) error {
	log, flush, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer flush()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.OTLPEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.Error(err, "Failed to flush traces")
		}
	}()

	descs, err := loadPlan(planPath, log)
	if err != nil {
		return err
	}

	bus := events.NewBus(256)
	opts := []runner.Option{runner.WithEvents(bus)}

	var store *resultstore.Store
	if cfg.HasResults() {
		store, err = resultstore.Open(cfg.Results.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, runner.WithStore(store))
	}

	srv := server.New(bus, store, log)
	if cfg.Metrics.ListenAddr != "" {
		srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := srv.ListenAndServe(srvCtx, cfg.Metrics.ListenAddr); err != nil {
				log.Error(err, "HTTP server failed")
			}
		}()
		defer func() {
			stopServer()
			<-served
		}()
	}

	r := runner.NewRunner(runnerConfig(cfg), log, opts...)
	once := func(ctx context.Context) error {
		sum, err := r.Execute(ctx, descs)
		if sum.RunID == "" {
			return err
		}
		srv.Record(sum)
		if perr := printSummary(out, sum, jsonOutput); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		if !sum.Passed() {
			return errTestsFailed
		}
		return nil
	}

	if cfg.Schedule == "" {
		return once(ctx)
	}
	err = runner.Watch(ctx, cfg.Schedule, log, once)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
