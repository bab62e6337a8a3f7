// ============================================================================
// Driveshaft CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Parses the supervisor's command-line arguments and wires the
//          Registry, Reconciler, StatusServer, and metrics endpoint
//          together into one running process.
//
// Command Structure:
//   driveshaft
//     --jobsconfig       (required) path to the jobs config JSON
//     --logconfig        (required) path to the logging config YAML
//     --max_running_time (required) per-job wall deadline, seconds
//     --loop_timeout     (required) reconciliation cycle period, seconds
//     --status_port      (required) TCP port for the status protocol
//     --user             (optional) accepted; logs a warning, privileges are not dropped
//     --pid_file         (optional) write the process pid here
//     --daemonize        (optional) accepted; the process does not detach
//     --version          print version and exit 1
//
// Missing any required flag prints usage and exits 1, per the external
// interface contract — cobra's own required-flag enforcement provides
// this for free.
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/driveshaft/internal/jq"
	"github.com/ChuLiYu/driveshaft/internal/jq/fake"
	"github.com/ChuLiYu/driveshaft/internal/logging"
	"github.com/ChuLiYu/driveshaft/internal/metrics"
	"github.com/ChuLiYu/driveshaft/internal/procstate"
	"github.com/ChuLiYu/driveshaft/internal/reconciler"
	"github.com/ChuLiYu/driveshaft/internal/registry"
	"github.com/ChuLiYu/driveshaft/internal/status"
)

// version is overridable at link time with -ldflags "-X ...cli.version=...".
var version = "dev"

// Args holds the parsed, validated CLI arguments.
type Args struct {
	JobsConfig     string
	LogConfig      string
	MaxRunningTime time.Duration
	LoopTimeout    time.Duration
	StatusPort     int
	User           string
	PIDFile        string
	Daemonize      bool
}

// BuildCLI returns the root cobra command for the driveshaft binary.
func BuildCLI() *cobra.Command {
	var args Args
	var showVersion bool
	var maxRunningSecs, loopTimeoutSecs uint32

	root := &cobra.Command{
		Use:     "driveshaft",
		Short:   "Worker-pool supervisor for a JQ-backed job fleet",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Flags are valid by now; runtime errors from here on are not
			// usage errors.
			cmd.SilenceUsage = true
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				os.Exit(1)
			}
			args.MaxRunningTime = time.Duration(maxRunningSecs) * time.Second
			args.LoopTimeout = time.Duration(loopTimeoutSecs) * time.Second
			return run(cmd.Context(), args)
		},
	}

	root.Flags().StringVar(&args.JobsConfig, "jobsconfig", "", "path to the jobs config JSON (required)")
	root.Flags().StringVar(&args.LogConfig, "logconfig", "", "path to the logging config YAML (required)")
	root.Flags().Uint32Var(&maxRunningSecs, "max_running_time", 0, "per-job wall deadline in seconds (required)")
	root.Flags().Uint32Var(&loopTimeoutSecs, "loop_timeout", 0, "reconciliation cycle period in seconds (required)")
	root.Flags().IntVar(&args.StatusPort, "status_port", 0, "TCP port for the status protocol (required)")
	root.Flags().StringVar(&args.User, "user", "", "user to drop privileges to (not implemented by this build; a warning is logged)")
	root.Flags().StringVar(&args.PIDFile, "pid_file", "", "write the process pid to this file")
	root.Flags().BoolVar(&args.Daemonize, "daemonize", false, "detach from the controlling terminal (accepted, but this build does not detach)")
	root.Flags().BoolVar(&showVersion, "version", false, "print version and exit 1")

	for _, name := range []string{"jobsconfig", "logconfig", "max_running_time", "loop_timeout", "status_port"} {
		_ = root.MarkFlagRequired(name)
	}

	return root
}

// run wires every component together and blocks until shutdown completes.
func run(ctx context.Context, args Args) error {
	logger, rotator, err := logging.Setup(args.LogConfig)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	defer rotator.Close()
	slog.SetDefault(logger)

	if args.PIDFile != "" {
		if err := os.WriteFile(args.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("cli: write pid_file: %w", err)
		}
		defer os.Remove(args.PIDFile)
	}

	if args.User != "" {
		logger.Warn("cli: --user privilege drop requested but not implemented by this build", "user", args.User)
	}

	proc := procstate.New(ctx)
	reg := registry.New()
	mcol := metrics.NewCollector()

	rec := reconciler.New(reconciler.Options{
		JobsConfigPath: args.JobsConfig,
		LoopTimeout:    args.LoopTimeout,
		MaxRunningTime: args.MaxRunningTime,
		Registry:       reg,
		Metrics:        mcol,
		Proc:           proc,
		// The real JQ client library is an external collaborator this
		// repository does not vendor; fake.New stands in so the process
		// is fully runnable end to end against a scriptable worker.
		NewWorker: func() jq.Worker { return fake.New() },
		Logger:    logger,
	})

	statusSrv := status.New(reg, mcol, logger)

	// runCtx is canceled the moment the reconciler's Run loop returns, be it
	// via an error or a clean shutdown-drain exit (reconciler.go never
	// returns a non-nil error on SIGUSR1/SIGTERM/SIGINT/SIGHUP — it just
	// returns nil once draining completes). errgroup.WithContext only
	// cancels gctx on a non-nil error or Wait() returning, so without this
	// the status and metrics servers would never see their listeners torn
	// down and the process would hang after a graceful shutdown.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancelRun()
		return rec.Run(gctx)
	})
	g.Go(func() error { return statusSrv.Serve(gctx, args.StatusPort) })
	g.Go(func() error { return serveMetrics(gctx, args.StatusPort+1, mcol) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	g.Go(func() error {
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGUSR1 {
					proc.TriggerGraceful()
				} else {
					proc.TriggerHard()
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// serveMetrics mounts the Prometheus /metrics endpoint on its own port
// (status_port + 1), shutting down when ctx is done.
func serveMetrics(ctx context.Context, port int, mcol *metrics.Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mcol.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("cli: metrics server: %w", err)
	}
	return nil
}
