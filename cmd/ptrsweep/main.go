package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ptrsweep/ptrsweep/pkg/config"
	"github.com/ptrsweep/ptrsweep/pkg/coordinator"
	"github.com/ptrsweep/ptrsweep/pkg/log"
	"github.com/ptrsweep/ptrsweep/pkg/metrics"
	"github.com/ptrsweep/ptrsweep/pkg/resolver"
	"github.com/ptrsweep/ptrsweep/pkg/storage"
	"github.com/ptrsweep/ptrsweep/pkg/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ptrsweep",
	Short:   "Exhaustive reverse-DNS sweep of the IPv4 address space",
	Long:    `ptrsweep drives a coordinator and a pool of workers through every routable IPv4 address, resolving PTR records and persisting whatever comes back.`,
	Version: Version,
	RunE:    runSweep,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ptrsweep version %s\nCommit: %s\n", Version, Commit))

	defaults := config.Defaults()

	rootCmd.Flags().Bool("debug", false, "verbose logging")
	rootCmd.Flags().Bool("log-json", false, "output logs as JSON")
	rootCmd.Flags().String("jobsdb", defaults.JobsDBURL, "job store connection URL (sqlite:// or postgres://)")
	rootCmd.Flags().String("resultsdb", defaults.ResultsDBURL, "result store connection URL (sqlite:// or postgres://)")
	rootCmd.Flags().Bool("newdb", false, "wipe and re-seed the job store before starting")
	rootCmd.Flags().Int("workers", defaults.Workers, "number of concurrent worker loops")
	rootCmd.Flags().Uint64("start-ip", defaults.StartIP, "first address in the swept range")
	rootCmd.Flags().Uint64("end-ip", defaults.EndIP, "one past the last address in the swept range")
	rootCmd.Flags().Uint64("block-size", defaults.BlockSize, "addresses per job")
	rootCmd.Flags().Bool("no-recycle", false, "disable recycling completed jobs once the new-job supply runs dry")
	rootCmd.Flags().Int("result-retry", defaults.ResultRetry, "retries for a failed result batch commit before it is dropped")
	rootCmd.Flags().Duration("watchdog-interval", defaults.WatchdogInterval, "how often to scan for neglected jobs")
	rootCmd.Flags().Duration("watchdog-neglect", defaults.WatchdogNeglect, "how long a dispensed job may go unfinished before recovery")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "listen address for /metrics and /healthz; empty disables")
	rootCmd.Flags().StringSlice("nameservers", resolver.DefaultNameservers, "nameserver pool, shuffled per worker")
	rootCmd.Flags().Duration("resolve-timeout", 0, "per-query timeout; 0 uses the driver default")
	rootCmd.Flags().Bool("use-host-resolver", true, "append the host's own configured nameserver to the pool")

	cobra.OnInitialize(initLogging)
}

// initLogging reads flags directly off rootCmd: cobra runs OnInitialize
// hooks after flag parsing but before RunE, so the values are already
// bound by the time this fires.
func initLogging() {
	debug, _ := rootCmd.Flags().GetBool("debug")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: logJSON})
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nameservers, _ := cmd.Flags().GetStringSlice("nameservers")
	resolveTimeout, _ := cmd.Flags().GetDuration("resolve-timeout")
	useHostResolver, _ := cmd.Flags().GetBool("use-host-resolver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobsDB, jobsDialect, err := storage.Open(ctx, cfg.JobsDBURL)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobsDB.Close()

	resultsDB, resultsDialect, err := storage.Open(ctx, cfg.ResultsDBURL)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer resultsDB.Close()

	jobStore := storage.NewJobStore(jobsDB, jobsDialect)
	resultStore := storage.NewResultStore(resultsDB, resultsDialect)
	metrics.RegisterComponent("jobstore", true, "open")
	metrics.RegisterComponent("resultstore", true, "open")

	coord, err := coordinator.InitCoordinator(ctx, jobStore, resultStore, cfg)
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	metrics.RegisterComponent("coordinator", true, "seeded")

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/healthz", metrics.HealthHandler())
			mux.Handle("/readyz", metrics.ReadyHandler())
			mux.Handle("/livez", metrics.LivenessHandler())
			if cfg.Debug {
				mux.HandleFunc("/debug/pprof/", pprof.Index)
				mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
				mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
				mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
				mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			}
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		fmt.Printf("metrics: http://%s/metrics\n", cfg.MetricsAddr)
	}

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	go coord.RunWatchdog(watchdogCtx, cfg.WatchdogInterval, cfg.WatchdogNeglect)

	var wg sync.WaitGroup
	errCh := make(chan error, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		driver := resolver.NewDriver(nameservers, resolveTimeout, useHostResolver)
		w := worker.New(fmt.Sprintf("worker-%s", uuid.NewString()[:8]), driver, coord)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	fmt.Printf("ptrsweep running: %d workers, range [%d, %d), block size %d\n", cfg.Workers, cfg.StartIP, cfg.EndIP, cfg.BlockSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("shutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
	}

	stopWatchdog()
	coord.Shutdown()
	wg.Wait()

	fmt.Println("shutdown complete")
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()

	cfg.JobsDBURL, _ = cmd.Flags().GetString("jobsdb")
	cfg.ResultsDBURL, _ = cmd.Flags().GetString("resultsdb")
	cfg.NewJobsDB, _ = cmd.Flags().GetBool("newdb")
	cfg.Workers, _ = cmd.Flags().GetInt("workers")
	cfg.StartIP, _ = cmd.Flags().GetUint64("start-ip")
	cfg.EndIP, _ = cmd.Flags().GetUint64("end-ip")
	cfg.BlockSize, _ = cmd.Flags().GetUint64("block-size")
	cfg.ResultRetry, _ = cmd.Flags().GetInt("result-retry")
	cfg.WatchdogInterval, _ = cmd.Flags().GetDuration("watchdog-interval")
	cfg.WatchdogNeglect, _ = cmd.Flags().GetDuration("watchdog-neglect")
	cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	cfg.Debug, _ = cmd.Flags().GetBool("debug")

	noRecycle, _ := cmd.Flags().GetBool("no-recycle")
	cfg.Recycle = !noRecycle

	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("--workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.EndIP <= cfg.StartIP {
		return cfg, fmt.Errorf("--end-ip (%d) must be greater than --start-ip (%d)", cfg.EndIP, cfg.StartIP)
	}

	return cfg, nil
}
