// Package config holds the typed configuration for a ptrsweep run.
package config

import "time"

// Config holds every tunable of a sweep. Defaults returns the baseline
// values; callers (the CLI) overlay flags on top of that.
type Config struct {
	// StartIP/EndIP/BlockSize define the swept address space, per the
	// IPv4 Block Generator contract. These are uint64 (not uint32) only
	// so the default EndIP of 2^32 — one past the last IPv4 address —
	// can be represented without wrapping; every address actually
	// produced by the sweep still fits in 32 bits.
	StartIP   uint64
	EndIP     uint64
	BlockSize uint64

	// JobsDBURL and ResultsDBURL are scheme://... connection strings.
	// Supported schemes: "sqlite" (path after the triple slash) and
	// "postgres"/"postgresql".
	JobsDBURL    string
	ResultsDBURL string

	// NewJobsDB forces a full re-seed of the job store (--newdb).
	NewJobsDB bool

	// Workers is the number of concurrent worker loops to run.
	Workers int

	// Recycle controls whether completed jobs are re-dispensed once the
	// NEW job supply runs dry. Disable for a single terminating sweep.
	Recycle bool

	// ResultRetry is how many times to retry a failed result batch commit
	// before dropping it (spec's default, 0, is best-effort/no-retry).
	ResultRetry int

	// WatchdogInterval is how often the coordinator's watchdog loop
	// scans for neglected jobs. WatchdogNeglect is how old a
	// dispensed-but-not-completed job must be before it is recovered.
	WatchdogInterval time.Duration
	WatchdogNeglect  time.Duration

	// MetricsAddr is the HTTP listen address for /metrics and /healthz.
	// Empty disables the metrics server.
	MetricsAddr string

	// Debug enables verbose logging and mounts net/http/pprof's profiling
	// endpoints under /debug/pprof/ on the metrics server.
	Debug bool
}

// Defaults returns the configuration baseline from spec.md §6: the
// roughly 4.26-billion-address non-private IPv4 space from 1.0.0.0 up, in
// 4096-address blocks,
// against local SQLite stores.
func Defaults() Config {
	return Config{
		StartIP:          1 << 24,
		EndIP:            1 << 32,
		BlockSize:        1 << 12,
		JobsDBURL:        "sqlite:///jobs.db",
		ResultsDBURL:     "sqlite:///results.db",
		Workers:          5,
		Recycle:          true,
		ResultRetry:      0,
		WatchdogInterval: 30 * time.Second,
		WatchdogNeglect:  10 * time.Minute,
	}
}
