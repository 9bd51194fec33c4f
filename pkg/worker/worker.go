package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptrsweep/ptrsweep/pkg/coordinator"
	"github.com/ptrsweep/ptrsweep/pkg/log"
	"github.com/ptrsweep/ptrsweep/pkg/metrics"
	"github.com/ptrsweep/ptrsweep/pkg/resolver"
	"github.com/ptrsweep/ptrsweep/pkg/types"
)

// resultBatchSize is SMAX_RESULTBATCH in the original tool: the worker
// flushes results to the coordinator every this-many addresses.
const resultBatchSize = 1024

// Worker drives one fetch -> work -> finish loop against a single
// per-worker Resolver Driver. A Worker is not safe for concurrent use; run
// one per goroutine.
type Worker struct {
	id     string
	driver *resolver.Driver
	coord  *coordinator.Coordinator
	log    zerolog.Logger
}

// New builds a Worker identified by id, driving driver and coord.
func New(id string, driver *resolver.Driver, coord *coordinator.Coordinator) *Worker {
	return &Worker{
		id:     id,
		driver: driver,
		coord:  coord,
		log:    log.WithWorkerID(id),
	}
}

// Run loops fetch -> work -> finish until the coordinator signals
// shutdown, the context is canceled, or the resolver pool is exhausted.
// Pool exhaustion is returned as an error; the other two are not.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	for {
		job, err := w.coord.RetrieveJob(ctx)
		if errors.Is(err, coordinator.ErrShutdown) {
			w.log.Info().Msg("worker stopping: coordinator shut down")
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.log.Info().Msg("worker stopping: context done")
			return nil
		}
		if err != nil {
			return err
		}

		metrics.WorkersRunning.Inc()
		err = w.runJob(ctx, job)
		metrics.WorkersRunning.Dec()

		if errors.Is(err, resolver.ErrNoGoodNameservers) {
			w.log.Error().Err(err).Int64("job_id", job.ID).Msg("resolver pool exhausted, worker exiting; job left dispensed")
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.log.Info().Int64("job_id", job.ID).Msg("worker stopping mid-job: context done; job left dispensed")
			return nil
		}
		if err != nil {
			w.log.Error().Err(err).Int64("job_id", job.ID).Msg("job failed")
		}
	}
}

// runJob resolves every address in job's range, batching results back to
// the coordinator, and finishes the job. A fatal resolver error, or ctx
// being canceled between IPs, aborts mid-job and leaves the job dispensed
// for the watchdog to recover.
func (w *Worker) runJob(ctx context.Context, job *types.Job) error {
	if err := w.coord.StartJob(ctx, job); err != nil {
		return err
	}
	w.log.Info().Int64("job_id", job.ID).Uint64("ipfrom", job.IPFrom).Uint64("ipto", job.IPTo).Msg("working job")

	var stats types.JobStats
	timer := metrics.NewTimer()
	batch := make([]types.PTRRecord, 0, resultBatchSize)

	for ip := job.IPFrom; ip < job.IPTo; ip++ {
		if ctx.Err() != nil {
			// Shutdown mid-job: leave it dispensed rather than finish it, so
			// the watchdog recovers it on next start (spec.md §5). The flush
			// uses a context that is not canceled so the batch can still land.
			w.flush(context.WithoutCancel(ctx), &batch)
			return ctx.Err()
		}

		ptr, outcome, resolveErr := w.driver.Resolve(ctx, uint32(ip))
		if resolveErr != nil {
			// The pool was already exhausted before this address could be
			// queried; nothing to record for it. Flush what's collected so
			// far and bail, leaving the job dispensed.
			w.flush(context.WithoutCancel(ctx), &batch)
			return resolveErr
		}

		recordOutcome(&stats, outcome)
		batch = append(batch, types.PTRRecord{IP: uint32(ip), PTR: ptr})
		if len(batch) >= resultBatchSize {
			w.flush(ctx, &batch)
		}
	}
	w.flush(ctx, &batch)
	metrics.JobDuration.Observe(timer.Duration().Seconds())

	now := time.Now()
	job.CompletedAt = &now
	ns := w.driver.Current()
	job.Nameserver = &ns
	errCount := stats.ErrorCountTotal()
	job.ErrorCount = &errCount
	nxCount := stats.NXDomainCount
	job.NXDomainCount = &nxCount

	if err := w.coord.FinishJob(ctx, job); err != nil {
		return err
	}
	w.log.Info().Int64("job_id", job.ID).Int("resolved", stats.ResolveCount).Int("errors", errCount).Msg("job finished")
	return nil
}

func recordOutcome(stats *types.JobStats, outcome resolver.Outcome) {
	switch outcome {
	case resolver.Success:
		stats.ResolveCount++
	case resolver.NXDomain:
		stats.ResolveCount++
		stats.NXDomainCount++
	case resolver.Servfail:
		stats.ServfailCount++
	case resolver.Timeout:
		stats.TimeoutCount++
	case resolver.CommError:
		stats.ErrCount++
	}
}

// flush sends batch to the coordinator and clears it in place. A store
// failure is logged, not propagated: results for that batch are lost, but
// the job keeps going, matching the original tool's best-effort policy.
func (w *Worker) flush(ctx context.Context, batch *[]types.PTRRecord) {
	if len(*batch) == 0 {
		return
	}
	if err := w.coord.StoreResults(ctx, *batch); err != nil {
		w.log.Error().Err(err).Int("batch_size", len(*batch)).Msg("store results failed, batch dropped")
	}
	*batch = (*batch)[:0]
}
