package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptrsweep/ptrsweep/pkg/blockgen"
	"github.com/ptrsweep/ptrsweep/pkg/config"
	"github.com/ptrsweep/ptrsweep/pkg/log"
	"github.com/ptrsweep/ptrsweep/pkg/metrics"
	"github.com/ptrsweep/ptrsweep/pkg/storage"
	"github.com/ptrsweep/ptrsweep/pkg/types"
)

// Batch is the refill unit: the in-memory queue is topped up by at most
// this many jobs per refill pass.
const Batch = 1024

// seedCommitBatch is how many job rows the initial seed commits at a time.
// It is unrelated to BlockSize; the original tool conflated the two.
const seedCommitBatch = 1000

// ErrShutdown is returned by RetrieveJob once the coordinator has been
// shut down and the queue has drained: it is the worker loop's ordinary
// termination signal, not a failure.
var ErrShutdown = errors.New("coordinator: shut down")

// Coordinator is the C2: it owns the Job Store and Result Store write
// paths and exposes the fetch/store/finish operations a worker drives.
type Coordinator struct {
	jobStore    *storage.JobStore
	resultStore *storage.ResultStore
	recycle     bool
	resultRetry int

	queue        chan *types.Job
	refillMu     sync.Mutex
	shutdown     bool
	shutdownOnce sync.Once

	log zerolog.Logger
}

// New builds a Coordinator, seeding the Job Store from the Block Generator
// if cfg.NewJobsDB is set or the store is currently empty, then performs
// the initial queue refill.
func New(ctx context.Context, jobStore *storage.JobStore, resultStore *storage.ResultStore, cfg config.Config) (*Coordinator, error) {
	if cfg.NewJobsDB {
		if err := jobStore.Reset(ctx); err != nil {
			return nil, fmt.Errorf("reset job store for --newdb: %w", err)
		}
	}

	total, err := jobStore.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count existing jobs: %w", err)
	}
	if total == 0 {
		blocks := blockgen.Generate(cfg.StartIP, cfg.EndIP, cfg.BlockSize)
		if err := jobStore.Seed(ctx, blocks, seedCommitBatch); err != nil {
			return nil, fmt.Errorf("seed job store: %w", err)
		}
	}

	c := &Coordinator{
		jobStore:    jobStore,
		resultStore: resultStore,
		recycle:     cfg.Recycle,
		resultRetry: cfg.ResultRetry,
		queue:       make(chan *types.Job, Batch),
		log:         log.WithComponent("coordinator"),
	}
	c.refill(ctx)
	return c, nil
}

var (
	instance     *Coordinator
	instanceOnce sync.Once
)

// InitCoordinator builds the process-wide Coordinator via New and stores it
// for GetCoordinator. It is a thin accessor on top of explicit
// construction, not a replacement for it: only the CLI entry point should
// call this, once, at startup. Later calls are no-ops — the first
// construction wins.
func InitCoordinator(ctx context.Context, jobStore *storage.JobStore, resultStore *storage.ResultStore, cfg config.Config) (*Coordinator, error) {
	var err error
	instanceOnce.Do(func() {
		instance, err = New(ctx, jobStore, resultStore, cfg)
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// GetCoordinator returns the coordinator built by InitCoordinator, or nil
// if InitCoordinator has not been called yet.
func GetCoordinator() *Coordinator {
	return instance
}

// RetrieveJob blocks until a job is available, marks it retrieved, and
// returns it. It returns ErrShutdown once Shutdown has been called and the
// queue has drained — the worker's ordinary "nothing left to do" signal.
func (c *Coordinator) RetrieveJob(ctx context.Context) (*types.Job, error) {
	select {
	case job, ok := <-c.queue:
		if !ok {
			return nil, ErrShutdown
		}
		now := time.Now()
		if err := c.jobStore.MarkRetrieved(ctx, job.ID, now); err != nil {
			c.log.Error().Err(err).Int64("job_id", job.ID).Msg("mark retrieved failed")
		}
		job.RetrievedAt = &now

		metrics.JobsDispensedTotal.Inc()
		metrics.JobsQueueDepth.Set(float64(len(c.queue)))

		if len(c.queue) == 0 {
			go c.refill(context.Background())
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refill runs the two-step queue refill algorithm under a single-writer
// lock: new jobs first, then recycled completed jobs if still short and
// recycling is enabled. It is a no-op if another refill already topped the
// queue back up.
func (c *Coordinator) refill(ctx context.Context) {
	c.refillMu.Lock()
	defer c.refillMu.Unlock()

	if c.shutdown || len(c.queue) > 0 {
		return
	}

	newJobs, err := c.jobStore.FetchNew(ctx, Batch)
	if err != nil {
		c.log.Error().Err(err).Msg("refill: fetch new jobs failed")
		return
	}
	for _, j := range newJobs {
		c.queue <- j
	}

	remaining := Batch - len(newJobs)
	if remaining > 0 && c.recycle {
		recycled, err := c.jobStore.FetchCompletedForRecycle(ctx, remaining)
		if err != nil {
			c.log.Error().Err(err).Msg("refill: fetch recycled jobs failed")
		} else {
			metrics.JobsRecycledTotal.Add(float64(len(recycled)))
			for _, j := range recycled {
				c.queue <- j
			}
		}
	}

	n := len(newJobs)
	c.log.Info().Int("new", n).Int("queue_depth", len(c.queue)).Msg("refilled queue")
	metrics.JobsQueueDepth.Set(float64(len(c.queue)))
}

// StoreResults upserts a batch of PTR records. If ResultRetry is
// configured greater than zero, a failed batch is retried that many times
// with a short linear backoff before the error is returned; the default,
// matching the original tool, is a single best-effort attempt.
func (c *Coordinator) StoreResults(ctx context.Context, records []types.PTRRecord) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResultBatchDuration)

	var err error
	attempts := c.resultRetry + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err = c.resultStore.StoreBatch(ctx, records); err == nil {
			metrics.ResultsStoredTotal.Add(float64(len(records)))
			return nil
		}
		if attempt < attempts-1 {
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("store_results failed, retrying")
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}
	c.log.Error().Err(err).Int("batch_size", len(records)).Msg("store_results failed, batch dropped")
	return fmt.Errorf("store results: %w", err)
}

// StartJob marks a dispensed job as started, both in the Job Store and on
// the in-memory job the worker holds.
func (c *Coordinator) StartJob(ctx context.Context, job *types.Job) error {
	now := time.Now()
	if err := c.jobStore.MarkStarted(ctx, job.ID, now); err != nil {
		return fmt.Errorf("mark job %d started: %w", job.ID, err)
	}
	job.StartedAt = &now
	return nil
}

// FinishJob merges a worker-completed job back into the Job Store.
// Replaying with identical fields is a no-op in effect. If the queue is
// currently empty, this also nudges a refill: a blocked RetrieveJob would
// otherwise never learn that a freshly completed job is now recyclable.
func (c *Coordinator) FinishJob(ctx context.Context, job *types.Job) error {
	if err := c.jobStore.Finish(ctx, job); err != nil {
		return fmt.Errorf("finish job %d: %w", job.ID, err)
	}
	metrics.JobsCompletedTotal.Inc()
	if c.recycle && len(c.queue) == 0 {
		go c.refill(context.Background())
	}
	return nil
}

// Shutdown closes the queue: a pending or future RetrieveJob drains
// whatever remains and then returns ErrShutdown. It is safe to call
// concurrently with an in-flight refill; shutdown waits for it to finish
// so nothing ever sends on a closed queue.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.refillMu.Lock()
		c.shutdown = true
		c.refillMu.Unlock()
		close(c.queue)
	})
}

// RunWatchdog runs the neglected-job scan on interval until ctx is
// canceled. A job is neglected if it was retrieved more than neglect ago
// but never completed; recovering it clears retrieved_at/started_at so the
// next refill's "new job" query picks it back up.
func (c *Coordinator) RunWatchdog(ctx context.Context, interval, neglect time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.watchdogPass(ctx, neglect); err != nil {
				c.log.Error().Err(err).Msg("watchdog pass failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) watchdogPass(ctx context.Context, neglect time.Duration) error {
	cutoff := time.Now().Add(-neglect)
	neglected, err := c.jobStore.FindNeglected(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find neglected jobs: %w", err)
	}
	if len(neglected) == 0 {
		return nil
	}

	ids := make([]int64, len(neglected))
	for i, j := range neglected {
		ids[i] = j.ID
	}
	if err := c.jobStore.Recover(ctx, ids); err != nil {
		return fmt.Errorf("recover neglected jobs: %w", err)
	}

	c.log.Warn().Int("count", len(neglected)).Msg("recovered neglected jobs")
	metrics.JobsRecoveredTotal.Add(float64(len(neglected)))
	return nil
}
