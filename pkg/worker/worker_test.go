package worker_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/ptrsweep/ptrsweep/pkg/config"
	"github.com/ptrsweep/ptrsweep/pkg/coordinator"
	"github.com/ptrsweep/ptrsweep/pkg/resolver"
	"github.com/ptrsweep/ptrsweep/pkg/storage"
	"github.com/ptrsweep/ptrsweep/pkg/worker"
)

// nxdomainExchanger answers every query NXDOMAIN without touching a
// network, so a worker test can run the full 2048-address loop instantly.
type nxdomainExchanger struct{}

func (nxdomainExchanger) Exchange(m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	resp := &dns.Msg{}
	resp.SetReply(m)
	resp.Rcode = dns.RcodeNameError
	return resp, 0, nil
}

func openCoordinator(t *testing.T, blockCount int, blockSize uint64) (*coordinator.Coordinator, *storage.JobStore, *storage.ResultStore) {
	t.Helper()
	dir := t.TempDir()
	jobDB, jobDialect, err := storage.Open(context.Background(), fmt.Sprintf("sqlite:///%s", filepath.Join(dir, "jobs.db")))
	require.NoError(t, err)
	t.Cleanup(func() { jobDB.Close() })
	resultDB, resultDialect, err := storage.Open(context.Background(), fmt.Sprintf("sqlite:///%s", filepath.Join(dir, "results.db")))
	require.NoError(t, err)
	t.Cleanup(func() { resultDB.Close() })

	jobStore := storage.NewJobStore(jobDB, jobDialect)
	resultStore := storage.NewResultStore(resultDB, resultDialect)

	cfg := config.Defaults()
	cfg.StartIP = 0
	cfg.BlockSize = blockSize
	cfg.EndIP = uint64(blockCount) * blockSize
	cfg.Recycle = false

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	return c, jobStore, resultStore
}

// runToCompletion starts w.Run and immediately signals shutdown: the one
// buffered job is still delivered from the closed channel, so the worker
// finishes it before observing the shutdown signal on its next fetch.
func runToCompletion(t *testing.T, w *worker.Worker, c *coordinator.Coordinator) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	c.Shutdown()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after coordinator shutdown")
		return nil
	}
}

func TestWorkerBatchesResultsAt1024(t *testing.T) {
	c, jobStore, resultStore := openCoordinator(t, 1, 2048)

	driver := resolver.NewDriverForTesting([]string{"9.9.9.9"}, nxdomainExchanger{})
	w := worker.New("w1", driver, c)

	require.NoError(t, runToCompletion(t, w, c))

	n, err := resultStore.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2048, n)

	completed, err := jobStore.FetchCompletedForRecycle(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.EqualValues(t, 2048, *completed[0].NXDomainCount)
	require.EqualValues(t, 0, *completed[0].ErrorCount)
}

func TestWorkerStopsOnPoolExhaustion(t *testing.T) {
	c, jobStore, _ := openCoordinator(t, 1, 64)

	driver := resolver.NewDriverForTesting([]string{"1.1.1.1"}, alwaysCommErrorExchanger{})
	w := worker.New("w1", driver, c)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, resolver.ErrNoGoodNameservers)

	// The job was dispensed and started but never finished: it shows up as
	// neglected (retrieved, not completed) rather than as a fresh NEW job.
	neglected, ferr := jobStore.FindNeglected(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, ferr)
	require.Len(t, neglected, 1)
	require.NotNil(t, neglected[0].StartedAt)
	require.Nil(t, neglected[0].CompletedAt)
}

type alwaysCommErrorExchanger struct{}

func (alwaysCommErrorExchanger) Exchange(m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	return nil, 0, fmt.Errorf("connection refused")
}

// cancelAfterExchanger answers NXDOMAIN like nxdomainExchanger, but calls
// cancel once it has served n queries, so a test can observe a worker
// abandoning a job mid-loop instead of running it to completion.
type cancelAfterExchanger struct {
	n      int
	cancel context.CancelFunc
	served int
}

func (e *cancelAfterExchanger) Exchange(m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	e.served++
	if e.served == e.n {
		e.cancel()
	}
	resp := &dns.Msg{}
	resp.SetReply(m)
	resp.Rcode = dns.RcodeNameError
	return resp, 0, nil
}

func TestWorkerAbandonsJobOnContextCancellation(t *testing.T) {
	c, jobStore, _ := openCoordinator(t, 1, 2048)

	ctx, cancel := context.WithCancel(context.Background())
	ex := &cancelAfterExchanger{n: 10, cancel: cancel}
	driver := resolver.NewDriverForTesting([]string{"9.9.9.9"}, ex)
	w := worker.New("w1", driver, c)

	err := w.Run(ctx)
	require.NoError(t, err, "context cancellation mid-job is a graceful stop, not an error")

	// Abandoned mid-loop: retrieved and started, never completed.
	neglected, ferr := jobStore.FindNeglected(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, ferr)
	require.Len(t, neglected, 1)
	require.NotNil(t, neglected[0].StartedAt)
	require.Nil(t, neglected[0].CompletedAt)
}
