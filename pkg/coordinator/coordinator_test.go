package coordinator_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ptrsweep/ptrsweep/pkg/config"
	"github.com/ptrsweep/ptrsweep/pkg/coordinator"
	"github.com/ptrsweep/ptrsweep/pkg/storage"
	"github.com/ptrsweep/ptrsweep/pkg/types"
)

func openStores(t *testing.T) (*storage.JobStore, *storage.ResultStore) {
	t.Helper()
	dir := t.TempDir()
	jobDB, jobDialect, err := storage.Open(context.Background(), fmt.Sprintf("sqlite:///%s", filepath.Join(dir, "jobs.db")))
	require.NoError(t, err)
	t.Cleanup(func() { jobDB.Close() })
	resultDB, resultDialect, err := storage.Open(context.Background(), fmt.Sprintf("sqlite:///%s", filepath.Join(dir, "results.db")))
	require.NoError(t, err)
	t.Cleanup(func() { resultDB.Close() })
	return storage.NewJobStore(jobDB, jobDialect), storage.NewResultStore(resultDB, resultDialect)
}

func testConfig(blocks int) config.Config {
	cfg := config.Defaults()
	cfg.StartIP = 0
	cfg.EndIP = uint64(blocks) * cfg.BlockSize
	return cfg
}

func TestNewSeedsEmptyStore(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(10)

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	n, err := jobStore.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 10, n)
}

func TestRetrieveJobDispensesEachJobOnce(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(3)

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	seen := make(map[int64]bool)
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		job, err := c.RetrieveJob(ctx)
		cancel()
		require.NoError(t, err)
		require.False(t, seen[job.ID], "job %d dispensed twice", job.ID)
		seen[job.ID] = true
		require.NotNil(t, job.RetrievedAt)
	}
}

func TestRetrieveJobBlocksWhenEmpty(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(1)

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	_, err = c.RetrieveJob(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.RetrieveJob(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetrieveJobRefillsWithRecycledJobs(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(1)
	cfg.Recycle = true

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	job, err := c.RetrieveJob(context.Background())
	require.NoError(t, err)

	now := time.Now()
	job.CompletedAt = &now
	require.NoError(t, c.FinishJob(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recycled, err := c.RetrieveJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, recycled.ID)
	require.Nil(t, recycled.CompletedAt)
}

func TestStoreResultsBestEffortByDefault(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(1)

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	err = c.StoreResults(context.Background(), []types.PTRRecord{
		{IP: 1, PTR: types.ResultNXDomain},
		{IP: 2, PTR: "host.example.com."},
	})
	require.NoError(t, err)

	n, err := resultStore.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestInitCoordinatorIsASingleton(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(2)

	first, err := coordinator.InitCoordinator(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer first.Shutdown()

	require.Same(t, first, coordinator.GetCoordinator())

	otherJobStore, otherResultStore := openStores(t)
	second, err := coordinator.InitCoordinator(context.Background(), otherJobStore, otherResultStore, testConfig(5))
	require.NoError(t, err)
	require.Same(t, first, second, "InitCoordinator must not rebuild once a coordinator exists")
}

func TestWatchdogRecoversNeglectedJob(t *testing.T) {
	jobStore, resultStore := openStores(t)
	cfg := testConfig(1)

	c, err := coordinator.New(context.Background(), jobStore, resultStore, cfg)
	require.NoError(t, err)
	defer c.Shutdown()

	job, err := c.RetrieveJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, jobStore.MarkRetrieved(context.Background(), job.ID, time.Now().Add(-time.Hour)))

	go c.RunWatchdog(context.Background(), 10*time.Millisecond, time.Minute)
	require.Eventually(t, func() bool {
		neglected, err := jobStore.FindNeglected(context.Background(), time.Now())
		return err == nil && len(neglected) == 0
	}, time.Second, 10*time.Millisecond)
}
