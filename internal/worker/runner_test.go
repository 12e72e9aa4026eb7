package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
)

type fakeExecutor struct {
	mu        sync.Mutex
	inFlight  int32
	maxSeen   int32
	finished  []string
	cancelled []string
	block     time.Duration
}

func (e *fakeExecutor) Run(ctx context.Context, job *model.Job, params *model.SourceParams) error {
	cur := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&e.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&e.maxSeen, seen, cur) {
			break
		}
	}
	select {
	case <-ctx.Done():
		e.mu.Lock()
		e.cancelled = append(e.cancelled, job.JobID)
		e.mu.Unlock()
		return ctx.Err()
	case <-time.After(e.block):
	}
	e.mu.Lock()
	e.finished = append(e.finished, job.JobID)
	e.mu.Unlock()
	return nil
}

func job(id string) *model.Job {
	return &model.Job{JobID: id, TenantID: "tenant-a", Source: model.SourceFileUpload}
}

func TestRunnerExecutesSubmittedJobs(t *testing.T) {
	executor := &fakeExecutor{block: 5 * time.Millisecond}
	runner, err := NewRunner(context.Background(), 4, executor)
	require.NoError(t, err)
	defer runner.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, runner.Submit(job(string(rune('a'+i))), &model.SourceParams{}))
	}
	require.Eventually(t, func() bool {
		executor.mu.Lock()
		defer executor.mu.Unlock()
		return len(executor.finished) == 6
	}, time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&executor.maxSeen), int32(4))
}

func TestRunnerCancelStopsJob(t *testing.T) {
	executor := &fakeExecutor{block: time.Minute}
	runner, err := NewRunner(context.Background(), 2, executor)
	require.NoError(t, err)
	defer runner.Close()

	require.NoError(t, runner.Submit(job("slow-1"), &model.SourceParams{}))
	require.Eventually(t, func() bool {
		return runner.Running() == 1
	}, time.Second, time.Millisecond)

	require.True(t, runner.Cancel("slow-1"))
	require.Eventually(t, func() bool {
		executor.mu.Lock()
		defer executor.mu.Unlock()
		return len(executor.cancelled) == 1
	}, time.Second, time.Millisecond)

	// Once the goroutine unwinds, the job is forgotten.
	require.Eventually(t, func() bool {
		return !runner.Cancel("slow-1")
	}, time.Second, time.Millisecond)
	require.False(t, runner.Cancel("never-seen"))
}
