package worker

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
)

// JobExecutor runs one job to a terminal state; *pipeline.Orchestrator is
// the production implementation.
type JobExecutor interface {
	Run(ctx context.Context, job *model.Job, params *model.SourceParams) error
}

// Runner executes accepted jobs on a bounded goroutine pool. Each job gets
// its own cancellable context; the node that accepted a job is its only
// owner, so the cancel registry is in-memory.
type Runner struct {
	pool    *ants.Pool
	orch    JobExecutor
	baseCtx context.Context
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRunner(baseCtx context.Context, maxWorkers int, orch JobExecutor) (*Runner, error) {
	pool, err := ants.NewPool(maxWorkers)
	if err != nil {
		return nil, err
	}
	return &Runner{
		pool:    pool,
		orch:    orch,
		baseCtx: baseCtx,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Submit enqueues the job for background execution. Submission blocks only
// when the pool's task queue is saturated.
func (r *Runner) Submit(job *model.Job, params *model.SourceParams) error {
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.mu.Lock()
	r.cancels[job.JobID] = cancel
	r.mu.Unlock()

	err := r.pool.Submit(func() {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, job.JobID)
			r.mu.Unlock()
			cancel()
		}()
		if err := r.orch.Run(ctx, job, params); err != nil {
			logutil.GetLogger(ctx).Debug("job finished with error",
				zap.String("job_id", job.JobID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		r.mu.Lock()
		delete(r.cancels, job.JobID)
		r.mu.Unlock()
		cancel()
	}
	return err
}

// Cancel signals a running job. It reports whether the job was known to
// this node.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports the number of in-flight jobs.
func (r *Runner) Running() int {
	return r.pool.Running()
}

func (r *Runner) Close() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.pool.Release()
}
