package schedule

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/pkg/timeutil"
	"github.com/Boswecw/rake/internal/repo"
)

// JobRetentionJob prunes terminal job records older than the retention
// window.
type JobRetentionJob struct {
	jobs *repo.JobRepo
	days int
}

func NewJobRetentionJob(jobs *repo.JobRepo, days int) *JobRetentionJob {
	return &JobRetentionJob{jobs: jobs, days: days}
}

func (j *JobRetentionJob) Name() string {
	return "job_retention"
}

func (j *JobRetentionJob) Run(ctx context.Context) error {
	if j.days <= 0 {
		return nil
	}
	cutoff := timeutil.NowUnixMilli() - int64(j.days)*24*time.Hour.Milliseconds()
	deleted, err := j.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logutil.GetLogger(ctx).Info("pruned terminal jobs",
			zap.Int64("deleted", deleted),
			zap.Int("retention_days", j.days),
		)
	}
	return nil
}
