package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/didi/gendry/builder"

	"github.com/Boswecw/rake/internal/model"
	"github.com/Boswecw/rake/internal/pkg/dbutil"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

const maxPageSize = 1000

var jobColumns = []string{
	"job_id", "correlation_id", "source", "tenant_id", "status",
	"created_at", "completed_at", "duration_ms",
	"documents_stored", "chunks_created", "embeddings_generated",
	"error_message", "stages_completed", "source_params", "metadata",
}

// JobRepo is the durable job store. Every update is a single-row statement;
// there are no multi-row transactions.
type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, job *model.Job) error {
	stages, err := json.Marshal(job.StagesCompleted)
	if err != nil {
		return err
	}
	if job.StagesCompleted == nil {
		stages = []byte("[]")
	}
	params := job.SourceParams
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return err
	}
	if job.Metadata == nil {
		meta = []byte("{}")
	}
	data := map[string]interface{}{
		"job_id":               job.JobID,
		"correlation_id":       job.CorrelationID,
		"source":               string(job.Source),
		"tenant_id":            job.TenantID,
		"status":               string(job.Status),
		"created_at":           job.CreatedAt,
		"completed_at":         job.CompletedAt,
		"duration_ms":          job.DurationMS,
		"documents_stored":     job.DocumentsStored,
		"chunks_created":       job.ChunksCreated,
		"embeddings_generated": job.EmbeddingsGenerated,
		"error_message":        job.ErrorMessage,
		"stages_completed":     string(stages),
		"source_params":        string(params),
		"metadata":             string(meta),
	}
	sqlStr, args, err := builder.BuildInsert("jobs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.Wrapf(appErr.ErrConflict, "job %s already exists", job.JobID)
		}
		return err
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*model.Job, error) {
	where := map[string]interface{}{"job_id": jobID}
	sqlStr, args, err := builder.BuildSelect("jobs", where, jobColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, appErr.Wrapf(appErr.ErrNotFound, "job %s", jobID)
	}
	return scanJob(rows)
}

func (r *JobRepo) GetByCorrelation(ctx context.Context, correlationID string) ([]*model.Job, error) {
	where := map[string]interface{}{
		"correlation_id": correlationID,
		"_orderby":       "created_at desc",
	}
	sqlStr, args, err := builder.BuildSelect("jobs", where, jobColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Update applies a partial patch to one job row. A missing row is a no-op
// returning ErrNotFound so the caller can decide whether that matters.
func (r *JobRepo) Update(ctx context.Context, jobID string, patch *model.JobPatch) error {
	update := map[string]interface{}{}
	if patch.Status != nil {
		update["status"] = string(*patch.Status)
	}
	if patch.CompletedAt != nil {
		update["completed_at"] = *patch.CompletedAt
	}
	if patch.DurationMS != nil {
		update["duration_ms"] = *patch.DurationMS
	}
	if patch.DocumentsStored != nil {
		update["documents_stored"] = *patch.DocumentsStored
	}
	if patch.ChunksCreated != nil {
		update["chunks_created"] = *patch.ChunksCreated
	}
	if patch.EmbeddingsGenerated != nil {
		update["embeddings_generated"] = *patch.EmbeddingsGenerated
	}
	if patch.ErrorMessage != nil {
		update["error_message"] = *patch.ErrorMessage
	}
	if patch.StagesCompleted != nil {
		stages, err := json.Marshal(patch.StagesCompleted)
		if err != nil {
			return err
		}
		update["stages_completed"] = string(stages)
	}
	if len(update) == 0 {
		return nil
	}
	where := map[string]interface{}{"job_id": jobID}
	sqlStr, args, err := builder.BuildUpdate("jobs", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.Wrapf(appErr.ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (r *JobRepo) List(ctx context.Context, filter model.JobFilter, page, pageSize int) ([]*model.Job, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	where := map[string]interface{}{}
	if filter.TenantID != "" {
		where["tenant_id"] = filter.TenantID
	}
	if filter.Status != "" {
		where["status"] = string(filter.Status)
	}
	if filter.CreatedAfter > 0 {
		where["created_at >="] = filter.CreatedAfter
	}
	if filter.CreatedBefore > 0 {
		where["created_at <"] = filter.CreatedBefore
	}

	countWhere := map[string]interface{}{}
	for k, v := range where {
		countWhere[k] = v
	}
	countSQL, countArgs, err := builder.BuildSelect("jobs", countWhere, []string{"count(1)"})
	if err != nil {
		return nil, 0, err
	}
	countSQL, countArgs = dbutil.Finalize(countSQL, countArgs)
	var total int64
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	where["_orderby"] = "created_at desc"
	where["_limit"] = []uint{uint((page - 1) * pageSize), uint(pageSize)}
	sqlStr, args, err := builder.BuildSelect("jobs", where, jobColumns)
	if err != nil {
		return nil, 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// DeleteTerminalBefore removes terminal jobs created before cutoff, for retention pruning.
func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	where := map[string]interface{}{
		"status in":    []interface{}{string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled)},
		"created_at <": cutoff,
	}
	sqlStr, args, err := builder.BuildDelete("jobs", where)
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *JobRepo) HealthCheck(ctx context.Context) bool {
	return r.db.PingContext(ctx) == nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var completedAt sql.NullInt64
	var stages, params, meta string
	if err := row.Scan(
		&job.JobID, &job.CorrelationID, &job.Source, &job.TenantID, &job.Status,
		&job.CreatedAt, &completedAt, &job.DurationMS,
		&job.DocumentsStored, &job.ChunksCreated, &job.EmbeddingsGenerated,
		&job.ErrorMessage, &stages, &params, &meta,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		v := completedAt.Int64
		job.CompletedAt = &v
	}
	if err := json.Unmarshal([]byte(stages), &job.StagesCompleted); err != nil {
		return nil, err
	}
	job.SourceParams = json.RawMessage(params)
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return nil, err
	}
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
