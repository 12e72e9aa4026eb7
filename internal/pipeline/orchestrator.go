package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/timeutil"
	"github.com/Boswecw/rake/internal/source"
	"github.com/Boswecw/rake/internal/telemetry"
)

// JobStore is the slice of the job repository the orchestrator needs: the
// single-row patch it serializes per job.
type JobStore interface {
	Update(ctx context.Context, jobID string, patch *model.JobPatch) error
}

// AdapterProvider resolves the source adapter for a job; *source.Manager is
// the production implementation.
type AdapterProvider interface {
	Get(src model.Source, tenantID string) (source.Adapter, error)
}

// Stage names recorded in stages_completed, in execution order.
const (
	stageFetch = "fetch"
	stageClean = "clean"
	stageChunk = "chunk"
	stageEmbed = "embed"
	stageStore = "store"
)

// Orchestrator drives one job through FETCH, CLEAN, CHUNK, EMBED and STORE,
// owning every status transition on the job record. Mid-pipeline record
// updates are best effort; only the terminal transition is surfaced.
type Orchestrator struct {
	jobs         JobStore
	sources      AdapterProvider
	clean        *CleanStage
	chunker      *Chunker
	embed        *EmbedStage
	store        *StoreStage
	sink         telemetry.Sink
	stageTimeout time.Duration
}

func NewOrchestrator(
	jobs JobStore,
	sources AdapterProvider,
	clean *CleanStage,
	chunker *Chunker,
	embed *EmbedStage,
	store *StoreStage,
	sink telemetry.Sink,
	stageTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		jobs:         jobs,
		sources:      sources,
		clean:        clean,
		chunker:      chunker,
		embed:        embed,
		store:        store,
		sink:         sink,
		stageTimeout: stageTimeout,
	}
}

// Run executes the job to a terminal status. The returned error mirrors the
// terminal FAILED state for callers that care; the job record is already
// updated when Run returns.
func (o *Orchestrator) Run(ctx context.Context, job *model.Job, params *model.SourceParams) error {
	start := time.Now()
	logger := logutil.GetLogger(ctx).With(
		zap.String("job_id", job.JobID),
		zap.String("correlation_id", job.CorrelationID),
		zap.String("tenant_id", job.TenantID),
		zap.String("source", string(job.Source)),
	)
	logger.Info("pipeline starting")

	o.sink.Emit(ctx, telemetry.Event{
		EventType:     telemetry.EventJobStarted,
		CorrelationID: job.CorrelationID,
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		Metadata:      map[string]interface{}{"source": string(job.Source)},
	})

	var stagesDone []string
	fail := func(stage string, err error) error {
		return o.finishFailed(ctx, job, stage, err, start, logger)
	}

	// FETCH
	if err := o.checkCancelled(ctx); err != nil {
		return o.finishCancelled(ctx, job, start, logger)
	}
	o.transition(ctx, job.JobID, model.StatusFetching, logger)
	adapter, err := o.sources.Get(job.Source, job.TenantID)
	if err != nil {
		return fail(stageFetch, err)
	}
	stageStart := time.Now()
	var rawDocs []*model.RawDocument
	err = o.runStage(ctx, func(stageCtx context.Context) error {
		var fetchErr error
		rawDocs, fetchErr = adapter.Fetch(stageCtx, params)
		return fetchErr
	})
	if err != nil {
		return fail(stageFetch, err)
	}
	stagesDone = append(stagesDone, stageFetch)
	docsFetched := len(rawDocs)
	o.progress(ctx, job, stagesDone, &model.JobPatch{DocumentsStored: &docsFetched}, logger)
	o.stageCompleted(ctx, job, stageFetch, stageStart, docsFetched)
	logger.Info("stage 1/5 complete", zap.Int("documents_fetched", docsFetched))

	// CLEAN
	if err := o.checkCancelled(ctx); err != nil {
		return o.finishCancelled(ctx, job, start, logger)
	}
	o.transition(ctx, job.JobID, model.StatusCleaning, logger)
	stageStart = time.Now()
	var cleanedDocs []*model.CleanedDocument
	err = o.runStage(ctx, func(stageCtx context.Context) error {
		var cleanErr error
		cleanedDocs, cleanErr = o.clean.Execute(stageCtx, rawDocs)
		return cleanErr
	})
	if err != nil {
		return fail(stageClean, err)
	}
	stagesDone = append(stagesDone, stageClean)
	o.progress(ctx, job, stagesDone, &model.JobPatch{}, logger)
	o.stageCompleted(ctx, job, stageClean, stageStart, len(cleanedDocs))
	logger.Info("stage 2/5 complete", zap.Int("documents_cleaned", len(cleanedDocs)))

	// CHUNK
	if err := o.checkCancelled(ctx); err != nil {
		return o.finishCancelled(ctx, job, start, logger)
	}
	o.transition(ctx, job.JobID, model.StatusChunking, logger)
	stageStart = time.Now()
	var chunks []*model.Chunk
	err = o.runStage(ctx, func(stageCtx context.Context) error {
		var chunkErr error
		chunks, chunkErr = o.chunker.Execute(stageCtx, cleanedDocs)
		return chunkErr
	})
	if err != nil {
		return fail(stageChunk, err)
	}
	stagesDone = append(stagesDone, stageChunk)
	chunkCount := len(chunks)
	o.progress(ctx, job, stagesDone, &model.JobPatch{ChunksCreated: &chunkCount}, logger)
	o.stageCompleted(ctx, job, stageChunk, stageStart, chunkCount)
	logger.Info("stage 3/5 complete", zap.Int("chunks_created", chunkCount))

	// EMBED
	if err := o.checkCancelled(ctx); err != nil {
		return o.finishCancelled(ctx, job, start, logger)
	}
	o.transition(ctx, job.JobID, model.StatusEmbedding, logger)
	stageStart = time.Now()
	var embeddings []*model.Embedding
	err = o.runStage(ctx, func(stageCtx context.Context) error {
		var embedErr error
		embeddings, embedErr = o.embed.Execute(stageCtx, chunks)
		return embedErr
	})
	if err != nil {
		if appErr.IsCancelled(err) && ctx.Err() != nil {
			return o.finishCancelled(ctx, job, start, logger)
		}
		return fail(stageEmbed, err)
	}
	stagesDone = append(stagesDone, stageEmbed)
	embedCount := len(embeddings)
	o.progress(ctx, job, stagesDone, &model.JobPatch{EmbeddingsGenerated: &embedCount}, logger)
	o.stageCompleted(ctx, job, stageEmbed, stageStart, embedCount)
	logger.Info("stage 4/5 complete", zap.Int("embeddings_generated", embedCount))

	// STORE
	if err := o.checkCancelled(ctx); err != nil {
		return o.finishCancelled(ctx, job, start, logger)
	}
	o.transition(ctx, job.JobID, model.StatusStoring, logger)
	stageStart = time.Now()
	stored := 0
	err = o.runStage(ctx, func(stageCtx context.Context) error {
		var storeErr error
		stored, storeErr = o.store.Execute(stageCtx, job.TenantID, chunks, embeddings)
		return storeErr
	})
	if err != nil {
		return fail(stageStore, err)
	}
	stagesDone = append(stagesDone, stageStore)
	o.stageCompleted(ctx, job, stageStore, stageStart, stored)

	// COMPLETED
	now := timeutil.NowUnixMilli()
	duration := jobDuration(job, start)
	status := model.StatusCompleted
	docsStored := len(cleanedDocs)
	patch := &model.JobPatch{
		Status:          &status,
		CompletedAt:     &now,
		DurationMS:      &duration,
		DocumentsStored: &docsStored,
		StagesCompleted: stagesDone,
	}
	if err := o.jobs.Update(ctx, job.JobID, patch); err != nil {
		logger.Error("terminal update failed", zap.Error(err))
		return err
	}
	o.sink.Emit(ctx, telemetry.Event{
		EventType:     telemetry.EventJobCompleted,
		CorrelationID: job.CorrelationID,
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		Metadata: map[string]interface{}{
			"source":           string(job.Source),
			"stages_completed": stagesDone,
		},
		Metrics: map[string]float64{
			"duration_ms":          float64(duration),
			"documents_stored":     float64(docsStored),
			"chunks_created":       float64(chunkCount),
			"embeddings_generated": float64(embedCount),
		},
	})
	logger.Info("pipeline completed",
		zap.Int64("duration_ms", duration),
		zap.Int("documents_stored", docsStored),
		zap.Int("chunks_created", chunkCount),
		zap.Int("embeddings_generated", embedCount),
	)
	return nil
}

// runStage applies the per-stage timeout and normalizes a deadline hit into
// a transient timeout error distinct from caller cancellation.
func (o *Orchestrator) runStage(ctx context.Context, fn func(context.Context) error) error {
	stageCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.stageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, o.stageTimeout)
	}
	defer cancel()
	err := fn(stageCtx)
	if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return appErr.Wrapf(appErr.ErrTransient, "stage timed out after %s", o.stageTimeout)
	}
	return err
}

func (o *Orchestrator) checkCancelled(ctx context.Context) error {
	return ctx.Err()
}

// transition moves the job to a stage's in-progress status, best effort.
func (o *Orchestrator) transition(ctx context.Context, jobID string, status model.JobStatus, logger *zap.Logger) {
	if err := o.jobs.Update(context.WithoutCancel(ctx), jobID, &model.JobPatch{Status: &status}); err != nil {
		logger.Warn("status update failed, continuing",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// progress persists counters and completed stages mid-pipeline, best effort.
func (o *Orchestrator) progress(ctx context.Context, job *model.Job, stages []string, patch *model.JobPatch, logger *zap.Logger) {
	patch.StagesCompleted = stages
	if err := o.jobs.Update(context.WithoutCancel(ctx), job.JobID, patch); err != nil {
		logger.Warn("progress update failed, continuing", zap.Error(err))
	}
}

func (o *Orchestrator) stageCompleted(ctx context.Context, job *model.Job, stage string, started time.Time, items int) {
	o.sink.Emit(ctx, telemetry.Event{
		EventType:     telemetry.EventStageCompleted,
		CorrelationID: job.CorrelationID,
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		Metadata:      map[string]interface{}{"stage": stage},
		Metrics: map[string]float64{
			"duration_ms":     float64(time.Since(started).Milliseconds()),
			"items_processed": float64(items),
		},
	})
}

func (o *Orchestrator) finishFailed(ctx context.Context, job *model.Job, stage string, cause error, start time.Time, logger *zap.Logger) error {
	if appErr.IsCancelled(cause) && ctx.Err() != nil {
		return o.finishCancelled(ctx, job, start, logger)
	}
	now := timeutil.NowUnixMilli()
	duration := jobDuration(job, start)
	status := model.StatusFailed
	message := formatErrorMessage(cause)
	patch := &model.JobPatch{
		Status:       &status,
		CompletedAt:  &now,
		DurationMS:   &duration,
		ErrorMessage: &message,
	}
	if err := o.jobs.Update(context.WithoutCancel(ctx), job.JobID, patch); err != nil {
		logger.Error("terminal update failed", zap.Error(err))
	}
	o.sink.Emit(ctx, telemetry.Event{
		EventType:     telemetry.EventJobFailed,
		Severity:      telemetry.SeverityError,
		CorrelationID: job.CorrelationID,
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		Metadata: map[string]interface{}{
			"failed_stage":  stage,
			"error_kind":    appErr.Kind(cause),
			"error_message": cause.Error(),
		},
		Metrics: map[string]float64{"duration_ms": float64(duration)},
	})
	logger.Error("pipeline failed",
		zap.String("failed_stage", stage),
		zap.String("error_kind", appErr.Kind(cause)),
		zap.Error(cause),
	)
	return cause
}

func (o *Orchestrator) finishCancelled(ctx context.Context, job *model.Job, start time.Time, logger *zap.Logger) error {
	now := timeutil.NowUnixMilli()
	duration := jobDuration(job, start)
	status := model.StatusCancelled
	message := appErr.ErrCancelled.Error() + ". job cancelled"
	patch := &model.JobPatch{
		Status:       &status,
		CompletedAt:  &now,
		DurationMS:   &duration,
		ErrorMessage: &message,
	}
	if err := o.jobs.Update(context.WithoutCancel(ctx), job.JobID, patch); err != nil {
		logger.Error("terminal update failed", zap.Error(err))
	}
	o.sink.Emit(ctx, telemetry.Event{
		EventType:     telemetry.EventJobFailed,
		Severity:      telemetry.SeverityWarning,
		CorrelationID: job.CorrelationID,
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		Metadata:      map[string]interface{}{"cancelled": true},
		Metrics:       map[string]float64{"duration_ms": float64(duration)},
	})
	logger.Info("pipeline cancelled", zap.Int64("duration_ms", duration))
	return appErr.Wrapf(appErr.ErrCancelled, "job %s cancelled", job.JobID)
}

// jobDuration measures wall clock since job creation, falling back to the
// execution start for records without a creation timestamp.
func jobDuration(job *model.Job, start time.Time) int64 {
	if job.CreatedAt > 0 {
		return timeutil.NowUnixMilli() - job.CreatedAt
	}
	return time.Since(start).Milliseconds()
}

// formatErrorMessage renders a stage error as "<kind>. <diagnostic>".
func formatErrorMessage(err error) string {
	kind := appErr.Kind(err)
	message := err.Error()
	message = strings.TrimPrefix(message, kind+": ")
	return kind + ". " + message
}
