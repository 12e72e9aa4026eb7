package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/timeutil"
	"github.com/Boswecw/rake/internal/repo"
	"github.com/Boswecw/rake/internal/source"
	"github.com/Boswecw/rake/internal/vectorstore"
	"github.com/Boswecw/rake/internal/worker"
)

// SubmitRequest is the validated submission payload, tenant already
// extracted by the façade.
type SubmitRequest struct {
	Source        model.Source
	TenantID      string
	CorrelationID string
	Metadata      map[string]interface{}
	SourceParams  json.RawMessage
}

// IngestService translates submissions into durable jobs and background
// pipeline executions, and answers tenant-scoped job queries.
type IngestService struct {
	jobs    *repo.JobRepo
	sources *source.Manager
	runner  *worker.Runner
	vectors vectorstore.Store
}

func NewIngestService(jobs *repo.JobRepo, sources *source.Manager, runner *worker.Runner, vectors vectorstore.Store) *IngestService {
	return &IngestService{jobs: jobs, sources: sources, runner: runner, vectors: vectors}
}

// Submit validates the request against the chosen adapter before anything
// is persisted, then inserts the PENDING record and enqueues execution.
func (s *IngestService) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	if !req.Source.Valid() {
		return nil, appErr.Wrapf(appErr.ErrValidation, "unknown source %q", req.Source)
	}
	if req.TenantID == "" {
		return nil, appErr.Wrapf(appErr.ErrValidation, "tenant_id is required")
	}
	params, err := model.ParseSourceParams(req.Source, req.SourceParams)
	if err != nil {
		return nil, err
	}
	adapter, err := s.sources.Get(req.Source, req.TenantID)
	if err != nil {
		return nil, err
	}
	if err := adapter.Validate(params); err != nil {
		return nil, err
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	rawParams := req.SourceParams
	if len(rawParams) == 0 {
		rawParams = json.RawMessage("{}")
	}
	job := &model.Job{
		JobID:           "job-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		CorrelationID:   correlationID,
		Source:          req.Source,
		TenantID:        req.TenantID,
		Status:          model.StatusPending,
		CreatedAt:       timeutil.NowUnixMilli(),
		StagesCompleted: []string{},
		SourceParams:    rawParams,
		Metadata:        req.Metadata,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.runner.Submit(job, params); err != nil {
		logutil.GetLogger(ctx).Error("job enqueue failed",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return nil, appErr.WrapErr(appErr.ErrInternal, "enqueue job", err)
	}
	logutil.GetLogger(ctx).Info("job submitted",
		zap.String("job_id", job.JobID),
		zap.String("correlation_id", correlationID),
		zap.String("source", string(req.Source)),
		zap.String("tenant_id", req.TenantID),
	)
	return job, nil
}

// Get returns a job visible to the tenant. Records of other tenants report
// as not found rather than forbidden.
func (s *IngestService) Get(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "job %s", jobID)
	}
	return job, nil
}

func (s *IngestService) List(ctx context.Context, filter model.JobFilter, page, pageSize int) ([]*model.Job, int64, error) {
	return s.jobs.List(ctx, filter, page, pageSize)
}

// ListByCorrelation resolves every job sharing a correlation id, scoped to
// the caller's tenant.
func (s *IngestService) ListByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*model.Job, error) {
	jobs, err := s.jobs.GetByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.TenantID == tenantID {
			out = append(out, job)
		}
	}
	return out, nil
}

// Cancel stops a job owned by this node. Terminal jobs cannot be
// cancelled; jobs running on another node are unknown here and report as
// not cancellable.
func (s *IngestService) Cancel(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, appErr.Wrapf(appErr.ErrValidation, "job %s is already %s", jobID, job.Status)
	}
	if !s.runner.Cancel(jobID) {
		return nil, appErr.Wrapf(appErr.ErrNotFound, "job %s is not running on this node", jobID)
	}
	return job, nil
}

// SourceInfo describes one registered adapter for discovery.
type SourceInfo struct {
	Source           model.Source `json:"source"`
	SupportedFormats []string     `json:"supported_formats"`
}

func (s *IngestService) Sources(tenantID string) []SourceInfo {
	var out []SourceInfo
	for _, src := range s.sources.Sources() {
		info := SourceInfo{Source: src}
		if adapter, err := s.sources.Get(src, tenantID); err == nil {
			info.SupportedFormats = adapter.SupportedFormats()
		}
		out = append(out, info)
	}
	return out
}

// Health aggregates collaborator liveness.
func (s *IngestService) Health(ctx context.Context) map[string]bool {
	return map[string]bool{
		"job_store":    s.jobs.HealthCheck(ctx),
		"vector_store": s.vectors.HealthCheck(ctx),
	}
}
