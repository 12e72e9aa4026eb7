package schedule

import (
	"context"
	"encoding/json"

	"github.com/Boswecw/rake/internal/config"
	"github.com/Boswecw/rake/internal/model"
	"github.com/Boswecw/rake/internal/service"
)

// ScheduledIngestJob resubmits one configured recurring ingestion through
// the same entry point as HTTP submissions.
type ScheduledIngestJob struct {
	svc   *service.IngestService
	entry config.ScheduledEntry
}

func NewScheduledIngestJob(svc *service.IngestService, entry config.ScheduledEntry) *ScheduledIngestJob {
	return &ScheduledIngestJob{svc: svc, entry: entry}
}

func (j *ScheduledIngestJob) Name() string {
	return "scheduled_ingest_" + j.entry.Name
}

func (j *ScheduledIngestJob) Run(ctx context.Context) error {
	params, err := json.Marshal(j.entry.Params)
	if err != nil {
		return err
	}
	_, err = j.svc.Submit(ctx, service.SubmitRequest{
		Source:       model.Source(j.entry.Source),
		TenantID:     j.entry.TenantID,
		Metadata:     map[string]interface{}{"scheduled": true, "schedule_name": j.entry.Name},
		SourceParams: params,
	})
	return err
}
