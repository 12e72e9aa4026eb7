package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Boswecw/rake/internal/middleware"
	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/pkg/errcode"
	"github.com/Boswecw/rake/internal/pkg/response"
	"github.com/Boswecw/rake/internal/service"
)

type IngestHandler struct {
	svc *service.IngestService
}

func NewIngestHandler(svc *service.IngestService) *IngestHandler {
	return &IngestHandler{svc: svc}
}

// submitKnownFields are consumed by the façade; every other top-level field
// passes through to the adapter as source params.
var submitKnownFields = map[string]struct{}{
	"source":         {},
	"tenant_id":      {},
	"correlation_id": {},
	"metadata":       {},
	"source_params":  {},
}

type submitReply struct {
	JobID         string          `json:"job_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        model.JobStatus `json:"status"`
}

func (h *IngestHandler) Submit(c *gin.Context) {
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "malformed request body")
		return
	}
	req := service.SubmitRequest{TenantID: middleware.TenantID(c)}
	if v, ok := raw["source"]; ok {
		_ = json.Unmarshal(v, &req.Source)
	}
	if v, ok := raw["correlation_id"]; ok {
		_ = json.Unmarshal(v, &req.CorrelationID)
	}
	if v, ok := raw["metadata"]; ok {
		_ = json.Unmarshal(v, &req.Metadata)
	}
	if v, ok := raw["source_params"]; ok {
		req.SourceParams = v
	} else {
		// Source-specific fields arrive at top level; re-bundle them.
		passthrough := map[string]json.RawMessage{}
		for k, v := range raw {
			if _, known := submitKnownFields[k]; !known {
				passthrough[k] = v
			}
		}
		bundled, err := json.Marshal(passthrough)
		if err != nil {
			response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "malformed source params")
			return
		}
		req.SourceParams = bundled
	}

	job, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, submitReply{
		JobID:         job.JobID,
		CorrelationID: job.CorrelationID,
		Status:        job.Status,
	})
}

func (h *IngestHandler) Get(c *gin.Context) {
	job, err := h.svc.Get(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, job)
}

type listReply struct {
	Jobs     []*model.Job `json:"jobs"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

func (h *IngestHandler) List(c *gin.Context) {
	if correlationID := c.Query("correlation_id"); correlationID != "" {
		jobs, err := h.svc.ListByCorrelation(c.Request.Context(), middleware.TenantID(c), correlationID)
		if err != nil {
			writeError(c, err)
			return
		}
		if jobs == nil {
			jobs = []*model.Job{}
		}
		response.Success(c, listReply{Jobs: jobs, Total: int64(len(jobs)), Page: 1, PageSize: len(jobs)})
		return
	}
	filter := model.JobFilter{TenantID: middleware.TenantID(c)}
	if status := c.Query("status"); status != "" {
		s := model.JobStatus(status)
		if !s.Valid() {
			response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "unknown status "+status)
			return
		}
		filter.Status = s
	}
	filter.CreatedAfter, _ = strconv.ParseInt(c.Query("created_after"), 10, 64)
	filter.CreatedBefore, _ = strconv.ParseInt(c.Query("created_before"), 10, 64)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	jobs, total, err := h.svc.List(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	response.Success(c, listReply{Jobs: jobs, Total: total, Page: page, PageSize: pageSize})
}

func (h *IngestHandler) Cancel(c *gin.Context) {
	job, err := h.svc.Cancel(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"job_id": job.JobID, "cancelling": true})
}

func (h *IngestHandler) Sources(c *gin.Context) {
	response.Success(c, h.svc.Sources(middleware.TenantID(c)))
}

func (h *IngestHandler) Health(c *gin.Context) {
	checks := h.svc.Health(c.Request.Context())
	healthy := true
	for _, ok := range checks {
		healthy = healthy && ok
	}
	if !healthy {
		response.Error(c, http.StatusServiceUnavailable, errcode.ErrStoreUnavailable, "dependency unavailable")
		return
	}
	response.Success(c, checks)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case appErr.IsValidation(err):
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, err.Error())
	case appErr.IsNotFound(err):
		response.Error(c, http.StatusNotFound, errcode.ErrNotFound, err.Error())
	case appErr.IsForbidden(err):
		response.Error(c, http.StatusForbidden, errcode.ErrForbidden, err.Error())
	case appErr.IsConflict(err):
		response.Error(c, http.StatusConflict, errcode.ErrConflict, err.Error())
	case appErr.IsRateLimited(err):
		response.Error(c, http.StatusTooManyRequests, errcode.ErrTooMany, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, errcode.ErrInternal, err.Error())
	}
}
