package model

import "encoding/json"

type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusFetching  JobStatus = "FETCHING"
	StatusCleaning  JobStatus = "CLEANING"
	StatusChunking  JobStatus = "CHUNKING"
	StatusEmbedding JobStatus = "EMBEDDING"
	StatusStoring   JobStatus = "STORING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// statusRank orders the statuses along the stage sequence, COMPLETED last,
// so transitions can be checked to only ever advance.
var statusRank = map[JobStatus]int{
	StatusPending:   0,
	StatusFetching:  1,
	StatusCleaning:  2,
	StatusChunking:  3,
	StatusEmbedding: 4,
	StatusStoring:   5,
	StatusCompleted: 6,
}

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusFetching, StatusCleaning, StatusChunking,
		StatusEmbedding, StatusStoring, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the stage
// ordering. FAILED and CANCELLED are reachable from any non-terminal status.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to > from
}

type Job struct {
	JobID               string                 `json:"job_id"`
	CorrelationID       string                 `json:"correlation_id"`
	Source              Source                 `json:"source"`
	TenantID            string                 `json:"tenant_id"`
	Status              JobStatus              `json:"status"`
	CreatedAt           int64                  `json:"created_at"`
	CompletedAt         *int64                 `json:"completed_at,omitempty"`
	DurationMS          int64                  `json:"duration_ms"`
	DocumentsStored     int                    `json:"documents_stored"`
	ChunksCreated       int                    `json:"chunks_created"`
	EmbeddingsGenerated int                    `json:"embeddings_generated"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	StagesCompleted     []string               `json:"stages_completed"`
	SourceParams        json.RawMessage        `json:"source_params,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// JobPatch carries a partial update for a job record. Nil fields are left
// untouched.
type JobPatch struct {
	Status              *JobStatus
	CompletedAt         *int64
	DurationMS          *int64
	DocumentsStored     *int
	ChunksCreated       *int
	EmbeddingsGenerated *int
	ErrorMessage        *string
	StagesCompleted     []string
}

type JobFilter struct {
	TenantID      string
	Status        JobStatus
	CreatedAfter  int64
	CreatedBefore int64
}
