package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

// httpStore talks to an external vector store service over its batch
// embeddings API.
type httpStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPStore(baseURL, apiKey string, timeout time.Duration) Store {
	return &httpStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type upsertRecord struct {
	ChunkID  string                 `json:"chunk_id"`
	Vector   []float32              `json:"vector"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

type upsertPayload struct {
	TenantID   string         `json:"tenant_id"`
	Embeddings []upsertRecord `json:"embeddings"`
}

func (s *httpStore) Upsert(ctx context.Context, tenantID string, records []*model.StoredRecord) error {
	if len(records) == 0 {
		return nil
	}
	payload := upsertPayload{TenantID: tenantID, Embeddings: make([]upsertRecord, 0, len(records))}
	for _, record := range records {
		payload.Embeddings = append(payload.Embeddings, upsertRecord{
			ChunkID:  record.ChunkID,
			Vector:   record.Vector,
			Content:  record.Content,
			Metadata: record.Metadata,
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/v1/embeddings/batch", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return appErr.WrapErr(appErr.ErrTransient, "vector store upsert", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return appErr.Wrapf(appErr.ErrRateLimited, "vector store 429: %s", msg)
		case resp.StatusCode >= 500:
			return appErr.Wrapf(appErr.ErrTransient, "vector store %d: %s", resp.StatusCode, msg)
		default:
			return appErr.Wrapf(appErr.ErrInternal, "vector store %d: %s", resp.StatusCode, msg)
		}
	}
	return nil
}

func (s *httpStore) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *httpStore) Close() {}
