package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

func records(n int) []*model.StoredRecord {
	out := make([]*model.StoredRecord, n)
	for i := range out {
		out[i] = &model.StoredRecord{
			ChunkID:  "doc-1-" + string(rune('a'+i)),
			Vector:   []float32{1, 2, 3},
			Content:  "chunk content",
			Metadata: map[string]interface{}{"source": "file_upload"},
		}
	}
	return out
}

func TestHTTPStoreUpsertPayload(t *testing.T) {
	var got upsertPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/embeddings/batch", r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "secret-token", time.Second)
	err := store.Upsert(context.Background(), "tenant-a", records(2))
	require.NoError(t, err)
	require.Equal(t, "tenant-a", got.TenantID)
	require.Len(t, got.Embeddings, 2)
	require.Equal(t, "chunk content", got.Embeddings[0].Content)
}

func TestHTTPStoreUpsertClassifiesErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	store := NewHTTPStore(server.URL, "", time.Second)

	err := store.Upsert(context.Background(), "tenant-a", records(1))
	require.True(t, appErr.IsTransient(err))

	status = http.StatusTooManyRequests
	err = store.Upsert(context.Background(), "tenant-a", records(1))
	require.True(t, appErr.IsRateLimited(err))
}

func TestHTTPStoreEmptyUpsertIsNoop(t *testing.T) {
	store := NewHTTPStore("http://unreachable.invalid", "", time.Second)
	require.NoError(t, store.Upsert(context.Background(), "tenant-a", nil))
}

func TestHTTPStoreHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "", time.Second)
	require.True(t, store.HealthCheck(context.Background()))

	store = NewHTTPStore("http://unreachable.invalid", "", 100*time.Millisecond)
	require.False(t, store.HealthCheck(context.Background()))
}
