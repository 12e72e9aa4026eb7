package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/retry"
	"github.com/Boswecw/rake/internal/source"
	"github.com/Boswecw/rake/internal/telemetry"
)

// recordingStore keeps every patch in order so the tests can replay the
// job's observed history.
type recordingStore struct {
	mu      sync.Mutex
	patches []*model.JobPatch
}

func (s *recordingStore) Update(ctx context.Context, jobID string, patch *model.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, patch)
	return nil
}

func (s *recordingStore) statuses() []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.JobStatus
	for _, patch := range s.patches {
		if patch.Status != nil {
			out = append(out, *patch.Status)
		}
	}
	return out
}

func (s *recordingStore) last() *model.JobPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.patches) == 0 {
		return nil
	}
	return s.patches[len(s.patches)-1]
}

type stubAdapter struct {
	docs []*model.RawDocument
	err  error
}

func (a *stubAdapter) Source() model.Source                          { return model.SourceFileUpload }
func (a *stubAdapter) Validate(params *model.SourceParams) error     { return nil }
func (a *stubAdapter) HealthCheck(ctx context.Context) bool          { return true }
func (a *stubAdapter) SupportedFormats() []string                    { return []string{".txt"} }
func (a *stubAdapter) Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.docs, nil
}

type stubProvider struct {
	adapter source.Adapter
}

func (p *stubProvider) Get(src model.Source, tenantID string) (source.Adapter, error) {
	return p.adapter, nil
}

type memVectorStore struct {
	mu      sync.Mutex
	upserts map[string][]*model.StoredRecord
	fail    error
}

func (s *memVectorStore) Upsert(ctx context.Context, tenantID string, records []*model.StoredRecord) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upserts == nil {
		s.upserts = map[string][]*model.StoredRecord{}
	}
	s.upserts[tenantID] = append(s.upserts[tenantID], records...)
	return nil
}

func (s *memVectorStore) HealthCheck(ctx context.Context) bool { return true }
func (s *memVectorStore) Close()                               {}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *captureSink) Emit(ctx context.Context, event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) Close() {}

func (s *captureSink) kinds() []telemetry.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.EventType
	for _, event := range s.events {
		out = append(out, event.EventType)
	}
	return out
}

func longText() string {
	return sentenceText(30, 9)
}

func testOrchestrator(t *testing.T, adapter source.Adapter, vectors *memVectorStore, store *recordingStore, sink telemetry.Sink) *Orchestrator {
	t.Helper()
	chunker, err := NewChunker(newWordCounter(), StrategyToken, 50, 10, 0, nil)
	require.NoError(t, err)
	embed := newEmbedStage(&scriptedEmbedder{}, 100, 2, retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond})
	return NewOrchestrator(
		store,
		&stubProvider{adapter: adapter},
		NewCleanStage(10),
		chunker,
		embed,
		NewStoreStage(vectors, 100),
		sink,
		time.Minute,
	)
}

func testJob() *model.Job {
	return &model.Job{
		JobID:         "job-test-1",
		CorrelationID: "corr-1",
		Source:        model.SourceFileUpload,
		TenantID:      "tenant-a",
		Status:        model.StatusPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	store := &recordingStore{}
	sink := &captureSink{}
	vectors := &memVectorStore{}
	adapter := &stubAdapter{docs: []*model.RawDocument{
		{DocumentID: "d1", Content: longText(), Metadata: map[string]interface{}{"source": "file_upload", "custom": "kept"}, TenantID: "tenant-a"},
	}}
	orch := testOrchestrator(t, adapter, vectors, store, sink)

	err := orch.Run(context.Background(), testJob(), &model.SourceParams{FileUpload: &model.FileUploadParams{FilePath: "x.txt"}})
	require.NoError(t, err)

	// Status only advances along the stage order.
	statuses := store.statuses()
	require.Equal(t, []model.JobStatus{
		model.StatusFetching, model.StatusCleaning, model.StatusChunking,
		model.StatusEmbedding, model.StatusStoring, model.StatusCompleted,
	}, statuses)
	prev := model.JobStatus(model.StatusPending)
	for _, status := range statuses {
		require.True(t, prev.CanTransition(status), "%s -> %s", prev, status)
		prev = status
	}

	// Terminal patch carries completed_at, duration and final counters.
	last := store.last()
	require.NotNil(t, last.CompletedAt)
	require.NotNil(t, last.DurationMS)
	require.Equal(t, model.StatusCompleted, *last.Status)
	require.Equal(t, 1, *last.DocumentsStored)
	require.Equal(t, []string{"fetch", "clean", "chunk", "embed", "store"}, last.StagesCompleted)

	// Counters never decrease across the observed history.
	lastDocs, lastChunks, lastEmbeds := 0, 0, 0
	for _, patch := range store.patches {
		if patch.DocumentsStored != nil {
			require.GreaterOrEqual(t, *patch.DocumentsStored, lastDocs)
			lastDocs = *patch.DocumentsStored
		}
		if patch.ChunksCreated != nil {
			require.GreaterOrEqual(t, *patch.ChunksCreated, lastChunks)
			lastChunks = *patch.ChunksCreated
		}
		if patch.EmbeddingsGenerated != nil {
			require.GreaterOrEqual(t, *patch.EmbeddingsGenerated, lastEmbeds)
			lastEmbeds = *patch.EmbeddingsGenerated
		}
	}
	require.Greater(t, lastChunks, 0)
	require.Equal(t, lastChunks, lastEmbeds)

	// Stored records inherit the adapter metadata.
	records := vectors.upserts["tenant-a"]
	require.Len(t, records, lastChunks)
	for _, record := range records {
		require.Equal(t, "kept", record.Metadata["custom"])
		require.Equal(t, "d1", record.Metadata["document_id"])
	}

	require.Equal(t, []telemetry.EventType{
		telemetry.EventJobStarted,
		telemetry.EventStageCompleted, telemetry.EventStageCompleted,
		telemetry.EventStageCompleted, telemetry.EventStageCompleted,
		telemetry.EventStageCompleted,
		telemetry.EventJobCompleted,
	}, sink.kinds())
}

func TestOrchestratorTinyFileCompletesWithZeroChunks(t *testing.T) {
	store := &recordingStore{}
	vectors := &memVectorStore{}
	adapter := &stubAdapter{docs: []*model.RawDocument{
		{DocumentID: "d1", Content: "Hello world. This is a very short document.", Metadata: map[string]interface{}{}, TenantID: "tenant-a"},
	}}

	chunker, err := NewChunker(newWordCounter(), StrategyToken, 500, 50, 50, nil)
	require.NoError(t, err)
	orch := NewOrchestrator(
		store,
		&stubProvider{adapter: adapter},
		NewCleanStage(10),
		chunker,
		newEmbedStage(&scriptedEmbedder{}, 100, 2, retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}),
		NewStoreStage(vectors, 100),
		telemetry.NewNoop(),
		time.Minute,
	)

	require.NoError(t, orch.Run(context.Background(), testJob(), &model.SourceParams{}))
	last := store.last()
	require.Equal(t, model.StatusCompleted, *last.Status)
	require.Equal(t, 1, *last.DocumentsStored)

	chunksSeen := 0
	embedsSeen := 0
	for _, patch := range store.patches {
		if patch.ChunksCreated != nil {
			chunksSeen = *patch.ChunksCreated
		}
		if patch.EmbeddingsGenerated != nil {
			embedsSeen = *patch.EmbeddingsGenerated
		}
	}
	require.Zero(t, chunksSeen)
	require.Zero(t, embedsSeen)
	require.Empty(t, vectors.upserts)
}

func TestOrchestratorFetchFailureIsTerminal(t *testing.T) {
	store := &recordingStore{}
	sink := &captureSink{}
	adapter := &stubAdapter{err: appErr.Wrapf(appErr.ErrForbidden, "robots.txt disallows /admin")}
	orch := testOrchestrator(t, adapter, &memVectorStore{}, store, sink)

	err := orch.Run(context.Background(), testJob(), &model.SourceParams{})
	require.Error(t, err)

	last := store.last()
	require.Equal(t, model.StatusFailed, *last.Status)
	require.NotNil(t, last.CompletedAt)
	require.NotNil(t, last.ErrorMessage)
	// First sentence of the error message names the kind.
	require.Contains(t, *last.ErrorMessage, "forbidden. ")
	require.Contains(t, sink.kinds(), telemetry.EventJobFailed)
}

func TestOrchestratorStoreFailureFailsJob(t *testing.T) {
	store := &recordingStore{}
	vectors := &memVectorStore{fail: appErr.Wrapf(appErr.ErrTransient, "upstream 503")}
	adapter := &stubAdapter{docs: []*model.RawDocument{
		{DocumentID: "d1", Content: longText(), Metadata: map[string]interface{}{}, TenantID: "tenant-a"},
	}}
	orch := testOrchestrator(t, adapter, vectors, store, &captureSink{})

	err := orch.Run(context.Background(), testJob(), &model.SourceParams{})
	require.Error(t, err)
	last := store.last()
	require.Equal(t, model.StatusFailed, *last.Status)
}

func TestOrchestratorCancellation(t *testing.T) {
	store := &recordingStore{}
	adapter := &stubAdapter{docs: []*model.RawDocument{
		{DocumentID: "d1", Content: longText(), Metadata: map[string]interface{}{}, TenantID: "tenant-a"},
	}}
	orch := testOrchestrator(t, adapter, &memVectorStore{}, store, &captureSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := orch.Run(ctx, testJob(), &model.SourceParams{})
	require.Error(t, err)
	require.True(t, appErr.IsCancelled(err))
	last := store.last()
	require.Equal(t, model.StatusCancelled, *last.Status)
	require.NotNil(t, last.CompletedAt)
}
