package pipeline

import (
	"context"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/ai"
	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/retry"
)

const embedRateKey = "embedding"

// EmbedStage generates vectors for chunks in bounded-concurrency batches.
// Vectors commit to chunk ids by index, so the output order always matches
// the input chunk order regardless of batch completion order. Any terminal
// batch failure fails the whole stage; partial embedding is never returned.
type EmbedStage struct {
	embedder   ai.Embedder
	cost       ai.CostEstimator
	batchSize  int
	maxWorkers int
	limiter    *ratelimit.Limiter
	retry      *retry.Executor
}

func NewEmbedStage(embedder ai.Embedder, cost ai.CostEstimator, batchSize, maxWorkers int, limiter *ratelimit.Limiter, executor *retry.Executor) *EmbedStage {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &EmbedStage{
		embedder:   embedder,
		cost:       cost,
		batchSize:  batchSize,
		maxWorkers: maxWorkers,
		limiter:    limiter,
		retry:      executor,
	}
}

func (s *EmbedStage) Execute(ctx context.Context, chunks []*model.Chunk) ([]*model.Embedding, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	logger := logutil.GetLogger(ctx)

	type batch struct {
		index  int
		chunks []*model.Chunk
	}
	var batches []batch
	for start := 0; start < len(chunks); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, batch{index: len(batches), chunks: chunks[start:end]})
	}
	logger.Info("embed stage starting",
		zap.Int("chunks", len(chunks)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", s.batchSize),
		zap.Int("max_workers", s.maxWorkers),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]*model.Embedding, len(batches))
	sem := make(chan struct{}, s.maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, b := range batches {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(b batch) {
			defer wg.Done()
			defer func() { <-sem }()
			vectors, err := s.embedBatch(runCtx, b.chunks)
			if err != nil {
				fail(err)
				return
			}
			results[b.index] = vectors
		}(b)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, appErr.WrapErr(appErr.ErrCancelled, "embedding aborted", err)
	}

	embeddings := make([]*model.Embedding, 0, len(chunks))
	totalCost := 0.0
	for _, batchResult := range results {
		for _, embedding := range batchResult {
			totalCost += embedding.EstimatedCost
			embeddings = append(embeddings, embedding)
		}
	}
	logger.Info("embed stage complete",
		zap.Int("embeddings", len(embeddings)),
		zap.Float64("estimated_cost", totalCost),
		zap.String("model", s.embedder.ModelName()),
	)
	return embeddings, nil
}

// embedBatch runs one provider call through the rate limiter and retry
// executor, then zips vectors to chunk ids by position.
func (s *EmbedStage) embedBatch(ctx context.Context, chunks []*model.Chunk) ([]*model.Embedding, error) {
	texts := make([]string, len(chunks))
	tokens := 0
	for i, chunk := range chunks {
		texts[i] = chunk.Content
		tokens += chunk.TokenCount
	}
	var vectors [][]float32
	err := s.retry.Do(ctx, func() error {
		if err := s.limiter.Wait(ctx, embedRateKey); err != nil {
			return appErr.WrapErr(appErr.ErrCancelled, "rate limit wait aborted", err)
		}
		result, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		vectors = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, appErr.Wrapf(appErr.ErrInternal,
			"provider returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	perChunkCost := 0.0
	if len(chunks) > 0 {
		perChunkCost = s.cost.Estimate(tokens) / float64(len(chunks))
	}
	embeddings := make([]*model.Embedding, len(chunks))
	for i, chunk := range chunks {
		embeddings[i] = &model.Embedding{
			ChunkID:       chunk.ChunkID,
			Vector:        vectors[i],
			ModelID:       s.embedder.ModelName(),
			EstimatedCost: perChunkCost,
		}
	}
	return embeddings, nil
}
