package pipeline

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/vectorstore"
)

// StoreStage upserts embedded chunks to the vector store in
// provider-preferred batches, always passing the tenant explicitly. Any
// batch failure fails the stage; the store's own retry policy is opaque.
type StoreStage struct {
	store     vectorstore.Store
	batchSize int
}

func NewStoreStage(store vectorstore.Store, batchSize int) *StoreStage {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &StoreStage{store: store, batchSize: batchSize}
}

func (s *StoreStage) Execute(ctx context.Context, tenantID string, chunks []*model.Chunk, embeddings []*model.Embedding) (int, error) {
	if len(embeddings) == 0 {
		return 0, nil
	}
	byChunk := make(map[string]*model.Chunk, len(chunks))
	for _, chunk := range chunks {
		byChunk[chunk.ChunkID] = chunk
	}

	records := make([]*model.StoredRecord, 0, len(embeddings))
	for _, embedding := range embeddings {
		chunk, ok := byChunk[embedding.ChunkID]
		if !ok {
			return 0, appErr.Wrapf(appErr.ErrInternal, "embedding for unknown chunk %s", embedding.ChunkID)
		}
		meta := model.CloneMetadata(chunk.Metadata)
		meta["document_id"] = chunk.DocumentID
		meta["position"] = chunk.Position
		meta["token_count"] = chunk.TokenCount
		meta["embedding_model"] = embedding.ModelID
		records = append(records, &model.StoredRecord{
			ChunkID:  embedding.ChunkID,
			Vector:   embedding.Vector,
			Content:  chunk.Content,
			Metadata: meta,
		})
	}

	stored := 0
	for start := 0; start < len(records); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return stored, appErr.WrapErr(appErr.ErrCancelled, "store aborted", err)
		}
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.store.Upsert(ctx, tenantID, records[start:end]); err != nil {
			return stored, err
		}
		stored += end - start
	}
	logutil.GetLogger(ctx).Info("store stage complete",
		zap.Int("records", stored),
		zap.String("tenant_id", tenantID),
	)
	return stored, nil
}
