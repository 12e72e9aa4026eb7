package vectorstore

import (
	"context"

	"github.com/Boswecw/rake/internal/model"
)

// Store is the downstream vector database. Upsert is atomic per call: a
// failure means nothing from the batch may be assumed stored.
type Store interface {
	Upsert(ctx context.Context, tenantID string, records []*model.StoredRecord) error
	HealthCheck(ctx context.Context) bool
	Close()
}
