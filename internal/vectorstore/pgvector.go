package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

// pgStore keeps vectors in a pgvector table, partitioned by tenant through
// the primary key. Useful for single-box deployments without a separate
// vector service.
type pgStore struct {
	db    *sql.DB
	table string
}

func NewPgVectorStore(db *sql.DB, table string, dimension int) (Store, error) {
	if table == "" {
		table = "rake_embeddings"
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid vector table name %q", table)
	}
	store := &pgStore{db: db, table: table}
	if err := store.ensureSchema(dimension); err != nil {
		return nil, err
	}
	return store, nil
}

func validIdent(name string) bool {
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return name != ""
}

func (s *pgStore) ensureSchema(dimension int) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL,
			chunk_id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d),
			PRIMARY KEY (tenant_id, chunk_id)
		)`, s.table, dimension),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("ensure vector schema: %w", err)
		}
	}
	return nil
}

func (s *pgStore) Upsert(ctx context.Context, tenantID string, records []*model.StoredRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (tenant_id, chunk_id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, chunk_id)
		DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
		s.table)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return appErr.WrapErr(appErr.ErrTransient, "begin upsert", err)
	}
	for _, record := range records {
		meta, err := json.Marshal(record.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt,
			tenantID, record.ChunkID, record.Content, string(meta),
			pgvector.NewVector(record.Vector),
		); err != nil {
			_ = tx.Rollback()
			return appErr.WrapErr(appErr.ErrTransient, "upsert record", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return appErr.WrapErr(appErr.ErrTransient, "commit upsert", err)
	}
	return nil
}

func (s *pgStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *pgStore) Close() {}
