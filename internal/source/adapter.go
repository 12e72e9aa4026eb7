package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Boswecw/rake/internal/config"
	"github.com/Boswecw/rake/internal/extract"
	"github.com/Boswecw/rake/internal/filestore"
	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/ratelimit"
	"github.com/Boswecw/rake/internal/retry"
)

// Adapter is the capability set every source implements. Fetch returns a
// complete document list or an error; there are no partial results.
type Adapter interface {
	Source() model.Source
	Validate(params *model.SourceParams) error
	Fetch(ctx context.Context, params *model.SourceParams) ([]*model.RawDocument, error)
	HealthCheck(ctx context.Context) bool
	SupportedFormats() []string
}

// Resources are the expensive collaborators shared by all adapters: rate
// limiter state, the retry executor, extraction, upload bytes, and the SQL
// engine cache.
type Resources struct {
	Cfg       *config.Config
	Limiter   *ratelimit.Limiter
	Retry     *retry.Executor
	Extractor extract.Extractor
	Files     filestore.Store
	Engines   *EngineCache
}

type Factory func(tenantID string, res *Resources) (Adapter, error)

var registry = map[model.Source]Factory{}

func Register(source model.Source, factory Factory) {
	if factory == nil {
		return
	}
	registry[source] = factory
}

// Manager hands out adapters by source tag, one instance per
// (source, tenant), reused across jobs.
type Manager struct {
	res   *Resources
	mu    sync.Mutex
	cache map[string]Adapter
}

func NewManager(res *Resources) *Manager {
	return &Manager{res: res, cache: make(map[string]Adapter)}
}

func (m *Manager) Get(source model.Source, tenantID string) (Adapter, error) {
	if !source.Valid() {
		return nil, appErr.Wrapf(appErr.ErrValidation, "unknown source %q", source)
	}
	factory, ok := registry[source]
	if !ok {
		return nil, appErr.Wrapf(appErr.ErrValidation, "no adapter registered for source %q", source)
	}
	key := string(source) + "|" + tenantID
	m.mu.Lock()
	defer m.mu.Unlock()
	if adapter, ok := m.cache[key]; ok {
		return adapter, nil
	}
	adapter, err := factory(tenantID, m.res)
	if err != nil {
		return nil, err
	}
	m.cache[key] = adapter
	return adapter, nil
}

// Sources lists the registered source tags.
func (m *Manager) Sources() []model.Source {
	out := make([]model.Source, 0, len(registry))
	for source := range registry {
		out = append(out, source)
	}
	return out
}

func (m *Manager) Close() {
	if m.res.Engines != nil {
		m.res.Engines.Close()
	}
}

// classifyStatus maps an HTTP response code onto the error taxonomy.
func classifyStatus(code int, what string) error {
	switch {
	case code == http.StatusNotFound:
		return appErr.Wrapf(appErr.ErrNotFound, "%s returned 404", what)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return appErr.Wrapf(appErr.ErrForbidden, "%s returned %d", what, code)
	case code == http.StatusTooManyRequests:
		return appErr.Wrapf(appErr.ErrRateLimited, "%s returned 429", what)
	case code >= 500:
		return appErr.Wrapf(appErr.ErrTransient, "%s returned %d", what, code)
	case code >= 400:
		return appErr.Wrapf(appErr.ErrValidation, "%s returned %d", what, code)
	}
	return nil
}

// classifyNetErr wraps transport-level failures as transient unless the
// context was cancelled.
func classifyNetErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if ctxErr := contextCause(err); ctxErr != nil {
		return ctxErr
	}
	return appErr.WrapErr(appErr.ErrTransient, what, err)
}

func contextCause(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), context.Canceled.Error()) {
		return appErr.WrapErr(appErr.ErrCancelled, "request aborted", err)
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// ensureUniqueIDs enforces document_id uniqueness within one fetch by
// suffixing an ordinal on collisions.
func ensureUniqueIDs(docs []*model.RawDocument) {
	seen := make(map[string]int, len(docs))
	for _, doc := range docs {
		count, ok := seen[doc.DocumentID]
		if ok {
			seen[doc.DocumentID] = count + 1
			doc.DocumentID = fmt.Sprintf("%s-%d", doc.DocumentID, count+1)
			continue
		}
		seen[doc.DocumentID] = 0
	}
}

func newRawDocument(tenantID, docID, content string, meta map[string]interface{}, source model.Source) *model.RawDocument {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["source"] = string(source)
	meta["fetched_at"] = time.Now().UTC().Format(time.RFC3339)
	return &model.RawDocument{
		DocumentID:      docID,
		Content:         content,
		ContentBytesLen: len(content),
		Metadata:        meta,
		TenantID:        tenantID,
	}
}
