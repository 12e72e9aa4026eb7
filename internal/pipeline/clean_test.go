package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
)

func rawDoc(id, content string, meta map[string]interface{}) *model.RawDocument {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return &model.RawDocument{
		DocumentID:      id,
		Content:         content,
		ContentBytesLen: len(content),
		Metadata:        meta,
		TenantID:        "tenant-a",
	}
}

func TestCleanCollapsesWhitespace(t *testing.T) {
	stage := NewCleanStage(10)
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{
		rawDoc("d1", "hello   world\n\nthis\tis   spaced", nil),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "hello world this is spaced", docs[0].Content)
	require.Equal(t, 5, docs[0].WordCount)
}

func TestCleanStripsHTML(t *testing.T) {
	stage := NewCleanStage(10)
	html := `<html><body><p>Real content here.</p><script>alert(1)</script></body></html>`
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{rawDoc("d1", html, nil)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Real content here.", docs[0].Content)
}

func TestCleanRespectsMimeMetadata(t *testing.T) {
	stage := NewCleanStage(5)
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{
		rawDoc("d1", "<b>bold words</b>", map[string]interface{}{"mime_type": "text/html"}),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "bold words", docs[0].Content)
}

func TestCleanDropsShortDocuments(t *testing.T) {
	stage := NewCleanStage(20)
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{
		rawDoc("short", "tiny", nil),
		rawDoc("long", "this one is comfortably long enough to keep", nil),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "long", docs[0].DocumentID)
}

func TestCleanDropDoesNotFailJob(t *testing.T) {
	stage := NewCleanStage(100)
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{rawDoc("only", "too short", nil)})
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestCleanPreservesMetadataAndID(t *testing.T) {
	stage := NewCleanStage(5)
	meta := map[string]interface{}{"url": "https://example.test/a", "fetched_at": "2026-01-01T00:00:00Z"}
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{rawDoc("doc-7", "plenty of text in this document", meta)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "doc-7", docs[0].DocumentID)
	require.Equal(t, "https://example.test/a", docs[0].Metadata["url"])
	require.Equal(t, "2026-01-01T00:00:00Z", docs[0].Metadata["fetched_at"])
}

func TestCleanNormalizesUnicode(t *testing.T) {
	stage := NewCleanStage(3)
	// e followed by combining acute composes to a single rune under NFC.
	docs, err := stage.Execute(context.Background(), []*model.RawDocument{
		rawDoc("d1", "café terrace view", nil),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Contains(t, docs[0].Content, "café")
}
