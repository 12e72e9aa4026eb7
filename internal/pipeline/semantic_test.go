package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Boswecw/rake/internal/model"
)

// topicEmbedder returns orthogonal vectors per topic keyword so boundary
// placement is fully deterministic.
type topicEmbedder struct {
	calls      int
	batchSizes []int
}

func (e *topicEmbedder) ModelName() string { return "stub-embedding-model" }

func (e *topicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.batchSizes = append(e.batchSizes, len(texts))
	out := make([][]float32, len(texts))
	for i, text := range texts {
		switch {
		case strings.Contains(text, "ocean"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(text, "stock"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func TestSemanticSplitPlacesBoundaryAtTopicShift(t *testing.T) {
	splitter := NewSemanticSplitter(&topicEmbedder{}, 0.5)
	content := "The ocean is deep. The ocean has waves. The stock market rose. The stock fell sharply."
	runs, err := splitter.split(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Contains(t, runs[0], "ocean")
	require.NotContains(t, runs[0], "stock")
	require.Contains(t, runs[1], "stock")
}

func TestSemanticSplitSingleSentencePassesThrough(t *testing.T) {
	splitter := NewSemanticSplitter(&topicEmbedder{}, 0.5)
	runs, err := splitter.split(context.Background(), "Just one sentence here.")
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestSemanticSplitEmptyContent(t *testing.T) {
	splitter := NewSemanticSplitter(&topicEmbedder{}, 0.5)
	runs, err := splitter.split(context.Background(), "   ")
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestSemanticSplitBatchesSentences(t *testing.T) {
	embedder := &topicEmbedder{}
	splitter := NewSemanticSplitter(embedder, 0.5)
	var sb strings.Builder
	for i := 0; i < 80; i++ {
		sb.WriteString("The ocean is deep and wide. ")
	}
	_, err := splitter.split(context.Background(), strings.TrimSpace(sb.String()))
	require.NoError(t, err)
	require.GreaterOrEqual(t, embedder.calls, 3)
	for _, size := range embedder.batchSizes {
		require.LessOrEqual(t, size, sentenceEmbedBatch)
	}
}

func TestHybridChunkingPostSplitsLongRuns(t *testing.T) {
	splitter := NewSemanticSplitter(&topicEmbedder{}, 0.5)
	chunker, err := NewChunker(newWordCounter(), StrategyHybrid, 20, 4, 0, splitter)
	require.NoError(t, err)

	var sb strings.Builder
	for i := 0; i < 12; i++ {
		sb.WriteString("The ocean current moves warm water northward every season. ")
	}
	sb.WriteString("The stock market closed mixed today.")
	doc := makeDoc(strings.TrimSpace(sb.String()))

	chunks, err := chunker.Execute(context.Background(), []*model.CleanedDocument{doc})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	for _, chunk := range chunks {
		require.LessOrEqual(t, chunk.TokenCount, 20)
		require.Greater(t, chunk.TokenCount, 0)
	}
	// The final chunk is the short second topic, unsplit and without
	// overlap from the first run.
	last := chunks[len(chunks)-1]
	require.Contains(t, last.Content, "stock market")
	require.NotContains(t, last.Content, "ocean")

	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Position)
	}
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 3}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity(nil, []float32{1}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{0, 0}), 1e-9)
}
