package pipeline

import (
	"context"
	"math"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/ai"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

// sentenceEmbedBatch keeps sentence-embedding calls small; boundary
// detection does not need the throughput of the main embed stage.
const sentenceEmbedBatch = 32

// semanticSplitter places chunk boundaries at topic shifts: adjacent
// sentences whose embedding cosine similarity falls below the threshold
// start a new run.
type semanticSplitter struct {
	embedder  ai.Embedder
	threshold float64
}

func NewSemanticSplitter(embedder ai.Embedder, threshold float64) *semanticSplitter {
	return &semanticSplitter{embedder: embedder, threshold: threshold}
}

// split returns runs of consecutive sentences. A document with a single
// sentence (or none) comes back as at most one run.
func (s *semanticSplitter) split(ctx context.Context, content string) ([]string, error) {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) == 1 {
		return []string{content}, nil
	}

	vectors, err := s.embedSentences(ctx, sentences)
	if err != nil {
		return nil, err
	}

	var runs []string
	var current []string
	boundaries := 0
	for i, sentence := range sentences {
		if i > 0 {
			sim := cosineSimilarity(vectors[i-1], vectors[i])
			if sim < s.threshold {
				runs = append(runs, strings.Join(current, " "))
				current = nil
				boundaries++
			}
		}
		current = append(current, sentence)
	}
	if len(current) > 0 {
		runs = append(runs, strings.Join(current, " "))
	}
	logutil.GetLogger(ctx).Debug("semantic boundaries placed",
		zap.Int("sentences", len(sentences)),
		zap.Int("boundaries", boundaries),
		zap.Float64("threshold", s.threshold),
	)
	return runs, nil
}

func (s *semanticSplitter) embedSentences(ctx context.Context, sentences []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(sentences))
	for start := 0; start < len(sentences); start += sentenceEmbedBatch {
		if err := ctx.Err(); err != nil {
			return nil, appErr.WrapErr(appErr.ErrCancelled, "sentence embedding aborted", err)
		}
		end := start + sentenceEmbedBatch
		if end > len(sentences) {
			end = len(sentences)
		}
		batch, err := s.embedder.EmbedBatch(ctx, sentences[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
