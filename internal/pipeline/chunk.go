package pipeline

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/Boswecw/rake/internal/model"
	appErr "github.com/Boswecw/rake/internal/pkg/errors"
	"github.com/Boswecw/rake/internal/tokenizer"
)

type ChunkStrategy string

const (
	StrategyToken    ChunkStrategy = "token"
	StrategySemantic ChunkStrategy = "semantic"
	StrategyHybrid   ChunkStrategy = "hybrid"
)

// snapWindow is the trailing fraction of a token window inside which the
// right edge snaps left to a sentence end.
const snapWindow = 0.2

// Chunker segments cleaned documents into token-bounded chunks. The token
// strategy slides a window over the document's token stream; the semantic
// strategies first split at embedding-detected topic shifts.
type Chunker struct {
	counter   tokenizer.Counter
	strategy  ChunkStrategy
	chunkSize int
	overlap   int
	minTokens int
	semantic  *semanticSplitter
}

func NewChunker(counter tokenizer.Counter, strategy ChunkStrategy, chunkSize, overlap, minTokens int, semantic *semanticSplitter) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive")
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("overlap (%d) must be in [0, chunk_size)", overlap)
	}
	switch strategy {
	case StrategyToken, StrategySemantic, StrategyHybrid:
	default:
		return nil, fmt.Errorf("unknown chunk strategy %q", strategy)
	}
	if strategy != StrategyToken && semantic == nil {
		return nil, fmt.Errorf("strategy %s requires a semantic splitter", strategy)
	}
	if minTokens < 0 {
		minTokens = 0
	}
	return &Chunker{
		counter:   counter,
		strategy:  strategy,
		chunkSize: chunkSize,
		overlap:   overlap,
		minTokens: minTokens,
		semantic:  semantic,
	}, nil
}

func (c *Chunker) Execute(ctx context.Context, docs []*model.CleanedDocument) ([]*model.Chunk, error) {
	logger := logutil.GetLogger(ctx)
	var chunks []*model.Chunk
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, appErr.WrapErr(appErr.ErrCancelled, "chunking aborted", err)
		}
		docChunks, err := c.chunkDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		logger.Debug("document chunked",
			zap.String("document_id", doc.DocumentID),
			zap.String("strategy", string(c.strategy)),
			zap.Int("chunk_count", len(docChunks)),
		)
		chunks = append(chunks, docChunks...)
	}
	logger.Info("chunk stage complete",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

func (c *Chunker) chunkDocument(ctx context.Context, doc *model.CleanedDocument) ([]*model.Chunk, error) {
	// Documents below the minimum chunk floor are not worth embedding at
	// all; they complete the pipeline with zero chunks.
	if c.minTokens > 0 && c.counter.Count(doc.Content) < c.minTokens {
		return nil, nil
	}
	var pieces []string
	if c.strategy == StrategyToken {
		pieces = []string{doc.Content}
	} else {
		runs, err := c.semantic.split(ctx, doc.Content)
		if err != nil {
			return nil, err
		}
		pieces = runs
	}

	position := 0
	var chunks []*model.Chunk
	for _, piece := range pieces {
		for _, segment := range c.tokenWindows(piece) {
			chunks = append(chunks, c.newChunk(doc, segment.content, segment.tokens, position))
			position++
		}
	}
	return chunks, nil
}

type window struct {
	content string
	tokens  int
}

// tokenWindows slides a chunk-size window over text. The window advances by
// (chunk_size - overlap) tokens; when a sentence end falls inside the last
// 20% of the window, the right edge snaps left to it.
func (c *Chunker) tokenWindows(text string) []window {
	tokens := c.counter.Encode(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= c.chunkSize {
		return []window{{content: text, tokens: len(tokens)}}
	}

	boundaries := c.sentenceBoundaries(text)
	var out []window
	start := 0
	for start < len(tokens) {
		end := start + c.chunkSize
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			snapFloor := end - int(float64(c.chunkSize)*snapWindow)
			if snapped, ok := snapLeft(boundaries, snapFloor, end); ok && snapped > start+c.overlap {
				end = snapped
			}
		}
		out = append(out, window{
			content: c.counter.Decode(tokens[start:end]),
			tokens:  end - start,
		})
		if end == len(tokens) {
			break
		}
		start = end - c.overlap
	}
	return out
}

// sentenceBoundaries returns approximate token offsets of sentence ends.
func (c *Chunker) sentenceBoundaries(text string) []int {
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		return nil
	}
	boundaries := make([]int, 0, len(sentences))
	total := 0
	for _, sentence := range sentences {
		total += c.counter.Count(sentence)
		boundaries = append(boundaries, total)
	}
	return boundaries
}

// snapLeft finds the largest boundary in (floor, ceil].
func snapLeft(boundaries []int, floor, ceil int) (int, bool) {
	best := -1
	for _, b := range boundaries {
		if b > floor && b <= ceil && b > best {
			best = b
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

func (c *Chunker) newChunk(doc *model.CleanedDocument, content string, tokens, position int) *model.Chunk {
	meta := model.CloneMetadata(doc.Metadata)
	meta["chunk_strategy"] = string(c.strategy)
	return &model.Chunk{
		ChunkID:    fmt.Sprintf("%s-%d", doc.DocumentID, position),
		DocumentID: doc.DocumentID,
		Content:    content,
		TokenCount: tokens,
		Position:   position,
		Metadata:   meta,
	}
}
