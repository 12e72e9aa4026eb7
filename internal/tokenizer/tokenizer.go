package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts and segments text the way the target embedding model
// tokenizer would. Decode(Encode(s)) must reconstruct s for any text whose
// whitespace is already collapsed, which is what the clean stage guarantees.
type Counter interface {
	Count(text string) int
	Encode(text string) []int
	Decode(tokens []int) string
}

// New returns a tiktoken-backed counter for model. When the encoding data
// is unavailable (offline environments), it falls back to a word-level
// estimator so chunk bounds still hold approximately.
func New(model string) Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return newEstimator()
	}
	return &tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.Encode(text))
}

func (c *tiktokenCounter) Encode(text string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(text, nil, nil)
}

func (c *tiktokenCounter) Decode(tokens []int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Decode(tokens)
}

// estimator treats each whitespace-separated word as one token. Encode
// interns words so Decode can reconstruct single-space-joined text.
type estimator struct {
	mu    sync.Mutex
	words []string
	index map[string]int
}

func newEstimator() *estimator {
	return &estimator{index: make(map[string]int)}
}

func (e *estimator) Count(text string) int {
	count := len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}

func (e *estimator) Encode(text string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	fields := strings.Fields(text)
	tokens := make([]int, 0, len(fields))
	for _, w := range fields {
		id, ok := e.index[w]
		if !ok {
			id = len(e.words)
			e.words = append(e.words, w)
			e.index[w] = id
		}
		tokens = append(tokens, id)
	}
	return tokens
}

func (e *estimator) Decode(tokens []int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	parts := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if id >= 0 && id < len(e.words) {
			parts = append(parts, e.words[id])
		}
	}
	return strings.Join(parts, " ")
}
