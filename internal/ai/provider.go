package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Embedder turns a batch of texts into one vector per input, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// ProviderArgs configures an embedding provider instance.
type ProviderArgs struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Factory func(args ProviderArgs) (Embedder, error)

var registry = map[string]Factory{}

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

// NewEmbedder builds the named provider. Provider names are the registry
// keys (openai, gemini).
func NewEmbedder(provider string, args ProviderArgs) (Embedder, error) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
	return factory(args)
}

// CostEstimator prices embedding calls with a flat tokens-times-unit-price
// model.
type CostEstimator struct {
	UnitCostPer1K float64
}

func (c CostEstimator) Estimate(tokens int) float64 {
	return float64(tokens) / 1000.0 * c.UnitCostPer1K
}
