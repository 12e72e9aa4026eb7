package ai

import (
	"context"
	"strings"

	"google.golang.org/genai"

	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

func init() {
	Register("gemini", createGeminiEmbedder)
}

type geminiEmbedder struct {
	apiKey string
	model  string
}

func createGeminiEmbedder(args ProviderArgs) (Embedder, error) {
	return &geminiEmbedder{
		apiKey: strings.TrimSpace(args.APIKey),
		model:  args.Model,
	}, nil
}

func (p *geminiEmbedder) ModelName() string {
	return p.model
}

func (p *geminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, appErr.Wrapf(appErr.ErrValidation, "embedding api key is not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "create gemini client", err)
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: text}}})
	}
	resp, err := client.Models.EmbedContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "gemini embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, appErr.Wrapf(appErr.ErrTransient,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Embeddings))
	}
	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, nil
}
