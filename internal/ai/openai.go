package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

func init() {
	Register("openai", createOpenAIEmbedder)
}

type openAIEmbedder struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func createOpenAIEmbedder(args ProviderArgs) (Embedder, error) {
	baseURL := args.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAIEmbedder{
		apiKey:  args.APIKey,
		baseURL: baseURL,
		model:   args.Model,
		client:  &http.Client{Timeout: args.Timeout},
	}, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openAIEmbedder) ModelName() string {
	return p.model
}

func (p *openAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, appErr.Wrapf(appErr.ErrValidation, "embedding api key is not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	endpoint := strings.TrimRight(p.baseURL, "/") + "/embeddings"
	reqBody := openAIEmbedRequest{Model: p.model, Input: texts}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "embedding request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, appErr.Wrapf(appErr.ErrRateLimited, "embedding api 429: %s", msg)
		case resp.StatusCode >= 500:
			return nil, appErr.Wrapf(appErr.ErrTransient, "embedding api %d: %s", resp.StatusCode, msg)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, appErr.Wrapf(appErr.ErrForbidden, "embedding api %d: %s", resp.StatusCode, msg)
		default:
			return nil, appErr.Wrapf(appErr.ErrValidation, "embedding api %d: %s", resp.StatusCode, msg)
		}
	}
	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, appErr.WrapErr(appErr.ErrTransient, "decode embedding response", err)
	}
	if len(out.Data) != len(texts) {
		return nil, appErr.Wrapf(appErr.ErrTransient,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(out.Data))
	}
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
