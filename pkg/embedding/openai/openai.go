// Package openai provides an embedding.Embedder backed by the OpenAI
// embeddings API or any compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/wanglei99999/ai-agent-learning/pkg/embedding"
)

// Options configure the OpenAI embedder.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// Embedder calls the embeddings endpoint once per text.
type Embedder struct {
	client *openai.Client
	model  string
	dims   int
}

var _ embedding.Embedder = (*Embedder)(nil)

// New creates an embedder. Without an APIKey the SDK falls back to the
// OPENAI_API_KEY environment variable.
func New(opts Options) *Embedder {
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return NewFromClient(&client, opts)
}

// NewFromClient creates an embedder from an existing client.
func NewFromClient(client *openai.Client, opts Options) *Embedder {
	if opts.Model == "" {
		opts.Model = openai.EmbeddingModelTextEmbedding3Small
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	return &Embedder{client: client, model: opts.Model, dims: opts.Dimensions}
}

func (e *Embedder) Dims() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embedding.ErrEmptyText
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      e.model,
		Dimensions: openai.Int(int64(e.dims)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	raw := resp.Data[0].Embedding
	vec := make(embedding.Vector, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}
