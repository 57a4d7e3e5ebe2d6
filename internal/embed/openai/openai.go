// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

// DefaultDimension is the vector size of the default model.
const DefaultDimension = 1536

// Embedder implements memory.Embedder.
type Embedder struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
	dim    int
}

// Options configures an Embedder. Empty fields use the defaults.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

// New creates an Embedder.
func New(opts Options) *Embedder {
	conf := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		conf.BaseURL = opts.BaseURL
	}
	model := goopenai.AdaEmbeddingV2
	if opts.Model != "" {
		model = goopenai.EmbeddingModel(opts.Model)
	}
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultDimension
	}
	return &Embedder{
		client: goopenai.NewClientWithConfig(conf),
		model:  model,
		dim:    opts.Dimension,
	}
}

// Dimension reports the configured vector size.
func (e *Embedder) Dimension() int { return e.dim }

// Embed returns the embedding for text. Transport and API failures are
// reported as backend unavailable.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: cannot embed empty text", agenterr.ErrValidation)
	}
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: openai embeddings: %w", agenterr.ErrBackendUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: openai embeddings: empty response", agenterr.ErrBackendUnavailable)
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("%w: openai returned %d dimensions, want %d", agenterr.ErrBackendUnavailable, len(vec), e.dim)
	}
	return vec, nil
}
