package reasoner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/memglyph/glyphcase/internal/common"
)

// QueryEmbedder turns query text into vectors in the capsule's embedding
// space via an OpenAI-compatible endpoint. Local serving stacks work too;
// a token of "none" satisfies servers that skip auth.
type QueryEmbedder struct {
	embedder embeddings.Embedder
	modelID  string
}

// NewQueryEmbedder builds an embedder from the environment. modelID must
// match a model cached in the capsule or its vectors will not be
// comparable. Returns nil without error when no endpoint or key is
// configured so callers can run text-only.
func NewQueryEmbedder(modelID string) (*QueryEmbedder, error) {
	host := strings.TrimSpace(os.Getenv("GLYPHCASE_EMBEDDING_HOST"))
	token := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if host == "" && token == "" {
		return nil, nil
	}
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(modelID),
	}
	if host != "" {
		opts = append(opts, openai.WithBaseURL(host))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("reasoner: embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("reasoner: wrap embedder: %w", err)
	}
	common.Logger().Info("reasoner: query embedder configured", "model", modelID, "host", host)
	return &QueryEmbedder{embedder: embedder, modelID: modelID}, nil
}

func (e *QueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("reasoner: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("reasoner: embedder returned no vectors")
	}
	return vectors[0], nil
}

func (e *QueryEmbedder) ModelID() string {
	return e.modelID
}
