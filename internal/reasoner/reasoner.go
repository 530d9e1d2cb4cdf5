// Package reasoner answers natural-language questions over an open capsule
// by retrieving supporting pages and handing them to a chat provider.
package reasoner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/envelope"
	"github.com/memglyph/glyphcase/internal/reasoner/providers"
	"github.com/memglyph/glyphcase/internal/search"
)

type Message = providers.Message

type Provider = providers.Provider

// NewProvider selects a chat backend from the environment: OpenAI when an
// API key is present, a local extractive fallback otherwise.
func NewProvider() Provider {
	logger := common.Logger()
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if timeoutStr := strings.TrimSpace(os.Getenv("OPENAI_HTTP_TIMEOUT")); timeoutStr != "" {
			timeout, err := time.ParseDuration(timeoutStr)
			if err != nil {
				logger.Warn("reasoner: invalid OPENAI_HTTP_TIMEOUT, using default", "value", timeoutStr, "error", err)
			} else {
				opts = append(opts, option.WithRequestTimeout(timeout))
			}
		}
		if endpoint := strings.TrimSpace(os.Getenv("OPENAI_ENDPOINT")); endpoint != "" {
			logger.Info("reasoner: using custom endpoint", "endpoint", endpoint)
			opts = append(opts, option.WithBaseURL(endpoint))
		}
		client := openai.NewClient(opts...)
		logger.Info("reasoner: OpenAI provider selected")
		return providers.NewOpenAIProvider(&client)
	}
	logger.Warn("reasoner: OPENAI_API_KEY not set; falling back to local provider")
	return providers.NewLocalProvider()
}

// Capsule is the retrieval surface the reasoner needs from a session.
type Capsule interface {
	SearchHybrid(ctx context.Context, query string, limit int, overrides map[string]float64, filter *capsule.EntityFilter) ([]search.Result, error)
	Page(ctx context.Context, gid string) (*capsule.Page, error)
	AppendSummary(ctx context.Context, topic, summary string, sourceGIDs []string) (*envelope.Block, error)
}

const (
	// contextPages is how many retrieved pages feed the prompt.
	contextPages = 5

	// pageExcerptLimit truncates each page's contribution so a handful of
	// long pages cannot blow the prompt budget.
	pageExcerptLimit = 1500
)

// Answer carries the provider response plus the pages it was grounded on.
type Answer struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Provider string   `json:"provider"`
	Sources  []string `json:"sources"`
}

type Reasoner struct {
	capsule  Capsule
	provider Provider
}

func New(c Capsule, p Provider) *Reasoner {
	if p == nil {
		p = providers.NewLocalProvider()
	}
	return &Reasoner{capsule: c, provider: p}
}

// Ask retrieves supporting pages for the question, asks the provider, and
// records the exchange as a context summary in the envelope.
func (r *Reasoner) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("reasoner: empty question")
	}

	results, err := r.capsule.SearchHybrid(ctx, question, contextPages, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("reasoner: retrieve context: %w", err)
	}

	var (
		prompt  strings.Builder
		sources []string
	)
	prompt.WriteString("You are answering questions about a sealed document capsule. ")
	prompt.WriteString("Use only the passages below; say so when they do not cover the question.\n")
	for _, result := range results {
		page, err := r.capsule.Page(ctx, result.GID)
		if err != nil {
			common.Logger().Warn("reasoner: skipping unreadable page", "gid", result.GID, "error", err)
			continue
		}
		excerpt := page.FullText
		if len(excerpt) > pageExcerptLimit {
			excerpt = excerpt[:pageExcerptLimit]
		}
		fmt.Fprintf(&prompt, "\n[page %d: %s]\n%s\n", page.PageNo, page.Title, excerpt)
		sources = append(sources, result.GID)
	}

	reply, err := r.provider.Chat(ctx, []Message{
		{Role: "system", Content: prompt.String()},
		{Role: "user", Content: question},
	})
	if err != nil {
		return nil, fmt.Errorf("reasoner: provider %s: %w", r.provider.Name(), err)
	}

	if _, err := r.capsule.AppendSummary(ctx, question, reply, sources); err != nil {
		common.Logger().Warn("reasoner: summary append failed", "error", err)
	}
	return &Answer{
		Question: question,
		Answer:   reply,
		Provider: r.provider.Name(),
		Sources:  sources,
	}, nil
}
