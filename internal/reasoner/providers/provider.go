package providers

import (
	"context"
	"fmt"
	"strings"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string
	Content string
}

// Provider generates answers from a prompt assembled over capsule pages.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// LocalProvider answers without any external service by quoting the best
// passage from the supplied context. It keeps the ask surface usable when
// no API key is configured.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (l *LocalProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	var contextBody string
	for _, msg := range messages {
		if msg.Role == "system" {
			contextBody = msg.Content
		}
	}
	question := strings.TrimSpace(messages[len(messages)-1].Content)
	passage := firstPassage(contextBody)
	if passage == "" {
		return fmt.Sprintf("No supporting passages were found for: %s", question), nil
	}
	return fmt.Sprintf("Based on the capsule, the most relevant passage is:\n\n%s", passage), nil
}

func (l *LocalProvider) Name() string {
	return "local"
}

// firstPassage extracts the first non-header paragraph of a context prompt.
func firstPassage(body string) string {
	for _, block := range strings.Split(body, "\n\n") {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" || strings.HasPrefix(trimmed, "You are") {
			continue
		}
		return trimmed
	}
	return ""
}
