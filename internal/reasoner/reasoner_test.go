package reasoner

import (
	"context"
	"strings"
	"testing"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/envelope"
	"github.com/memglyph/glyphcase/internal/search"
)

type fakeCapsule struct {
	results   []search.Result
	pages     map[string]*capsule.Page
	summaries int
}

func (f *fakeCapsule) SearchHybrid(ctx context.Context, query string, limit int, overrides map[string]float64, filter *capsule.EntityFilter) ([]search.Result, error) {
	return f.results, nil
}

func (f *fakeCapsule) Page(ctx context.Context, gid string) (*capsule.Page, error) {
	return f.pages[gid], nil
}

func (f *fakeCapsule) AppendSummary(ctx context.Context, topic, summary string, sourceGIDs []string) (*envelope.Block, error) {
	f.summaries++
	return &envelope.Block{BlockType: envelope.BlockSummary}, nil
}

func TestAskGroundsAnswerInPages(t *testing.T) {
	fake := &fakeCapsule{
		results: []search.Result{{GID: "g1", PageNo: 1, Title: "Fusion"}},
		pages: map[string]*capsule.Page{
			"g1": {GID: "g1", PageNo: 1, Title: "Fusion", FullText: "Plasma is confined magnetically."},
		},
	}
	r := New(fake, nil)

	answer, err := r.Ask(context.Background(), "How is plasma confined?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer.Provider != "local" {
		t.Fatalf("expected local provider, got %s", answer.Provider)
	}
	if !strings.Contains(answer.Answer, "Plasma is confined magnetically.") {
		t.Fatalf("answer not grounded: %q", answer.Answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0] != "g1" {
		t.Fatalf("unexpected sources: %v", answer.Sources)
	}
	if fake.summaries != 1 {
		t.Fatalf("summary not recorded, count = %d", fake.summaries)
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	r := New(&fakeCapsule{}, nil)
	if _, err := r.Ask(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestAskWithoutContext(t *testing.T) {
	r := New(&fakeCapsule{}, nil)
	answer, err := r.Ask(context.Background(), "anything?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(answer.Answer, "No supporting passages") {
		t.Fatalf("expected no-context reply, got %q", answer.Answer)
	}
}
