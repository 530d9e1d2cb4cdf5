package search

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/vector"
)

type stubSource struct {
	hits      []capsule.SearchHit
	ftsErr    error
	entities  map[string][]capsule.Entity
	neighbors map[string][]string

	neighborCalls []string
}

func (s *stubSource) SearchText(ctx context.Context, query string, limit int, filter *capsule.EntityFilter) ([]capsule.SearchHit, error) {
	if s.ftsErr != nil {
		return nil, s.ftsErr
	}
	if limit < len(s.hits) {
		return s.hits[:limit], nil
	}
	return s.hits, nil
}

func (s *stubSource) EntitiesForPage(ctx context.Context, gid string) ([]capsule.Entity, error) {
	return s.entities[gid], nil
}

func (s *stubSource) NeighborGIDs(ctx context.Context, gid string, max int) ([]string, error) {
	s.neighborCalls = append(s.neighborCalls, gid)
	neighbors := s.neighbors[gid]
	if max < len(neighbors) {
		neighbors = neighbors[:max]
	}
	return neighbors, nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSearchFusesSignals(t *testing.T) {
	src := &stubSource{
		hits: []capsule.SearchHit{
			{GID: "g1", PageNo: 1, Title: "alpha", Snippet: "[alpha]", Score: 0.5},
			{GID: "g2", PageNo: 2, Title: "beta", Score: 0.25},
		},
		entities: map[string][]capsule.Entity{
			"g1": {{EntityText: "plasma"}, {EntityText: "tokamak"}},
		},
		neighbors: map[string][]string{
			"g1": {"g2"},
		},
	}
	ranker := NewRanker(src)
	results, err := ranker.Search(context.Background(), "plasma tokamak", []vector.Match{
		{GID: "g2", PageNo: 2, Title: "beta", Score: 0.9},
		{GID: "g3", PageNo: 3, Title: "gamma", Score: 0.8},
	}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byGID := map[string]Result{}
	for _, result := range results {
		byGID[result.GID] = result
	}

	// g1: fts 0.5, entity 2/3 (both query tokens hit), graph 1/3 (g2 in pool).
	want1 := 0.35*0.5 + 0.15*(2.0/3.0) + 0.10*(1.0/3.0)
	if !almostEqual(byGID["g1"].Score, want1) {
		t.Fatalf("g1 score %f want %f", byGID["g1"].Score, want1)
	}
	// g2: fts 0.25, vector 0.9.
	want2 := 0.35*0.25 + 0.40*0.9
	if !almostEqual(byGID["g2"].Score, want2) {
		t.Fatalf("g2 score %f want %f", byGID["g2"].Score, want2)
	}
	// g3: vector only.
	want3 := 0.40 * 0.8
	if !almostEqual(byGID["g3"].Score, want3) {
		t.Fatalf("g3 score %f want %f", byGID["g3"].Score, want3)
	}

	if results[0].GID != "g2" {
		t.Fatalf("expected g2 ranked first, got %s", results[0].GID)
	}
	if byGID["g1"].Snippet != "[alpha]" {
		t.Fatalf("snippet lost in fusion: %+v", byGID["g1"])
	}
	if comps := byGID["g1"].Components; !almostEqual(comps.Entity, 2.0/3.0) || !almostEqual(comps.Graph, 1.0/3.0) {
		t.Fatalf("unexpected g1 components: %+v", comps)
	}
}

func TestSearchDeterministicTieBreak(t *testing.T) {
	src := &stubSource{
		hits: []capsule.SearchHit{
			{GID: "z", Score: 0.5},
			{GID: "a", Score: 0.5},
		},
	}
	ranker := NewRanker(src)
	for i := 0; i < 5; i++ {
		results, err := ranker.Search(context.Background(), "xy", nil, 10, nil)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		// Equal scores keep the order the candidates arrived in.
		if results[0].GID != "z" || results[1].GID != "a" {
			t.Fatalf("tie not broken by candidate order: %s before %s", results[0].GID, results[1].GID)
		}
	}
}

func TestSearchWeightOverrides(t *testing.T) {
	weights := DefaultWeights().Merge(map[string]float64{"fts": 1, "vector": 0, "entity": 0, "graph": 0})
	src := &stubSource{
		hits: []capsule.SearchHit{{GID: "g1", Score: 0.2}},
	}
	ranker := NewRanker(src, WithWeights(weights))
	results, err := ranker.Search(context.Background(), "xy", []vector.Match{{GID: "g2", Score: 1}}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results[0].GID != "g1" {
		t.Fatalf("fts-only blend should rank g1 first, got %s", results[0].GID)
	}
	if !almostEqual(results[1].Score, 0) {
		t.Fatalf("zeroed vector weight leaked: %f", results[1].Score)
	}
}

func TestMergeIgnoresUnknownAndNegative(t *testing.T) {
	weights := DefaultWeights().Merge(map[string]float64{"fts": -1, "bogus": 5, "graph": 0.5})
	if weights.FTS != 0.35 || weights.Graph != 0.5 {
		t.Fatalf("unexpected merge result: %+v", weights)
	}
}

func TestSearchFailsWhenCandidateGenerationFails(t *testing.T) {
	ftsErr := errors.New("malformed MATCH")
	src := &stubSource{ftsErr: ftsErr}
	ranker := NewRanker(src)
	results, err := ranker.Search(context.Background(), "xy", []vector.Match{{GID: "g1", Score: 0.6}}, 10, nil)
	if !errors.Is(err, ftsErr) {
		t.Fatalf("expected candidate generation error, got err=%v results=%+v", err, results)
	}
	if results != nil {
		t.Fatalf("no results expected on failure, got %+v", results)
	}
	if len(src.neighborCalls) != 0 {
		t.Fatalf("graph scoring ran after candidate generation failed: %v", src.neighborCalls)
	}
}

func TestSearchGraphProbeLimitedToTopFTS(t *testing.T) {
	hits := []capsule.SearchHit{}
	for i := 0; i < 15; i++ {
		hits = append(hits, capsule.SearchHit{
			GID:   string(rune('a' + i)),
			Score: 1 - float64(i)*0.05,
		})
	}
	src := &stubSource{hits: hits}
	ranker := NewRanker(src)
	if _, err := ranker.Search(context.Background(), "xy", nil, 20, nil); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(src.neighborCalls) != graphScoreCandidates {
		t.Fatalf("expected %d neighbor probes, got %d", graphScoreCandidates, len(src.neighborCalls))
	}
	for i, gid := range src.neighborCalls {
		if gid != hits[i].GID {
			t.Fatalf("probe %d hit %s, want fts candidate %s", i, gid, hits[i].GID)
		}
	}
}

func TestSearchGraphProbeSkipsVectorOnlyCandidates(t *testing.T) {
	src := &stubSource{
		hits:      []capsule.SearchHit{{GID: "g1", Score: 0.1}},
		neighbors: map[string][]string{"g2": {"g1"}},
	}
	ranker := NewRanker(src)
	// g2 outranks g1 on the vector signal, but only full-text candidates
	// receive the graph pass.
	if _, err := ranker.Search(context.Background(), "xy", []vector.Match{{GID: "g2", Score: 0.99}}, 1, nil); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(src.neighborCalls) != 1 || src.neighborCalls[0] != "g1" {
		t.Fatalf("graph probe should cover fts candidates only, got %v", src.neighborCalls)
	}
}

func TestSearchEmptyPool(t *testing.T) {
	ranker := NewRanker(&stubSource{})
	results, err := ranker.Search(context.Background(), "xy", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %+v", results)
	}
}

func TestQueryTokens(t *testing.T) {
	tokens := queryTokens(`The "plasma" is hot, ok?`)
	want := []string{"the", "plasma", "hot"}
	if len(tokens) != len(want) {
		t.Fatalf("got %v want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("got %v want %v", tokens, want)
		}
	}
}
