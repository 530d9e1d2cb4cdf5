package search

import (
	"context"
	"sort"
	"strings"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/vector"
)

const (
	// oversampleFactor widens the candidate pool gathered from each signal
	// before fusion so a page weak in one signal can still surface.
	oversampleFactor = 3

	// oversampleCap bounds the widened pool regardless of the requested
	// limit.
	oversampleCap = 50

	// graphScoreCandidates is how many of the top full-text candidates
	// receive the graph connectivity pass. The pass costs one neighbor
	// query per candidate, so it is restricted to the head of the FTS
	// ranking; everything below it keeps a graph score of zero.
	graphScoreCandidates = 10

	// neighborCap bounds the neighbors consulted per candidate during the
	// graph connectivity pass.
	neighborCap = 5

	// signalSaturation is the overlap count at which the entity and graph
	// sub-scores reach 1.0.
	signalSaturation = 3

	defaultLimit = 10
)

// Source is the read surface fusion needs from an open capsule.
type Source interface {
	SearchText(ctx context.Context, query string, limit int, filter *capsule.EntityFilter) ([]capsule.SearchHit, error)
	EntitiesForPage(ctx context.Context, gid string) ([]capsule.Entity, error)
	NeighborGIDs(ctx context.Context, gid string, max int) ([]string, error)
}

// Weights controls how the four fusion signals blend into a final score.
type Weights struct {
	FTS    float64 `json:"fts"`
	Vector float64 `json:"vector"`
	Entity float64 `json:"entity"`
	Graph  float64 `json:"graph"`
}

// DefaultWeights returns the stock blend.
func DefaultWeights() Weights {
	return Weights{FTS: 0.35, Vector: 0.40, Entity: 0.15, Graph: 0.10}
}

// Merge applies named overrides to a weight set. Unknown names are ignored
// and negative values are dropped.
func (w Weights) Merge(overrides map[string]float64) Weights {
	for name, value := range overrides {
		if value < 0 {
			continue
		}
		switch strings.ToLower(name) {
		case "fts":
			w.FTS = value
		case "vector":
			w.Vector = value
		case "entity":
			w.Entity = value
		case "graph":
			w.Graph = value
		}
	}
	return w
}

// Components breaks a fused score down into its per-signal contributions
// before weighting.
type Components struct {
	FTS    float64 `json:"fts"`
	Vector float64 `json:"vector"`
	Entity float64 `json:"entity"`
	Graph  float64 `json:"graph"`
}

// Result is one fused ranking entry.
type Result struct {
	GID        string     `json:"gid"`
	PageNo     int        `json:"page_no"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet,omitempty"`
	Score      float64    `json:"score"`
	Components Components `json:"components"`
}

// Ranker fuses full-text, vector, entity and graph signals into one ranking.
type Ranker struct {
	src     Source
	weights Weights
}

// Option mutates a Ranker during construction.
type Option func(*Ranker)

// WithWeights replaces the stock blend.
func WithWeights(w Weights) Option {
	return func(r *Ranker) { r.weights = w }
}

func NewRanker(src Source, opts ...Option) *Ranker {
	r := &Ranker{src: src, weights: DefaultWeights()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Weights returns the blend the ranker was configured with.
func (r *Ranker) Weights() Weights {
	return r.weights
}

type candidate struct {
	gid     string
	pageNo  int
	title   string
	snippet string
	comps   Components
}

// Search runs the fusion pipeline. Vector matches are supplied by the
// caller: the ranker has no opinion on how the query was embedded, only on
// how the similarity scores blend with the other signals. A nil or empty
// vecMatches simply zeroes that signal.
func (r *Ranker) Search(ctx context.Context, query string, vecMatches []vector.Match, limit int, filter *capsule.EntityFilter) ([]Result, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	oversample := limit * oversampleFactor
	if oversample > oversampleCap {
		oversample = oversampleCap
	}

	pool := make(map[string]*candidate)
	ordered := []string{}
	add := func(gid string, pageNo int, title string) *candidate {
		if existing, ok := pool[gid]; ok {
			return existing
		}
		cand := &candidate{gid: gid, pageNo: pageNo, title: title}
		pool[gid] = cand
		ordered = append(ordered, gid)
		return cand
	}

	// Candidate generation is the one step with no fallback: if the text
	// index rejects the query, the whole call fails.
	hits, err := r.src.SearchText(ctx, query, oversample, filter)
	if err != nil {
		return nil, err
	}
	for _, hit := range hits {
		cand := add(hit.GID, hit.PageNo, hit.Title)
		cand.snippet = hit.Snippet
		cand.comps.FTS = hit.Score
	}

	for i, match := range vecMatches {
		if i >= oversample {
			break
		}
		cand := add(match.GID, match.PageNo, match.Title)
		cand.comps.Vector = match.Score
	}
	if len(pool) == 0 {
		return []Result{}, nil
	}

	tokens := queryTokens(query)
	if len(tokens) > 0 {
		for _, gid := range ordered {
			entities, err := r.src.EntitiesForPage(ctx, gid)
			if err != nil {
				return nil, err
			}
			pool[gid].comps.Entity = overlapScore(tokens, entities)
		}
	}

	// Graph connectivity rewards candidates whose strongest neighbors also
	// made the pool. Only the top full-text candidates are probed;
	// vector-only candidates never receive a graph score.
	probe := graphScoreCandidates
	if limit < probe {
		probe = limit
	}
	if probe > len(hits) {
		probe = len(hits)
	}
	for i := 0; i < probe; i++ {
		gid := hits[i].GID
		neighbors, err := r.src.NeighborGIDs(ctx, gid, neighborCap)
		if err != nil {
			return nil, err
		}
		connected := 0
		for _, neighbor := range neighbors {
			if _, ok := pool[neighbor]; ok {
				connected++
			}
		}
		if connected > 0 {
			pool[gid].comps.Graph = saturate(connected)
		}
	}

	results := fuse(pool, ordered, r.weights)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// fuse computes weighted scores for the pool and returns a deterministic
// descending ranking. Ties keep the candidate pool's insertion order.
func fuse(pool map[string]*candidate, ordered []string, w Weights) []Result {
	results := make([]Result, 0, len(ordered))
	for _, gid := range ordered {
		cand := pool[gid]
		score := w.FTS*cand.comps.FTS +
			w.Vector*cand.comps.Vector +
			w.Entity*cand.comps.Entity +
			w.Graph*cand.comps.Graph
		results = append(results, Result{
			GID:        cand.gid,
			PageNo:     cand.pageNo,
			Title:      cand.title,
			Snippet:    cand.snippet,
			Score:      score,
			Components: cand.comps,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// queryTokens lowercases the query and keeps tokens long enough to carry
// entity signal.
func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	tokens := fields[:0]
	for _, field := range fields {
		trimmed := strings.Trim(field, `.,;:!?"'()[]`)
		if len(trimmed) > 2 {
			tokens = append(tokens, trimmed)
		}
	}
	return tokens
}

// overlapScore counts query tokens that appear in the page's entity text and
// saturates the count into [0,1].
func overlapScore(tokens []string, entities []capsule.Entity) float64 {
	if len(entities) == 0 {
		return 0
	}
	hits := 0
	for _, token := range tokens {
		for _, entity := range entities {
			if strings.Contains(strings.ToLower(entity.EntityText), token) ||
				strings.Contains(strings.ToLower(entity.NormalizedValue), token) {
				hits++
				break
			}
		}
	}
	return saturate(hits)
}

func saturate(hits int) float64 {
	score := float64(hits) / signalSaturation
	if score > 1 {
		return 1
	}
	return score
}
