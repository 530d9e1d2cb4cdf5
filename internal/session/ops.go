package session

import (
	"context"
	"fmt"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/envelope"
	"github.com/memglyph/glyphcase/internal/graph"
	"github.com/memglyph/glyphcase/internal/search"
	"github.com/memglyph/glyphcase/internal/vector"
)

// SearchFTS runs a plain full-text query.
func (s *Session) SearchFTS(ctx context.Context, query string, limit int, filter *capsule.EntityFilter) ([]capsule.SearchHit, error) {
	var hits []capsule.SearchHit
	err := s.guard.Do(ctx, "search-fts", func(ctx context.Context) error {
		store, writer, err := s.current()
		if err != nil {
			return err
		}
		hits, err = store.SearchText(ctx, query, limit, filter)
		if err != nil {
			return err
		}
		s.logRetrieval(ctx, writer, query, "fts", hits)
		return nil
	})
	return hits, err
}

// SearchVector ranks pages by embedding similarity to the query text. The
// query is embedded outside the queue so a slow provider cannot stall other
// capsule work.
func (s *Session) SearchVector(ctx context.Context, query string, limit int) ([]vector.Match, error) {
	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	var matches []vector.Match
	err = s.guard.Do(ctx, "search-vector", func(ctx context.Context) error {
		store, writer, err := s.current()
		if err != nil {
			return err
		}
		matches, err = s.vectorMatches(ctx, store, writer, queryVec, limit)
		if err != nil {
			return err
		}
		s.logRetrieval(ctx, writer, query, "vector", matches)
		return nil
	})
	return matches, err
}

// SearchHybrid fuses full-text, vector, entity and graph signals. Weight
// overrides apply to this query only. Without an embedder or embeddings the
// vector signal silently zeroes out.
func (s *Session) SearchHybrid(ctx context.Context, query string, limit int, overrides map[string]float64, filter *capsule.EntityFilter) ([]search.Result, error) {
	var queryVec []float32
	if s.embedder != nil {
		vec, err := s.embedQuery(ctx, query)
		if err != nil {
			common.Logger().Warn("session: hybrid continuing without vector signal", "error", err)
		} else {
			queryVec = vec
		}
	}

	var results []search.Result
	err := s.guard.Do(ctx, "search-hybrid", func(ctx context.Context) error {
		store, writer, err := s.current()
		if err != nil {
			return err
		}
		var vecMatches []vector.Match
		if queryVec != nil {
			vecMatches, err = s.vectorMatches(ctx, store, writer, queryVec, limit*3)
			if err != nil && err != ErrNoVectors {
				return err
			}
		}
		s.mu.RLock()
		ranker := s.ranker
		s.mu.RUnlock()
		if ranker == nil {
			ranker = search.NewRanker(store, search.WithWeights(s.weights))
		}
		if len(overrides) > 0 {
			ranker = search.NewRanker(store, search.WithWeights(ranker.Weights().Merge(overrides)))
		}
		results, err = ranker.Search(ctx, query, vecMatches, limit, filter)
		if err != nil {
			return err
		}
		s.logRetrieval(ctx, writer, query, "hybrid", results)
		return nil
	})
	return results, err
}

func (s *Session) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("session: no embedder configured")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("session: embed query: %w", err)
	}
	return vec, nil
}

// vectorMatches serves from the ANN index when one was built. Without an
// index it ranks every cached vector directly, so a failed index build does
// not disable vector search; ErrNoVectors is reserved for capsules that
// carry no embeddings at all.
func (s *Session) vectorMatches(ctx context.Context, store *capsule.Store, writer *envelope.Writer, queryVec []float32, limit int) ([]vector.Match, error) {
	s.mu.RLock()
	idx := s.index
	modelID := s.modelID
	s.mu.RUnlock()
	if idx != nil && idx.Size() > 0 {
		return idx.Search(queryVec, limit), nil
	}

	if modelID == "" {
		models, err := store.Models(ctx)
		if err != nil {
			return nil, err
		}
		if len(models) == 0 {
			return nil, ErrNoVectors
		}
		modelID = models[0].ModelID
	}
	entries, err := s.loadEntries(ctx, store, writer, modelID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoVectors
	}
	return vector.BruteForce(entries, queryVec, limit), nil
}

// logRetrieval appends a retrieval block, logging rather than failing the
// search when the envelope rejects the write.
func (s *Session) logRetrieval(ctx context.Context, writer *envelope.Writer, query, mode string, results interface{}) {
	block, err := writer.AppendRetrieval(ctx, query, mode, results)
	if err != nil {
		common.Logger().Warn("session: retrieval log append failed", "mode", mode, "error", err)
		return
	}
	for _, o := range s.observers {
		o.EnvelopeAppended(block)
	}
}

// Page returns the full meta_index row for a gid.
func (s *Session) Page(ctx context.Context, gid string) (*capsule.Page, error) {
	var page *capsule.Page
	err := s.guard.Do(ctx, "page", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		page, err = store.Page(ctx, gid)
		return err
	})
	return page, err
}

// Entities returns the entities on a page.
func (s *Session) Entities(ctx context.Context, gid string) ([]capsule.Entity, error) {
	var entities []capsule.Entity
	err := s.guard.Do(ctx, "entities", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		entities, err = store.EntitiesForPage(ctx, gid)
		return err
	})
	return entities, err
}

// EntityFacets aggregates entity counts across the capsule.
func (s *Session) EntityFacets(ctx context.Context, typeFilter string, limit int) ([]capsule.EntityFacet, error) {
	var facets []capsule.EntityFacet
	err := s.guard.Do(ctx, "entity-facets", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		facets, err = store.EntityFacets(ctx, typeFilter, limit)
		return err
	})
	return facets, err
}

// GraphHops walks the knowledge graph outward from a seed page.
func (s *Session) GraphHops(ctx context.Context, gid, predicate string, maxHops, limit int) (*graph.Result, error) {
	var result *graph.Result
	err := s.guard.Do(ctx, "graph-hops", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		result, err = graph.Traverse(ctx, store, gid, predicate, maxHops, limit)
		return err
	})
	return result, err
}

// VerifyPage checks a page's content hash against its receipt.
func (s *Session) VerifyPage(ctx context.Context, gid string) (*capsule.PageVerification, error) {
	var verification *capsule.PageVerification
	err := s.guard.Do(ctx, "verify-page", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		verification, err = store.VerifyPage(ctx, gid)
		return err
	})
	return verification, err
}

// Checkpoints lists the capsule's Merkle checkpoints.
func (s *Session) Checkpoints(ctx context.Context) ([]capsule.Checkpoint, error) {
	var checkpoints []capsule.Checkpoint
	err := s.guard.Do(ctx, "checkpoints", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		checkpoints, err = store.Checkpoints(ctx)
		return err
	})
	return checkpoints, err
}

// Query runs a bounded read-only SQL passthrough.
func (s *Session) Query(ctx context.Context, query string, args []interface{}, limit int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	err := s.guard.Do(ctx, "query", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		rows, err = store.Query(ctx, query, args, limit)
		return err
	})
	return rows, err
}

// ExportCore produces a compact copy of the immutable core.
func (s *Session) ExportCore(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.guard.Do(ctx, "export-core", func(ctx context.Context) error {
		store, _, err := s.current()
		if err != nil {
			return err
		}
		data, err = store.ExportBytes(ctx)
		return err
	})
	return data, err
}

// AppendEmbedding caches a page embedding in the envelope and rebuilds the
// index when the embedding extends the active model.
func (s *Session) AppendEmbedding(ctx context.Context, gid, modelID string, vec []float32) (*envelope.Block, error) {
	var block *envelope.Block
	err := s.guard.Do(ctx, "append-embedding", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		block, err = writer.AppendEmbedding(ctx, gid, modelID, vec)
		if err != nil {
			return err
		}
		for _, o := range s.observers {
			o.EnvelopeAppended(block)
		}
		s.mu.RLock()
		active := s.modelID
		s.mu.RUnlock()
		if modelID == active || active == "" {
			if err := s.rebuildIndex(ctx); err != nil {
				common.Logger().Warn("session: index rebuild after embedding failed", "error", err)
			}
		}
		return nil
	})
	return block, err
}

// AppendFeedback records a relevance judgement in the envelope.
func (s *Session) AppendFeedback(ctx context.Context, gid, query string, rating int, note string) (*envelope.Block, error) {
	var block *envelope.Block
	err := s.guard.Do(ctx, "append-feedback", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		block, err = writer.AppendFeedback(ctx, gid, query, rating, note)
		if err != nil {
			return err
		}
		for _, o := range s.observers {
			o.EnvelopeAppended(block)
		}
		return nil
	})
	return block, err
}

// AppendSummary records a synthesized context summary in the envelope.
func (s *Session) AppendSummary(ctx context.Context, topic, summary string, sourceGIDs []string) (*envelope.Block, error) {
	var block *envelope.Block
	err := s.guard.Do(ctx, "append-summary", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		block, err = writer.AppendSummary(ctx, topic, summary, sourceGIDs)
		if err != nil {
			return err
		}
		for _, o := range s.observers {
			o.EnvelopeAppended(block)
		}
		return nil
	})
	return block, err
}

// EnvelopeActivity returns the newest chain blocks.
func (s *Session) EnvelopeActivity(ctx context.Context, limit int) ([]envelope.Block, error) {
	var blocks []envelope.Block
	err := s.guard.Do(ctx, "envelope-activity", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		blocks, err = writer.RecentActivity(ctx, limit)
		return err
	})
	return blocks, err
}

// VerifyEnvelope checks the hash chain; with content set it also re-hashes
// every record.
func (s *Session) VerifyEnvelope(ctx context.Context, content bool) ([]envelope.ChainBreak, error) {
	var breaks []envelope.ChainBreak
	err := s.guard.Do(ctx, "verify-envelope", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		if content {
			breaks, err = writer.VerifyChainContent(ctx)
		} else {
			breaks, err = writer.VerifyChain(ctx)
		}
		return err
	})
	return breaks, err
}

// ClearEnvelope evicts pending work and resets the sidecar to genesis.
func (s *Session) ClearEnvelope(ctx context.Context) error {
	s.guard.Clear()
	return s.guard.Do(ctx, "clear-envelope", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		if err := writer.Clear(ctx); err != nil {
			return err
		}
		return s.rebuildIndex(ctx)
	})
}

// Merge folds the envelope into a copy of the core and returns the merged
// capsule bytes.
func (s *Session) Merge(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.guard.Do(ctx, "merge", func(ctx context.Context) error {
		store, writer, err := s.current()
		if err != nil {
			return err
		}
		core, err := store.ExportBytes(ctx)
		if err != nil {
			return err
		}
		data, err = writer.Merge(ctx, core)
		return err
	})
	return data, err
}

// Extract splits a merged capsule: the envelope adopts the merged sidecar
// state and the bare core bytes are returned.
func (s *Session) Extract(ctx context.Context, merged []byte) ([]byte, error) {
	var data []byte
	err := s.guard.Do(ctx, "extract", func(ctx context.Context) error {
		_, writer, err := s.current()
		if err != nil {
			return err
		}
		data, err = writer.Extract(ctx, merged)
		if err != nil {
			return err
		}
		return s.rebuildIndex(ctx)
	})
	return data, err
}
