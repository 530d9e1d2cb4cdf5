// Package session ties an open capsule, its vector index, its envelope
// sidecar and the serial execution queue into one coherent handle. Every
// operation that touches SQLite flows through the queue.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/envelope"
	"github.com/memglyph/glyphcase/internal/queue"
	"github.com/memglyph/glyphcase/internal/search"
	"github.com/memglyph/glyphcase/internal/vector"
)

// ErrNoVectors is returned by vector and hybrid search when the capsule
// carries no embeddings for any model.
var ErrNoVectors = errors.New("session: capsule has no embeddings")

// Embedder turns query text into a vector in the capsule's embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// Observer receives lifecycle notifications. Callbacks run synchronously on
// the session's queue worker, so they must be quick.
type Observer interface {
	CapsuleOpened(path, caseID string)
	CapsuleClosed(caseID string)
	EnvelopeAppended(block *envelope.Block)
}

// Info describes the currently open capsule.
type Info struct {
	Path     string              `json:"path"`
	CaseID   string              `json:"case_id"`
	Model    string              `json:"model,omitempty"`
	Indexed  int                 `json:"indexed"`
	Models   []capsule.ModelInfo `json:"models,omitempty"`
	Queue    queue.Stats         `json:"queue"`
	Envelope *envelope.Stats     `json:"envelope,omitempty"`
}

// Session is the single entry point for everything a capsule can do.
type Session struct {
	mu        sync.RWMutex
	store     *capsule.Store
	writer    *envelope.Writer
	index     *vector.Index
	modelID   string
	models    []capsule.ModelInfo
	ranker    *search.Ranker
	guard     *queue.Guard
	embedder  Embedder
	observers []Observer
	weights   search.Weights
}

// Option mutates a Session during construction.
type Option func(*Session)

// WithEmbedder wires a query embedder for vector and hybrid search.
func WithEmbedder(e Embedder) Option {
	return func(s *Session) { s.embedder = e }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithWeights overrides the default fusion blend.
func WithWeights(w search.Weights) Option {
	return func(s *Session) { s.weights = w }
}

// WithQueueOptions forwards options to the underlying guard.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(s *Session) { s.guard = queue.New(opts...) }
}

func New(opts ...Option) *Session {
	s := &Session{weights: search.DefaultWeights()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.guard == nil {
		s.guard = queue.New()
	}
	return s
}

// Open loads the capsule at path, builds the vector index from the richest
// embedding model, and opens the envelope sidecar next to the file.
func (s *Session) Open(ctx context.Context, path string) error {
	return s.guard.Do(ctx, "open", func(ctx context.Context) error {
		store, err := capsule.Open(path)
		if err != nil {
			return err
		}
		return s.adopt(ctx, store, envelope.SidecarPath(store.Path()))
	})
}

// OpenBytes loads a capsule from memory. The envelope sidecar lives next to
// the materialised temp file and disappears with the session.
func (s *Session) OpenBytes(ctx context.Context, data []byte) error {
	return s.guard.Do(ctx, "open-bytes", func(ctx context.Context) error {
		store, err := capsule.OpenBytes(data)
		if err != nil {
			return err
		}
		return s.adopt(ctx, store, envelope.SidecarPath(store.Path()))
	})
}

// adopt swaps in a freshly opened store. Runs on the queue worker.
func (s *Session) adopt(ctx context.Context, store *capsule.Store, envelopePath string) error {
	writer, err := envelope.OpenWriter(envelopePath, store.CaseID())
	if err != nil {
		store.Close()
		return err
	}

	s.closeLocked()

	s.mu.Lock()
	s.store = store
	s.writer = writer
	s.ranker = search.NewRanker(store, search.WithWeights(s.weights))
	s.mu.Unlock()

	if err := s.rebuildIndex(ctx); err != nil {
		common.Logger().Warn("session: index build failed", "error", err)
	}
	for _, o := range s.observers {
		o.CapsuleOpened(store.Path(), store.CaseID())
	}
	return nil
}

// rebuildIndex picks the model with the most cached vectors and loads core
// plus envelope embeddings into a fresh index. The index is rebuilt from
// scratch on every open; it is never updated incrementally.
func (s *Session) rebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	store, writer := s.store, s.writer
	s.mu.Unlock()

	models, err := store.Models(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.models = models
	s.index = nil
	s.modelID = ""
	s.mu.Unlock()
	if len(models) == 0 {
		return nil
	}
	modelID := models[0].ModelID

	entries, err := s.loadEntries(ctx, store, writer, modelID)
	if err != nil {
		return err
	}

	idx := vector.NewIndex()
	idx.Build(entries)

	s.mu.Lock()
	s.index = idx
	s.modelID = modelID
	s.mu.Unlock()
	common.Logger().Info("session: index built", "model", modelID, "entries", len(entries))
	return nil
}

// loadEntries reads one model's vectors from the core and overlays the
// envelope-cached embeddings; a sidecar vector for a gid the core already
// covers replaces it.
func (s *Session) loadEntries(ctx context.Context, store *capsule.Store, writer *envelope.Writer, modelID string) ([]vector.Entry, error) {
	rows, err := store.VectorRows(ctx, modelID)
	if err != nil {
		return nil, err
	}
	entries := make([]vector.Entry, 0, len(rows))
	for _, row := range rows {
		vec, err := vector.DecodeBlob(row.Blob)
		if err != nil {
			common.Logger().Warn("session: skipping undecodable vector", "gid", row.GID, "error", err)
			continue
		}
		entries = append(entries, vector.Entry{GID: row.GID, Vector: vec, PageNo: row.PageNo, Title: row.Title})
	}

	cached, err := writer.Embeddings(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		byGID := make(map[string]int, len(entries))
		for i, entry := range entries {
			byGID[entry.GID] = i
		}
		for _, row := range cached {
			vec, err := vector.DecodeBlob(row.Embedding)
			if err != nil {
				continue
			}
			if i, ok := byGID[row.GID]; ok {
				entries[i].Vector = vec
				continue
			}
			byGID[row.GID] = len(entries)
			entries = append(entries, vector.Entry{GID: row.GID, Vector: vec})
		}
	}
	return entries, nil
}

// Close tears down the open capsule, envelope and index.
func (s *Session) Close(ctx context.Context) error {
	return s.guard.Do(ctx, "close", func(ctx context.Context) error {
		s.closeLocked()
		return nil
	})
}

func (s *Session) closeLocked() {
	s.mu.Lock()
	store, writer := s.store, s.writer
	caseID := ""
	if store != nil {
		caseID = store.CaseID()
	}
	s.store = nil
	s.writer = nil
	s.index = nil
	s.ranker = nil
	s.modelID = ""
	s.models = nil
	s.mu.Unlock()

	if writer != nil {
		writer.Close()
	}
	if store != nil {
		store.Close()
		for _, o := range s.observers {
			o.CapsuleClosed(caseID)
		}
	}
}

// Shutdown closes the capsule and stops the queue worker.
func (s *Session) Shutdown(ctx context.Context) {
	_ = s.Close(ctx)
	s.guard.Close()
}

func (s *Session) current() (*capsule.Store, *envelope.Writer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil {
		return nil, nil, capsule.ErrNoCapsule
	}
	return s.store, s.writer, nil
}

// Info reports the open capsule, index and queue state.
func (s *Session) Info(ctx context.Context) (*Info, error) {
	info := &Info{}
	err := s.guard.Do(ctx, "info", func(ctx context.Context) error {
		store, writer, err := s.current()
		if err != nil {
			return err
		}
		s.mu.RLock()
		info.Path = store.Path()
		info.CaseID = store.CaseID()
		info.Model = s.modelID
		info.Models = s.models
		if s.index != nil {
			info.Indexed = s.index.Size()
		}
		s.mu.RUnlock()
		stats, err := writer.Stats(ctx)
		if err != nil {
			return err
		}
		info.Envelope = stats
		return nil
	})
	if err != nil {
		return nil, err
	}
	info.Queue = s.guard.Stats()
	return info, nil
}
