package vector

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/memglyph/glyphcase/internal/common"
)

const (
	// bruteForceThreshold is the entry count below which clustering buys
	// nothing and the index stays in exact brute-force mode.
	bruteForceThreshold = 100

	kmeansIterations = 10

	minClusters      = 10
	minVisitClusters = 3
)

// Entry is a single indexed vector with the metadata needed to surface a
// result without a store round trip.
type Entry struct {
	GID    string
	Vector []float32
	PageNo int
	Title  string
}

// Match is a ranked search result.
type Match struct {
	GID    string
	Score  float64
	PageNo int
	Title  string
}

type cluster struct {
	centroid []float32
	members  []int
}

// Index is an in-memory approximate nearest-neighbor index over a fixed
// vector set. Build clusters the entries with k-means; Search scores the
// cluster centroids, then re-ranks exactly within the best clusters. Small
// datasets skip clustering entirely.
type Index struct {
	mu       sync.RWMutex
	entries  []Entry
	clusters []cluster
	small    bool

	maxClusters int
	seed        int64
}

// Option configures an Index.
type Option func(*Index)

// WithMaxClusters caps the cluster count chosen at build time.
func WithMaxClusters(max int) Option {
	return func(idx *Index) {
		if max > 0 {
			idx.maxClusters = max
		}
	}
}

// WithSeed fixes the random seed used for centroid initialisation.
func WithSeed(seed int64) Option {
	return func(idx *Index) {
		idx.seed = seed
	}
}

func NewIndex(opts ...Option) *Index {
	idx := &Index{maxClusters: 64, seed: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(idx)
		}
	}
	return idx
}

// Build replaces the index contents wholesale. Clusters are never updated
// incrementally; switching capsules rebuilds from scratch.
func (idx *Index) Build(entries []Entry) {
	logger := common.Logger()
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = append([]Entry(nil), entries...)
	idx.clusters = nil
	idx.small = len(entries) < bruteForceThreshold
	if idx.small {
		logger.Debug("vector: index below clustering threshold, using brute force", "entries", len(entries))
		return
	}

	k := int(math.Sqrt(float64(len(entries))))
	if k < minClusters {
		k = minClusters
	}
	if k > idx.maxClusters {
		k = idx.maxClusters
	}

	rng := rand.New(rand.NewSource(idx.seed))
	clusters := make([]cluster, k)
	for i, pick := range rng.Perm(len(entries))[:k] {
		clusters[i].centroid = append([]float32(nil), entries[pick].Vector...)
	}

	for iter := 0; iter < kmeansIterations; iter++ {
		for i := range clusters {
			clusters[i].members = clusters[i].members[:0]
		}
		for e, entry := range idx.entries {
			best, bestScore := 0, math.Inf(-1)
			for c := range clusters {
				score, err := CosineSimilarity(entry.Vector, clusters[c].centroid)
				if err != nil {
					continue
				}
				if score > bestScore {
					best, bestScore = c, score
				}
			}
			clusters[best].members = append(clusters[best].members, e)
		}
		for c := range clusters {
			if len(clusters[c].members) == 0 {
				continue
			}
			centroid := make([]float32, len(clusters[c].centroid))
			for _, e := range clusters[c].members {
				for d, v := range idx.entries[e].Vector {
					centroid[d] += v
				}
			}
			inv := 1 / float32(len(clusters[c].members))
			for d := range centroid {
				centroid[d] *= inv
			}
			clusters[c].centroid = centroid
		}
	}

	idx.clusters = clusters
	logger.Info("vector: index built", "entries", len(entries), "clusters", k)
}

// Search returns the top k entries by cosine similarity to the query. With
// clusters present it visits the top 20% of clusters by centroid similarity
// (at least three) and re-ranks their members exactly; without clusters it
// falls back to a full scan. An empty index yields an empty result.
func (idx *Index) Search(query []float32, k int) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 || k <= 0 {
		return nil
	}
	if len(idx.clusters) == 0 {
		return rankEntries(idx.entries, candidateAll(len(idx.entries)), query, k)
	}

	type centroidScore struct {
		cluster int
		score   float64
	}
	scored := make([]centroidScore, 0, len(idx.clusters))
	for c := range idx.clusters {
		score, err := CosineSimilarity(query, idx.clusters[c].centroid)
		if err != nil {
			return nil
		}
		scored = append(scored, centroidScore{cluster: c, score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	visit := int(math.Ceil(float64(len(scored)) * 0.2))
	if visit < minVisitClusters {
		visit = minVisitClusters
	}
	if visit > len(scored) {
		visit = len(scored)
	}

	var candidates []int
	for _, cs := range scored[:visit] {
		candidates = append(candidates, idx.clusters[cs.cluster].members...)
	}
	return rankEntries(idx.entries, candidates, query, k)
}

// Size reports the number of indexed entries.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Clustered reports whether the index is serving from clusters rather than
// brute force.
func (idx *Index) Clustered() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.clusters) > 0
}

// Clear drops all entries and clusters; used when switching capsules.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = nil
	idx.clusters = nil
	idx.small = false
}

// BruteForce ranks every entry by exact cosine similarity without an index.
// Sessions use it when a capsule has embeddings but no built index.
func BruteForce(entries []Entry, query []float32, k int) []Match {
	if len(entries) == 0 || k <= 0 {
		return nil
	}
	return rankEntries(entries, candidateAll(len(entries)), query, k)
}

func candidateAll(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func rankEntries(entries []Entry, candidates []int, query []float32, k int) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, e := range candidates {
		score, err := CosineSimilarity(query, entries[e].Vector)
		if err != nil {
			continue
		}
		matches = append(matches, Match{
			GID:    entries[e].GID,
			Score:  score,
			PageNo: entries[e].PageNo,
			Title:  entries[e].Title,
		})
	}
	// Equal scores keep the candidate collection order.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
