package memory

import (
	"math"
	"sort"
	"sync"
)

// vectorIndex is an exact cosine k-NN index over record embeddings. The
// corpus is decision-scale (thousands, not millions), so a flat scan is
// simpler and fast enough; the index can always be rebuilt from the log.
type vectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	norms   map[string]float64
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{
		vectors: make(map[string][]float32),
		norms:   make(map[string]float64),
	}
}

func (idx *vectorIndex) add(id string, embedding []float32) {
	n := norm(embedding)
	if n == 0 {
		return
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	idx.mu.Lock()
	idx.vectors[id] = vec
	idx.norms[id] = n
	idx.mu.Unlock()
}

func (idx *vectorIndex) search(query []float32, k int) []Match {
	qn := norm(query)
	if qn == 0 || k <= 0 {
		return nil
	}

	idx.mu.RLock()
	matches := make([]Match, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		if len(vec) != len(query) {
			continue
		}
		matches = append(matches, Match{
			ID:         id,
			Similarity: dot(query, vec) / (qn * idx.norms[id]),
		})
	}
	idx.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func dot(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
