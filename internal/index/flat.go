// Package index provides an in-memory exact nearest-neighbor index over
// dense float32 vectors, using squared L2 distance.
package index

import (
	"fmt"
	"sort"
)

// Flat is an exact L2 index. All vectors share one dimensionality fixed at
// construction. Not safe for concurrent mutation; callers serialize access.
type Flat struct {
	dim     int
	vectors [][]float32
}

// NewFlat creates an empty index for vectors of the given dimension.
func NewFlat(dim int) (*Flat, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d", dim)
	}
	return &Flat{dim: dim}, nil
}

// Add appends vectors to the index in order. Positions are stable: the i-th
// added vector keeps id i forever.
func (f *Flat) Add(vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) != f.dim {
			return fmt.Errorf("index: vector dimension %d does not match index dimension %d", len(v), f.dim)
		}
	}
	f.vectors = append(f.vectors, vecs...)
	return nil
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int { return len(f.vectors) }

// Dim returns the index dimensionality.
func (f *Flat) Dim() int { return f.dim }

// Result is a single search hit.
type Result struct {
	ID       int
	Distance float32
}

// Search returns up to k stored vector ids ordered by ascending squared L2
// distance to the query. Ties keep insertion order.
func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("index: query dimension %d does not match index dimension %d", len(query), f.dim)
	}
	if k <= 0 || len(f.vectors) == 0 {
		return nil, nil
	}
	if k > len(f.vectors) {
		k = len(f.vectors)
	}
	results := make([]Result, len(f.vectors))
	for i, v := range f.vectors {
		results[i] = Result{ID: i, Distance: sqL2(query, v)}
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].Distance < results[b].Distance })
	return results[:k], nil
}

func sqL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
