// Package retrieval ranks gallery embeddings against probe
// embeddings and measures top-K retrieval accuracy.
package retrieval

import (
	"errors"
	"fmt"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/splaytree"
)

// An Index stores unit-length gallery embeddings, one row
// per gallery item in gallery order.
type Index struct {
	Vectors *anyvec.Matrix
}

// NewIndex creates an Index from gallery embeddings.
// The vectors are normalized copies of the arguments.
func NewIndex(gallery []anyvec.Vector) (*Index, error) {
	if len(gallery) == 0 {
		return nil, errors.New("empty gallery")
	}
	dim := gallery[0].Len()
	for i, v := range gallery {
		if v.Len() != dim || dim == 0 {
			return nil, fmt.Errorf("gallery item %d has dimension %d (expected %d)", i,
				v.Len(), dim)
		}
	}
	c := gallery[0].Creator()
	return NewIndexMatrix(&anyvec.Matrix{
		Data: c.Concat(gallery...),
		Rows: len(gallery),
		Cols: dim,
	}), nil
}

// NewIndexMatrix creates an Index from a matrix with one
// embedding per row.
// The matrix is normalized in place.
func NewIndexMatrix(m *anyvec.Matrix) *Index {
	normalizeRows(m.Data, m.Rows)
	return &Index{Vectors: m}
}

// Len returns the number of gallery items.
func (i *Index) Len() int {
	return i.Vectors.Rows
}

// Similarities computes the cosine similarity between the
// probe and every gallery item.
func (i *Index) Similarities(probe anyvec.Vector) []float64 {
	if probe.Len() != i.Vectors.Cols {
		panic("incorrect probe length")
	}
	normProbe := probe.Copy()
	normalizeRows(normProbe, 1)
	products := i.Vectors.Data.Copy()
	anyvec.ScaleRepeated(products, normProbe)
	return tokseq.Floats(anyvec.SumCols(products, i.Vectors.Rows))
}

// Rank returns the indices of the k most similar gallery
// items, most similar first.
// Equal similarities are ordered by gallery index.
//
// If k is greater than the gallery size, every index is
// returned.
func (i *Index) Rank(probe anyvec.Vector, k int) []int {
	return TopK(i.Similarities(probe), k)
}

// Rank ranks a single probe against raw gallery vectors.
func Rank(gallery []anyvec.Vector, probe anyvec.Vector, k int) ([]int, error) {
	idx, err := NewIndex(gallery)
	if err != nil {
		return nil, err
	}
	return idx.Rank(probe, k), nil
}

func normalizeRows(data anyvec.Vector, rows int) {
	c := data.Creator()
	squares := data.Copy()
	anyvec.Pow(squares, c.MakeNumeric(2))
	normalizers := anyvec.SumCols(squares, rows)
	normalizers.AddScalar(c.MakeNumeric(1e-12))
	anyvec.Pow(normalizers, c.MakeNumeric(-0.5))
	anyvec.ScaleChunks(data, normalizers)
}

// TopK returns the indices of the k highest scores, best
// first, with ties going to the lower index.
//
// It keeps a bounded tree of the best candidates; the
// leftmost node is always the worst one kept.
func TopK(scores []float64, k int) []int {
	if k <= 0 {
		return nil
	}
	tree := &splaytree.Tree{}
	var size int
	for idx, score := range scores {
		val := candidate{Index: idx, Score: score}
		if size == k {
			worst := leftmost(tree)
			if val.Compare(worst) <= 0 {
				continue
			}
			tree.Delete(worst)
			size--
		}
		tree.Insert(val)
		size++
	}
	res := make([]int, 0, size)
	for tree.Root != nil {
		worst := leftmost(tree)
		tree.Delete(worst)
		res = append(res, worst.(candidate).Index)
	}
	for i := 0; i < len(res)/2; i++ {
		res[i], res[len(res)-1-i] = res[len(res)-1-i], res[i]
	}
	return res
}

func leftmost(t *splaytree.Tree) splaytree.Value {
	n := t.Root
	for n.Left != nil {
		n = n.Left
	}
	return n.Value
}

// A candidate is ordered from worst to best: lower scores
// first, and among equal scores, higher indices first.
type candidate struct {
	Index int
	Score float64
}

func (c candidate) Compare(v2 splaytree.Value) int {
	c2 := v2.(candidate)
	if c.Score < c2.Score {
		return -1
	} else if c.Score > c2.Score {
		return 1
	}
	if c.Index > c2.Index {
		return -1
	} else if c.Index < c2.Index {
		return 1
	}
	return 0
}
