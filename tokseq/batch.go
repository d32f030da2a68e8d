// Package tokseq provides differentiable operations on
// batches of token sequences.
package tokseq

import (
	"fmt"

	"github.com/unixpickle/anydiff"
)

// A Batch is a batch of token sequences.
//
// The data is laid out as [Batch][Len][Dim], so the
// sequence for item i starts at i*Len*Dim and the token at
// position p of that item starts Dim*p components later.
type Batch struct {
	Data  anydiff.Res
	Batch int
	Len   int
	Dim   int
}

// NewBatch wraps a flat vector as a Batch, checking that
// its size matches the dimensions.
func NewBatch(data anydiff.Res, batch, length, dim int) (*Batch, error) {
	if data.Output().Len() != batch*length*dim {
		return nil, fmt.Errorf("batch of %dx%dx%d needs %d components but got %d",
			batch, length, dim, batch*length*dim, data.Output().Len())
	}
	return &Batch{Data: data, Batch: batch, Len: length, Dim: dim}, nil
}

// Matrix views the batch as a (Batch*Len) x Dim matrix.
func (b *Batch) Matrix() *anydiff.Matrix {
	return &anydiff.Matrix{Data: b.Data, Rows: b.Batch * b.Len, Cols: b.Dim}
}

// Item extracts the Len x Dim matrix for one item.
func (b *Batch) Item(i int) *anydiff.Matrix {
	size := b.Len * b.Dim
	return &anydiff.Matrix{
		Data: anydiff.Slice(b.Data, i*size, (i+1)*size),
		Rows: b.Len,
		Cols: b.Dim,
	}
}

// Token extracts the token at position pos from every
// item, producing a Batch x Dim result.
func (b *Batch) Token(pos int) anydiff.Res {
	return b.Range(pos, pos+1).Data
}

// Range extracts positions [start, end) of every item.
func (b *Batch) Range(start, end int) *Batch {
	if start < 0 || end > b.Len || start > end {
		panic(fmt.Sprintf("range [%d, %d) out of bounds for length %d", start, end, b.Len))
	}
	if start == 0 && end == b.Len {
		return b
	}
	parts := make([]anydiff.Res, b.Batch)
	for i := range parts {
		offset := i * b.Len * b.Dim
		parts[i] = anydiff.Slice(b.Data, offset+start*b.Dim, offset+end*b.Dim)
	}
	return &Batch{Data: join(parts), Batch: b.Batch, Len: end - start, Dim: b.Dim}
}

// Concat joins batches along the sequence axis.
//
// All batches must have the same batch size and token
// dimension.
func Concat(bs ...*Batch) *Batch {
	if len(bs) == 0 {
		panic("nothing to concatenate")
	}
	batch, dim := bs[0].Batch, bs[0].Dim
	var totalLen int
	for _, b := range bs {
		if b.Batch != batch || b.Dim != dim {
			panic("mismatching batch shapes")
		}
		totalLen += b.Len
	}
	parts := make([]anydiff.Res, 0, batch*len(bs))
	for i := 0; i < batch; i++ {
		for _, b := range bs {
			parts = append(parts, b.Item(i).Data)
		}
	}
	return &Batch{Data: join(parts), Batch: batch, Len: totalLen, Dim: dim}
}

// SeqMajor views the batch as a Len x (Batch*Dim) matrix,
// where row p holds the token at position p of every item.
func (b *Batch) SeqMajor() *anydiff.Matrix {
	indices := make([]int, 0, b.Batch*b.Len*b.Dim)
	for p := 0; p < b.Len; p++ {
		for i := 0; i < b.Batch; i++ {
			start := (i*b.Len + p) * b.Dim
			for d := 0; d < b.Dim; d++ {
				indices = append(indices, start+d)
			}
		}
	}
	return &anydiff.Matrix{Data: Gather(b.Data, indices), Rows: b.Len, Cols: b.Batch * b.Dim}
}

// FromSeqMajor is the inverse of SeqMajor.
func FromSeqMajor(m *anydiff.Matrix, batch, dim int) *Batch {
	if m.Cols != batch*dim {
		panic("column count must equal batch*dim")
	}
	length := m.Rows
	indices := make([]int, 0, batch*length*dim)
	for i := 0; i < batch; i++ {
		for p := 0; p < length; p++ {
			start := p*m.Cols + i*dim
			for d := 0; d < dim; d++ {
				indices = append(indices, start+d)
			}
		}
	}
	return &Batch{Data: Gather(m.Data, indices), Batch: batch, Len: length, Dim: dim}
}

// ChannelMajor views the batch as a (Batch*Dim) x Len
// matrix, where row i*Dim+d holds channel d of every token
// of item i.
func (b *Batch) ChannelMajor() *anydiff.Matrix {
	indices := make([]int, 0, b.Batch*b.Len*b.Dim)
	for i := 0; i < b.Batch; i++ {
		for d := 0; d < b.Dim; d++ {
			for p := 0; p < b.Len; p++ {
				indices = append(indices, (i*b.Len+p)*b.Dim+d)
			}
		}
	}
	return &anydiff.Matrix{Data: Gather(b.Data, indices), Rows: b.Batch * b.Dim, Cols: b.Len}
}

func join(parts []anydiff.Res) anydiff.Res {
	if len(parts) == 1 {
		return parts[0]
	}
	return anydiff.Concat(parts...)
}
