package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Attention{}).SerializerType(),
		DeserializeAttention)
}

// Attention is multi-head scaled dot-product
// self-attention.
type Attention struct {
	Heads int

	Query  *anynet.FC
	Key    *anynet.FC
	Value  *anynet.FC
	Output *anynet.FC
}

// DeserializeAttention deserializes an Attention.
func DeserializeAttention(d []byte) (*Attention, error) {
	var res Attention
	err := serializer.DeserializeAny(d, &res.Heads, &res.Query, &res.Key, &res.Value,
		&res.Output)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Attention", err)
	}
	return &res, nil
}

// NewAttention creates a randomly initialized Attention.
func NewAttention(c anyvec.Creator, dim, heads int, rng *rand.Rand) (*Attention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("dimension %d is not divisible into %d heads", dim, heads)
	}
	return &Attention{
		Heads:  heads,
		Query:  NewFC(c, dim, dim, rng),
		Key:    NewFC(c, dim, dim, rng),
		Value:  NewFC(c, dim, dim, rng),
		Output: NewFC(c, dim, dim, rng),
	}, nil
}

// Apply attends every token of each item to every token
// of the same item.
//
// The heads of all items are stacked into one matrix
// batch, so the scores and weighted sums are each a single
// batched product.
func (a *Attention) Apply(x *tokseq.Batch) *tokseq.Batch {
	rows := x.Batch * x.Len
	headDim := x.Dim / a.Heads
	c := x.Data.Output().Creator()
	scaler := c.MakeNumeric(1 / math.Sqrt(float64(headDim)))

	split := splitIndices(x, a.Heads)
	stack := func(f *anynet.FC) *anydiff.MatrixBatch {
		return &anydiff.MatrixBatch{
			Data: tokseq.Gather(f.Apply(x.Data, rows), split),
			Num:  x.Batch * a.Heads,
			Rows: x.Len,
			Cols: headDim,
		}
	}
	q, k, v := stack(a.Query), stack(a.Key), stack(a.Value)

	scores := anydiff.Scale(anydiff.BatchedMatMul(false, true, q, k).Data, scaler)
	weights := &anydiff.MatrixBatch{
		Data: anydiff.Exp(anydiff.LogSoftmax(scores, x.Len)),
		Num:  q.Num,
		Rows: x.Len,
		Cols: x.Len,
	}
	heads := anydiff.BatchedMatMul(false, false, weights, v).Data

	merged := tokseq.Gather(heads, mergeIndices(x, a.Heads))
	return &tokseq.Batch{
		Data:  a.Output.Apply(merged, rows),
		Batch: x.Batch,
		Len:   x.Len,
		Dim:   x.Dim,
	}
}

// Parameters returns the projection parameters.
func (a *Attention) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, f := range []*anynet.FC{a.Query, a.Key, a.Value, a.Output} {
		res = append(res, f.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Attention with the serializer package.
func (a *Attention) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/transformer.Attention"
}

// Serialize serializes the Attention.
func (a *Attention) Serialize() ([]byte, error) {
	return serializer.SerializeAny(a.Heads, a.Query, a.Key, a.Value, a.Output)
}

// splitIndices reorders [Batch][Len][Heads*headDim]
// projections into [Batch][Heads][Len][headDim] blocks.
func splitIndices(x *tokseq.Batch, heads int) []int {
	headDim := x.Dim / heads
	res := make([]int, 0, x.Batch*x.Len*x.Dim)
	for i := 0; i < x.Batch; i++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < x.Len; t++ {
				start := (i*x.Len+t)*x.Dim + h*headDim
				for j := 0; j < headDim; j++ {
					res = append(res, start+j)
				}
			}
		}
	}
	return res
}

// mergeIndices reorders [Batch][Heads][Len][headDim] head
// outputs into [Batch][Len][Heads*headDim] tokens.
func mergeIndices(x *tokseq.Batch, heads int) []int {
	headDim := x.Dim / heads
	res := make([]int, 0, x.Batch*x.Len*x.Dim)
	for i := 0; i < x.Batch; i++ {
		for t := 0; t < x.Len; t++ {
			for h := 0; h < heads; h++ {
				start := ((i*heads+h)*x.Len + t) * headDim
				for j := 0; j < headDim; j++ {
					res = append(res, start+j)
				}
			}
		}
	}
	return res
}
