package transformer

import (
	"math/rand"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Layer{}).SerializerType(), DeserializeLayer)
}

// A Layer is one transformer encoder block: self-attention
// followed by a feed-forward block, each with a residual
// connection and a LayerNorm.
//
// If NormFirst is set, the LayerNorms are applied to the
// inputs of the sub-blocks (as in vision transformers).
// Otherwise they are applied after each residual sum.
type Layer struct {
	Attention   *Attention
	FeedForward *FeedForward
	Norm1       *LayerNorm
	Norm2       *LayerNorm
	NormFirst   bool
}

// DeserializeLayer deserializes a Layer.
func DeserializeLayer(d []byte) (*Layer, error) {
	var res Layer
	err := serializer.DeserializeAny(d, &res.Attention, &res.FeedForward, &res.Norm1,
		&res.Norm2, &res.NormFirst)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Layer", err)
	}
	return &res, nil
}

// NewLayer creates a randomly initialized Layer.
func NewLayer(c anyvec.Creator, conf Config, rng *rand.Rand) (*Layer, error) {
	attn, err := NewAttention(c, conf.Dim, conf.Heads, rng)
	if err != nil {
		return nil, err
	}
	norm1, norm2 := NewLayerNorm(c, conf.Dim), NewLayerNorm(c, conf.Dim)
	if conf.Eps != 0 {
		norm1.Eps, norm2.Eps = conf.Eps, conf.Eps
	}
	return &Layer{
		Attention:   attn,
		FeedForward: NewFeedForward(c, conf.Dim, conf.Hidden, conf.Activation, rng),
		Norm1:       norm1,
		Norm2:       norm2,
		NormFirst:   conf.NormFirst,
	}, nil
}

// Apply applies the block to every item of the batch.
func (l *Layer) Apply(x *tokseq.Batch) *tokseq.Batch {
	rows := x.Batch * x.Len
	wrap := func(r anydiff.Res) *tokseq.Batch {
		return &tokseq.Batch{Data: r, Batch: x.Batch, Len: x.Len, Dim: x.Dim}
	}
	if l.NormFirst {
		attn := l.Attention.Apply(wrap(l.Norm1.Apply(x.Data, rows)))
		h := anydiff.Add(x.Data, attn.Data)
		return wrap(anydiff.Add(h, l.FeedForward.Apply(l.Norm2.Apply(h, rows), rows)))
	}
	attn := l.Attention.Apply(x)
	h := l.Norm1.Apply(anydiff.Add(x.Data, attn.Data), rows)
	return wrap(l.Norm2.Apply(anydiff.Add(h, l.FeedForward.Apply(h, rows)), rows))
}

// Parameters returns all of the block's parameters.
func (l *Layer) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	res = append(res, l.Attention.Parameters()...)
	res = append(res, l.FeedForward.Parameters()...)
	res = append(res, l.Norm1.Parameters()...)
	res = append(res, l.Norm2.Parameters()...)
	return res
}

// SerializerType returns the unique ID used to serialize
// a Layer with the serializer package.
func (l *Layer) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/transformer.Layer"
}

// Serialize serializes the Layer.
func (l *Layer) Serialize() ([]byte, error) {
	return serializer.SerializeAny(l.Attention, l.FeedForward, l.Norm1, l.Norm2, l.NormFirst)
}
