// Package transformer implements differentiable
// transformer encoders on top of anydiff.
package transformer

import (
	"fmt"
	"math/rand"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Encoder{}).SerializerType(), DeserializeEncoder)
}

// Config describes the shape of an Encoder.
type Config struct {
	// Dim is the token dimension.
	Dim int

	// Heads is the number of attention heads.
	// It must divide Dim.
	Heads int

	// Layers is the number of stacked blocks.
	Layers int

	// Hidden is the width of the feed-forward layers.
	Hidden int

	Activation Activation

	// NormFirst selects pre-norm blocks.
	NormFirst bool

	// Eps is the LayerNorm damping.
	// If 0, DefaultEps is used.
	Eps float64
}

// Validate checks that the configuration describes a
// buildable encoder.
func (c Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("invalid dimension: %d", c.Dim)
	case c.Heads <= 0 || c.Dim%c.Heads != 0:
		return fmt.Errorf("dimension %d is not divisible into %d heads", c.Dim, c.Heads)
	case c.Layers <= 0:
		return fmt.Errorf("invalid layer count: %d", c.Layers)
	case c.Hidden <= 0:
		return fmt.Errorf("invalid hidden size: %d", c.Hidden)
	}
	return nil
}

// An Encoder is a stack of transformer blocks.
type Encoder struct {
	Layers []*Layer
}

// DeserializeEncoder deserializes an Encoder.
func DeserializeEncoder(d []byte) (enc *Encoder, err error) {
	defer essentials.AddCtxTo("deserialize Encoder", &err)
	layers, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	var res Encoder
	for _, layer := range layers {
		if obj, ok := layer.(*Layer); ok {
			res.Layers = append(res.Layers, obj)
		} else {
			return nil, fmt.Errorf("unexpected type: %T", layer)
		}
	}
	return &res, nil
}

// NewEncoder creates a randomly initialized Encoder.
func NewEncoder(c anyvec.Creator, conf Config, rng *rand.Rand) (*Encoder, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	res := &Encoder{}
	for i := 0; i < conf.Layers; i++ {
		layer, err := NewLayer(c, conf, rng)
		if err != nil {
			return nil, err
		}
		res.Layers = append(res.Layers, layer)
	}
	return res, nil
}

// Apply runs the tokens through every block in order.
// The sequence length and dimension are unchanged.
func (e *Encoder) Apply(x *tokseq.Batch) *tokseq.Batch {
	for _, layer := range e.Layers {
		x = layer.Apply(x)
	}
	return x
}

// Parameters returns the parameters of every block.
func (e *Encoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, layer := range e.Layers {
		res = append(res, layer.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Encoder with the serializer package.
func (e *Encoder) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/transformer.Encoder"
}

// Serialize serializes the Encoder.
func (e *Encoder) Serialize() ([]byte, error) {
	var res []serializer.Serializer
	for _, layer := range e.Layers {
		res = append(res, layer)
	}
	return serializer.SerializeSlice(res)
}
