package transformer

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// NewFC creates a fully-connected layer with weights drawn
// from a normal distribution with variance 1/in and zero
// biases.
//
// If rng is nil, the global source is used.
func NewFC(c anyvec.Creator, in, out int, rng *rand.Rand) *anynet.FC {
	res := &anynet.FC{
		InCount:  in,
		OutCount: out,
		Weights:  anydiff.NewVar(c.MakeVector(in * out)),
		Biases:   anydiff.NewVar(c.MakeVector(out)),
	}
	anyvec.Rand(res.Weights.Vector, anyvec.Normal, rng)
	res.Weights.Vector.Scale(c.MakeNumeric(1 / math.Sqrt(float64(in))))
	return res
}

// NewKaimingFC is like NewFC, but the weights have
// variance 2/in, which suits layers followed by a
// rectifier or used as an embedding head.
func NewKaimingFC(c anyvec.Creator, in, out int, rng *rand.Rand) *anynet.FC {
	res := NewFC(c, in, out, rng)
	res.Weights.Vector.Scale(c.MakeNumeric(math.Sqrt(2)))
	return res
}
