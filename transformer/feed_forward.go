package transformer

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&FeedForward{}).SerializerType(),
		DeserializeFeedForward)
}

// Activation is a nonlinearity for the hidden layer of a
// FeedForward block.
type Activation int

const (
	// ReLU clips negative values to zero.
	ReLU Activation = iota

	// GELU is the tanh approximation of the Gaussian error
	// linear unit.
	GELU
)

// Apply applies the activation to every component.
func (a Activation) Apply(in anydiff.Res) anydiff.Res {
	switch a {
	case ReLU:
		return anydiff.ClipPos(in)
	case GELU:
		c := in.Output().Creator()
		cubic := anydiff.Mul(in, anydiff.Square(in))
		inner := anydiff.Scale(
			anydiff.Add(in, anydiff.Scale(cubic, c.MakeNumeric(0.044715))),
			c.MakeNumeric(math.Sqrt(2/math.Pi)),
		)
		return anydiff.Mul(
			anydiff.Scale(in, c.MakeNumeric(0.5)),
			anydiff.AddScalar(anydiff.Tanh(inner), c.MakeNumeric(1)),
		)
	}
	panic("unknown activation")
}

// FeedForward is a two-layer perceptron applied to each
// token independently.
type FeedForward struct {
	In         *anynet.FC
	Out        *anynet.FC
	Activation Activation
}

// DeserializeFeedForward deserializes a FeedForward.
func DeserializeFeedForward(d []byte) (*FeedForward, error) {
	var res FeedForward
	var act int
	if err := serializer.DeserializeAny(d, &act, &res.In, &res.Out); err != nil {
		return nil, essentials.AddCtx("deserialize FeedForward", err)
	}
	res.Activation = Activation(act)
	return &res, nil
}

// NewFeedForward creates a randomly initialized block.
func NewFeedForward(c anyvec.Creator, dim, hidden int, act Activation,
	rng *rand.Rand) *FeedForward {
	return &FeedForward{
		In:         NewFC(c, dim, hidden, rng),
		Out:        NewFC(c, hidden, dim, rng),
		Activation: act,
	}
}

// Apply applies the block to a rows x dim matrix.
func (f *FeedForward) Apply(in anydiff.Res, rows int) anydiff.Res {
	return f.Out.Apply(f.Activation.Apply(f.In.Apply(in, rows)), rows)
}

// Parameters returns the parameters of both layers.
func (f *FeedForward) Parameters() []*anydiff.Var {
	return append(f.In.Parameters(), f.Out.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a FeedForward with the serializer package.
func (f *FeedForward) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/transformer.FeedForward"
}

// Serialize serializes the FeedForward.
func (f *FeedForward) Serialize() ([]byte, error) {
	return serializer.SerializeAny(int(f.Activation), f.In, f.Out)
}
