package transformer

import (
	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&LayerNorm{}).SerializerType(),
		DeserializeLayerNorm)
}

// DefaultEps is the variance damping used by LayerNorm.
const DefaultEps = 1e-5

// LayerNorm normalizes each row of a matrix to zero mean
// and unit variance, then applies a learned per-channel
// gain and bias.
type LayerNorm struct {
	Gain *anydiff.Var
	Bias *anydiff.Var
	Eps  float64
}

// DeserializeLayerNorm deserializes a LayerNorm.
func DeserializeLayerNorm(d []byte) (*LayerNorm, error) {
	var gain, bias *anyvecsave.S
	var res LayerNorm
	if err := serializer.DeserializeAny(d, &gain, &bias, &res.Eps); err != nil {
		return nil, essentials.AddCtx("deserialize LayerNorm", err)
	}
	res.Gain = anydiff.NewVar(gain.Vector)
	res.Bias = anydiff.NewVar(bias.Vector)
	return &res, nil
}

// NewLayerNorm creates an identity-initialized LayerNorm.
func NewLayerNorm(c anyvec.Creator, dim int) *LayerNorm {
	return &LayerNorm{
		Gain: anydiff.NewVar(tokseq.Ones(c, dim)),
		Bias: anydiff.NewVar(c.MakeVector(dim)),
		Eps:  DefaultEps,
	}
}

// Apply normalizes every row of a rows x dim matrix.
func (l *LayerNorm) Apply(in anydiff.Res, rows int) anydiff.Res {
	c := in.Output().Creator()
	dim := l.Gain.Vector.Len()
	scaler := c.MakeNumeric(1 / float64(dim))

	mean := anydiff.Scale(rowSums(in, rows, dim), scaler)
	centered := anydiff.Sub(in, tokseq.Repeat(mean, dim))
	variance := anydiff.Scale(rowSums(anydiff.Square(centered), rows, dim), scaler)
	invStd := anydiff.Pow(anydiff.AddScalar(variance, c.MakeNumeric(l.Eps)),
		c.MakeNumeric(-0.5))
	normed := anydiff.Mul(centered, tokseq.Repeat(invStd, dim))

	return anydiff.AddRepeated(anydiff.ScaleRepeated(normed, l.Gain), l.Bias)
}

// Parameters returns the gain and bias.
func (l *LayerNorm) Parameters() []*anydiff.Var {
	return []*anydiff.Var{l.Gain, l.Bias}
}

// SerializerType returns the unique ID used to serialize
// a LayerNorm with the serializer package.
func (l *LayerNorm) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/transformer.LayerNorm"
}

// Serialize serializes the LayerNorm.
func (l *LayerNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: l.Gain.Vector},
		&anyvecsave.S{Vector: l.Bias.Vector},
		l.Eps,
	)
}

func rowSums(in anydiff.Res, rows, cols int) anydiff.Res {
	ones := anydiff.NewConst(tokseq.Ones(in.Output().Creator(), cols))
	return anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: in, Rows: rows, Cols: cols},
		&anydiff.Matrix{Data: ones, Rows: cols, Cols: 1},
	).Data
}
