// Package recycle re-uses the patch tokens of a backbone
// to build multi-scale structural features, and regularizes
// the similarity structure of those features.
package recycle

import (
	"fmt"
	"math/rand"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/ExponentiAI/ARNet/transformer"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Recycler{}).SerializerType(), DeserializeRecycler)
}

// Config describes a Recycler.
type Config struct {
	// Dim is the token dimension.
	Dim int

	// Patches is the number of patch tokens after the
	// class token.
	Patches int

	// Scales lists the granularities, finest first.
	Scales []Scale

	// Heads, Layers, and Hidden configure the per-scale
	// encoders.
	Heads  int
	Layers int
	Hidden int

	// MixWeight is the fixed weight of the structural
	// feature in the enhanced embedding.
	MixWeight float64

	// Window is the number of channels averaged together
	// before token similarities are computed.
	Window int

	// Partial is the target similarity of overlapping
	// tokens from different scales.
	Partial float64
}

// DefaultConfig creates the standard configuration for a
// backbone with the given token dimension and patch count.
//
// It uses scale factors 1, 2, and 7, so 196 patches give
// 196+49+4 = 249 combined tokens.
// A factor s pools runs of s*s consecutive patches in
// raster order (see ScalesFromFactors), not s x s spatial
// blocks; use BlockScale for the latter.
func DefaultConfig(dim, patches int) (Config, error) {
	scales, err := ScalesFromFactors(patches, []int{1, 2, 7})
	if err != nil {
		return Config{}, err
	}
	return Config{
		Dim:       dim,
		Patches:   patches,
		Scales:    scales,
		Heads:     8,
		Layers:    2,
		Hidden:    2048,
		MixWeight: 0.1,
		Window:    48,
		Partial:   0.5,
	}, nil
}

// SeqLen returns the length of the combined sequence.
func (c Config) SeqLen() int {
	var res int
	for _, s := range c.Scales {
		res += s.Len()
	}
	return res
}

// Validate checks that the configuration describes a
// buildable Recycler.
func (c Config) Validate() error {
	if c.Patches <= 0 {
		return fmt.Errorf("invalid patch count: %d", c.Patches)
	}
	if err := validateScales(c.Patches, c.Scales); err != nil {
		return err
	}
	if c.Window <= 0 || c.Dim%c.Window != 0 {
		return fmt.Errorf("dimension %d is not divisible into windows of %d", c.Dim, c.Window)
	}
	if c.MixWeight < 0 || c.MixWeight > 1 {
		return fmt.Errorf("mix weight %f out of range [0, 1]", c.MixWeight)
	}
	return c.encoderConfig().Validate()
}

func (c Config) encoderConfig() transformer.Config {
	return transformer.Config{
		Dim:        c.Dim,
		Heads:      c.Heads,
		Layers:     c.Layers,
		Hidden:     c.Hidden,
		Activation: transformer.ReLU,
	}
}

// Output is the result of Recycle.
type Output struct {
	// Enhanced is the Batch x Dim enhanced embedding.
	Enhanced anydiff.Res

	// Combined is the refined multi-scale sequence.
	Combined *tokseq.Batch

	// Decorrelation is the scalar regularization loss.
	// It is nil outside of training.
	Decorrelation anydiff.Res
}

// A Recycler turns backbone tokens into an enhanced
// embedding that mixes the class token with multi-scale
// structural information.
type Recycler struct {
	Config Config

	// Encoders holds one encoder per scale.
	Encoders []*transformer.Encoder

	// Projection reduces the combined sequence axis to a
	// single token.
	Projection *anynet.FC

	target *TargetMatrix
}

// DeserializeRecycler deserializes a Recycler.
func DeserializeRecycler(d []byte) (rec *Recycler, err error) {
	defer essentials.AddCtxTo("deserialize Recycler", &err)
	var shape, scaleData []int
	var mixWeight, partial float64
	var encoders serializer.Bytes
	var projection *anynet.FC
	err = serializer.DeserializeAny(d, &shape, &scaleData, &mixWeight, &partial, &encoders,
		&projection)
	if err != nil {
		return nil, err
	}
	if len(shape) != 6 {
		return nil, fmt.Errorf("bad shape %v", shape)
	}
	scales, err := decodeScales(scaleData)
	if err != nil {
		return nil, err
	}
	res := &Recycler{
		Config: Config{
			Dim:       shape[0],
			Patches:   shape[1],
			Heads:     shape[2],
			Layers:    shape[3],
			Hidden:    shape[4],
			Window:    shape[5],
			Scales:    scales,
			MixWeight: mixWeight,
			Partial:   partial,
		},
		Projection: projection,
	}
	if err := res.Config.Validate(); err != nil {
		return nil, err
	}
	if projection.InCount != res.Config.SeqLen() || projection.OutCount != 1 {
		return nil, fmt.Errorf("projection maps %d to %d but sequence length is %d",
			projection.InCount, projection.OutCount, res.Config.SeqLen())
	}
	encList, err := serializer.DeserializeSlice(encoders)
	if err != nil {
		return nil, err
	}
	for _, obj := range encList {
		if enc, ok := obj.(*transformer.Encoder); ok {
			res.Encoders = append(res.Encoders, enc)
		} else {
			return nil, fmt.Errorf("unexpected type: %T", obj)
		}
	}
	if len(res.Encoders) != len(scales) {
		return nil, fmt.Errorf("%d encoders for %d scales", len(res.Encoders), len(scales))
	}
	return res, nil
}

// NewRecycler creates a randomly initialized Recycler.
func NewRecycler(c anyvec.Creator, conf Config, rng *rand.Rand) (*Recycler, error) {
	if err := conf.Validate(); err != nil {
		return nil, essentials.AddCtx("create Recycler", err)
	}
	res := &Recycler{
		Config:     conf,
		Projection: transformer.NewFC(c, conf.SeqLen(), 1, rng),
	}
	for range conf.Scales {
		enc, err := transformer.NewEncoder(c, conf.encoderConfig(), rng)
		if err != nil {
			return nil, essentials.AddCtx("create Recycler", err)
		}
		res.Encoders = append(res.Encoders, enc)
	}
	return res, nil
}

// Target returns the target similarity structure of the
// combined sequence.
// The structure is built on first use and cached.
func (r *Recycler) Target() (*TargetMatrix, error) {
	if r.target == nil {
		target, err := NewTargetMatrix(r.Config.Patches, r.Config.Scales, r.Config.Partial)
		if err != nil {
			return nil, essentials.AddCtx("recycler target", err)
		}
		r.target = target
	}
	return r.target, nil
}

// Recycle computes the enhanced embedding for a batch of
// backbone tokens (class token first, then the patches).
//
// If training is set, the decorrelation loss of the
// combined sequence is computed as well.
func (r *Recycler) Recycle(tokens *tokseq.Batch, training bool) (*Output, error) {
	conf := r.Config
	if tokens.Len != conf.Patches+1 {
		return nil, fmt.Errorf("recycle: expected %d patch tokens but got %d", conf.Patches,
			tokens.Len-1)
	}
	if tokens.Dim != conf.Dim {
		return nil, fmt.Errorf("recycle: expected dimension %d but got %d", conf.Dim,
			tokens.Dim)
	}

	class := tokens.Token(0)
	patches := tokens.Range(1, tokens.Len)

	var refined []*tokseq.Batch
	for i, scale := range conf.Scales {
		pooled := r.pool(patches, scale)
		refined = append(refined, r.Encoders[i].Apply(pooled))
	}
	combined := tokseq.Concat(refined...)

	// Rows of the channel-major view are (item, channel)
	// pairs, so the projection maps each channel's sequence
	// to a scalar.
	structural := r.Projection.Apply(combined.ChannelMajor().Data, tokens.Batch*conf.Dim)

	c := class.Output().Creator()
	enhanced := anydiff.Add(
		anydiff.Scale(class, c.MakeNumeric(1-conf.MixWeight)),
		anydiff.Scale(structural, c.MakeNumeric(conf.MixWeight)),
	)
	res := &Output{Enhanced: enhanced, Combined: combined}
	if training {
		target, err := r.Target()
		if err != nil {
			return nil, err
		}
		loss, err := DecorrelationLoss(combined, target, conf.Window)
		if err != nil {
			return nil, err
		}
		res.Decorrelation = loss
	}
	return res, nil
}

// Parameters returns every trainable parameter.
func (r *Recycler) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, enc := range r.Encoders {
		res = append(res, enc.Parameters()...)
	}
	return append(res, r.Projection.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a Recycler with the serializer package.
func (r *Recycler) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/recycle.Recycler"
}

// Serialize serializes the Recycler.
func (r *Recycler) Serialize() ([]byte, error) {
	var encoders []serializer.Serializer
	for _, enc := range r.Encoders {
		encoders = append(encoders, enc)
	}
	encData, err := serializer.SerializeSlice(encoders)
	if err != nil {
		return nil, err
	}
	c := r.Config
	return serializer.SerializeAny(
		[]int{c.Dim, c.Patches, c.Heads, c.Layers, c.Hidden, c.Window},
		encodeScales(c.Scales),
		c.MixWeight,
		c.Partial,
		serializer.Bytes(encData),
		r.Projection,
	)
}

// pool averages the patches of each group of a scale.
func (r *Recycler) pool(patches *tokseq.Batch, scale Scale) *tokseq.Batch {
	if scale.IsIdentity() && scale.Len() == patches.Len {
		return patches
	}
	c := patches.Data.Output().Creator()
	poolMat := &anydiff.Matrix{
		Data: anydiff.NewConst(tokseq.MakeVector(c, scale.poolMatrix(patches.Len))),
		Rows: scale.Len(),
		Cols: patches.Len,
	}
	pooled := anydiff.MatMul(false, false, poolMat, patches.SeqMajor())
	return tokseq.FromSeqMajor(pooled, patches.Batch, patches.Dim)
}
