// Package vit implements a vision transformer that turns
// images into class and patch tokens.
package vit

import (
	"fmt"
	"math/rand"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/ExponentiAI/ARNet/transformer"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Backbone{}).SerializerType(), DeserializeBackbone)
}

// Config describes the geometry of a Backbone.
type Config struct {
	ImageSize int
	PatchSize int
	Channels  int

	Dim    int
	Heads  int
	Layers int
	Hidden int
}

// DefaultConfig returns the ViT-B/16 geometry used for
// 224x224 RGB inputs.
func DefaultConfig() Config {
	return Config{
		ImageSize: 224,
		PatchSize: 16,
		Channels:  3,
		Dim:       768,
		Heads:     12,
		Layers:    12,
		Hidden:    3072,
	}
}

// GridSize returns the number of patches along each side.
func (c Config) GridSize() int {
	return c.ImageSize / c.PatchSize
}

// NumPatches returns the number of patch tokens.
func (c Config) NumPatches() int {
	return c.GridSize() * c.GridSize()
}

// ImageLen returns the number of components per image.
func (c Config) ImageLen() int {
	return c.Channels * c.ImageSize * c.ImageSize
}

// Validate checks that images split evenly into patches
// and that the encoder shape is valid.
func (c Config) Validate() error {
	if c.ImageSize <= 0 || c.PatchSize <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid image geometry: size=%d patch=%d channels=%d",
			c.ImageSize, c.PatchSize, c.Channels)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("image size %d is not divisible by patch size %d",
			c.ImageSize, c.PatchSize)
	}
	return c.encoderConfig().Validate()
}

func (c Config) encoderConfig() transformer.Config {
	return transformer.Config{
		Dim:        c.Dim,
		Heads:      c.Heads,
		Layers:     c.Layers,
		Hidden:     c.Hidden,
		Activation: transformer.GELU,
		NormFirst:  true,
		Eps:        1e-6,
	}
}

// A Backbone maps images to a class token followed by one
// token per patch.
type Backbone struct {
	Config Config

	PatchEmbed *anynet.FC
	ClassToken *anydiff.Var
	PosEmbed   *anydiff.Var
	Blocks     *transformer.Encoder
	Norm       *transformer.LayerNorm

	patchIndices []int
}

// DeserializeBackbone deserializes a Backbone.
func DeserializeBackbone(d []byte) (*Backbone, error) {
	var res Backbone
	var geometry []int
	var classToken, posEmbed *anyvecsave.S
	err := serializer.DeserializeAny(d, &geometry, &res.PatchEmbed, &classToken, &posEmbed,
		&res.Blocks, &res.Norm)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Backbone", err)
	}
	if len(geometry) != 7 {
		return nil, fmt.Errorf("deserialize Backbone: bad geometry %v", geometry)
	}
	res.Config = Config{
		ImageSize: geometry[0],
		PatchSize: geometry[1],
		Channels:  geometry[2],
		Dim:       geometry[3],
		Heads:     geometry[4],
		Layers:    geometry[5],
		Hidden:    geometry[6],
	}
	if err := res.Config.Validate(); err != nil {
		return nil, essentials.AddCtx("deserialize Backbone", err)
	}
	res.ClassToken = anydiff.NewVar(classToken.Vector)
	res.PosEmbed = anydiff.NewVar(posEmbed.Vector)
	return &res, nil
}

// NewBackbone creates a randomly initialized Backbone.
func NewBackbone(c anyvec.Creator, conf Config, rng *rand.Rand) (*Backbone, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	blocks, err := transformer.NewEncoder(c, conf.encoderConfig(), rng)
	if err != nil {
		return nil, err
	}
	patchLen := conf.Channels * conf.PatchSize * conf.PatchSize
	res := &Backbone{
		Config:     conf,
		PatchEmbed: transformer.NewFC(c, patchLen, conf.Dim, rng),
		ClassToken: anydiff.NewVar(c.MakeVector(conf.Dim)),
		PosEmbed:   anydiff.NewVar(c.MakeVector((conf.NumPatches() + 1) * conf.Dim)),
		Blocks:     blocks,
		Norm:       transformer.NewLayerNorm(c, conf.Dim),
	}
	res.Norm.Eps = 1e-6
	for _, v := range []*anydiff.Var{res.ClassToken, res.PosEmbed} {
		anyvec.Rand(v.Vector, anyvec.Normal, rng)
		v.Vector.Scale(c.MakeNumeric(0.02))
	}
	return res, nil
}

// Embed computes the token sequence for a batch of images.
//
// Each image is stored channel-major with row-major pixels.
// The result has 1+NumPatches tokens per image: the class
// token followed by the patch tokens in raster order.
//
// Images of the wrong size are a configuration error; they
// are never resized or padded.
func (b *Backbone) Embed(images anydiff.Res, batch int) (*tokseq.Batch, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", batch)
	}
	if images.Output().Len() != batch*b.Config.ImageLen() {
		return nil, fmt.Errorf("expected %d images of %d components (%dx%dx%d) but got %d components",
			batch, b.Config.ImageLen(), b.Config.Channels, b.Config.ImageSize,
			b.Config.ImageSize, images.Output().Len())
	}
	numPatches := b.Config.NumPatches()
	dim := b.Config.Dim

	patches := tokseq.Gather(images, b.indices(batch))
	embedded := b.PatchEmbed.Apply(patches, batch*numPatches)

	// The class token sits after all patch embeddings in the
	// joined vector.
	joined := anydiff.Concat(embedded, b.ClassToken)
	classStart := batch * numPatches * dim
	seqLen := numPatches + 1
	order := make([]int, 0, batch*seqLen*dim)
	for i := 0; i < batch; i++ {
		for d := 0; d < dim; d++ {
			order = append(order, classStart+d)
		}
		for p := 0; p < numPatches; p++ {
			start := (i*numPatches + p) * dim
			for d := 0; d < dim; d++ {
				order = append(order, start+d)
			}
		}
	}
	tokens := anydiff.AddRepeated(tokseq.Gather(joined, order), b.PosEmbed)

	x := b.Blocks.Apply(&tokseq.Batch{Data: tokens, Batch: batch, Len: seqLen, Dim: dim})
	return &tokseq.Batch{
		Data:  b.Norm.Apply(x.Data, batch*seqLen),
		Batch: batch,
		Len:   seqLen,
		Dim:   dim,
	}, nil
}

// ClassTokens extracts the Batch x Dim class tokens from
// the output of Embed.
func ClassTokens(tokens *tokseq.Batch) anydiff.Res {
	return tokens.Token(0)
}

// Parameters returns every trainable parameter.
func (b *Backbone) Parameters() []*anydiff.Var {
	res := append([]*anydiff.Var{}, b.PatchEmbed.Parameters()...)
	res = append(res, b.ClassToken, b.PosEmbed)
	res = append(res, b.Blocks.Parameters()...)
	return append(res, b.Norm.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a Backbone with the serializer package.
func (b *Backbone) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/vit.Backbone"
}

// Serialize serializes the Backbone.
func (b *Backbone) Serialize() ([]byte, error) {
	c := b.Config
	return serializer.SerializeAny(
		[]int{c.ImageSize, c.PatchSize, c.Channels, c.Dim, c.Heads, c.Layers, c.Hidden},
		b.PatchEmbed,
		&anyvecsave.S{Vector: b.ClassToken.Vector},
		&anyvecsave.S{Vector: b.PosEmbed.Vector},
		b.Blocks,
		b.Norm,
	)
}

// indices computes, for a batch of images, the source
// component of every entry of the (batch*patches) x
// (channels*patch*patch) patch matrix.
func (b *Backbone) indices(batch int) []int {
	if b.patchIndices == nil {
		b.patchIndices = patchIndices(b.Config)
	}
	imageLen := b.Config.ImageLen()
	res := make([]int, 0, batch*len(b.patchIndices))
	for i := 0; i < batch; i++ {
		for _, idx := range b.patchIndices {
			res = append(res, i*imageLen+idx)
		}
	}
	return res
}

func patchIndices(c Config) []int {
	grid := c.GridSize()
	var res []int
	for py := 0; py < grid; py++ {
		for px := 0; px < grid; px++ {
			for ch := 0; ch < c.Channels; ch++ {
				for y := 0; y < c.PatchSize; y++ {
					row := py*c.PatchSize + y
					for x := 0; x < c.PatchSize; x++ {
						col := px*c.PatchSize + x
						res = append(res, (ch*c.ImageSize+row)*c.ImageSize+col)
					}
				}
			}
		}
	}
	return res
}
