// Package model combines a backbone, a recycler, and a
// projection head into the encoder used for each modality.
package model

import (
	"fmt"
	"math/rand"
	"reflect"

	"github.com/ExponentiAI/ARNet/recycle"
	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/ExponentiAI/ARNet/transformer"
	"github.com/ExponentiAI/ARNet/vit"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Encoder{}).SerializerType(), DeserializeEncoder)
}

// DefaultNumClasses is the default output dimension of the
// projection head.
const DefaultNumClasses = 512

// Config describes an Encoder.
type Config struct {
	Backbone   vit.Config
	Recycler   recycle.Config
	NumClasses int
}

// DefaultConfig creates the standard configuration with a
// ViT-B/16 backbone.
func DefaultConfig(numClasses int) (Config, error) {
	return ConfigForBackbone(vit.DefaultConfig(), numClasses)
}

// ConfigForBackbone creates a configuration with the
// default recycler for the given backbone geometry.
func ConfigForBackbone(backbone vit.Config, numClasses int) (Config, error) {
	rec, err := recycle.DefaultConfig(backbone.Dim, backbone.NumPatches())
	if err != nil {
		return Config{}, err
	}
	return Config{Backbone: backbone, Recycler: rec, NumClasses: numClasses}, nil
}

// Validate checks that the parts of the configuration fit
// together.
func (c Config) Validate() error {
	if err := c.Backbone.Validate(); err != nil {
		return essentials.AddCtx("backbone", err)
	}
	if err := c.Recycler.Validate(); err != nil {
		return essentials.AddCtx("recycler", err)
	}
	if c.Recycler.Dim != c.Backbone.Dim || c.Recycler.Patches != c.Backbone.NumPatches() {
		return fmt.Errorf("recycler expects %d tokens of dimension %d but backbone gives %d of %d",
			c.Recycler.Patches, c.Recycler.Dim, c.Backbone.NumPatches(), c.Backbone.Dim)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("invalid class count: %d", c.NumClasses)
	}
	return nil
}

// Output is the result of a forward pass.
type Output struct {
	// Embedding is the Batch x NumClasses head output.
	Embedding anydiff.Res

	// Class is the Batch x Dim backbone class token.
	Class anydiff.Res

	// Tokens is the full backbone output.
	Tokens *tokseq.Batch

	// Decorrelation is nil outside of training.
	Decorrelation anydiff.Res
}

// An Encoder embeds images of one modality.
type Encoder struct {
	Backbone *vit.Backbone
	Recycler *recycle.Recycler
	Head     *anynet.FC
}

// DeserializeEncoder deserializes an Encoder.
func DeserializeEncoder(d []byte) (enc *Encoder, err error) {
	defer essentials.AddCtxTo("deserialize Encoder", &err)
	var res Encoder
	if err := serializer.DeserializeAny(d, &res.Backbone, &res.Recycler, &res.Head); err != nil {
		return nil, err
	}
	return &res, nil
}

// NewEncoder creates a randomly initialized Encoder.
func NewEncoder(c anyvec.Creator, conf Config, rng *rand.Rand) (*Encoder, error) {
	if err := conf.Validate(); err != nil {
		return nil, essentials.AddCtx("create Encoder", err)
	}
	backbone, err := vit.NewBackbone(c, conf.Backbone, rng)
	if err != nil {
		return nil, err
	}
	return NewEncoderBackbone(c, backbone, conf, rng)
}

// NewEncoderBackbone creates an Encoder around an existing
// backbone, such as one loaded from pre-trained weights.
// Only the recycler and head are randomly initialized.
func NewEncoderBackbone(c anyvec.Creator, backbone *vit.Backbone, conf Config,
	rng *rand.Rand) (*Encoder, error) {
	conf.Backbone = backbone.Config
	if err := conf.Validate(); err != nil {
		return nil, essentials.AddCtx("create Encoder", err)
	}
	if err := CheckCreator(c, backbone.Parameters()); err != nil {
		return nil, essentials.AddCtx("create Encoder", err)
	}
	rec, err := recycle.NewRecycler(c, conf.Recycler, rng)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		Backbone: backbone,
		Recycler: rec,
		Head:     transformer.NewKaimingFC(c, conf.Backbone.Dim, conf.NumClasses, rng),
	}, nil
}

// LoadBackbone reads a serialized vit.Backbone from a
// file.
func LoadBackbone(path string) (b *vit.Backbone, err error) {
	defer essentials.AddCtxTo("load backbone", &err)
	if err := serializer.LoadAny(path, &b); err != nil {
		return nil, err
	}
	return b, nil
}

// CheckCreator returns an error if some parameter uses a
// different numeric type than the creator, as happens when
// float64 weights are loaded for float32 training.
func CheckCreator(c anyvec.Creator, params []*anydiff.Var) error {
	expected := reflect.TypeOf(c.MakeNumeric(0))
	for _, p := range params {
		actual := reflect.TypeOf(p.Vector.Creator().MakeNumeric(0))
		if actual != expected {
			return fmt.Errorf("parameters hold %v but %v is required", actual, expected)
		}
	}
	return nil
}

// Forward runs a batch of images through the encoder.
//
// If training is set, the output includes the recycler's
// decorrelation loss.
func (e *Encoder) Forward(images anydiff.Res, batch int, training bool) (*Output, error) {
	tokens, err := e.Backbone.Embed(images, batch)
	if err != nil {
		return nil, err
	}
	rec, err := e.Recycler.Recycle(tokens, training)
	if err != nil {
		return nil, err
	}
	return &Output{
		Embedding:     e.Head.Apply(rec.Enhanced, batch),
		Class:         vit.ClassTokens(tokens),
		Tokens:        tokens,
		Decorrelation: rec.Decorrelation,
	}, nil
}

// ClassEmbedding computes only the backbone class tokens.
func (e *Encoder) ClassEmbedding(images anydiff.Res, batch int) (anydiff.Res, error) {
	tokens, err := e.Backbone.Embed(images, batch)
	if err != nil {
		return nil, err
	}
	return vit.ClassTokens(tokens), nil
}

// Encode computes the inference embeddings for a batch of
// images, one row per image.
func (e *Encoder) Encode(images anyvec.Vector, batch int) (anyvec.Vector, error) {
	out, err := e.Forward(anydiff.NewConst(images), batch, false)
	if err != nil {
		return nil, err
	}
	return out.Embedding.Output(), nil
}

// EmbedDim returns the dimension of the head output.
func (e *Encoder) EmbedDim() int {
	return e.Head.OutCount
}

// Parameters returns every trainable parameter.
func (e *Encoder) Parameters() []*anydiff.Var {
	res := append([]*anydiff.Var{}, e.Backbone.Parameters()...)
	res = append(res, e.Recycler.Parameters()...)
	return append(res, e.Head.Parameters()...)
}

// NumParameters counts the scalar parameters.
func (e *Encoder) NumParameters() int {
	var res int
	for _, p := range e.Parameters() {
		res += p.Vector.Len()
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Encoder with the serializer package.
func (e *Encoder) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/model.Encoder"
}

// Serialize serializes the Encoder.
func (e *Encoder) Serialize() ([]byte, error) {
	return serializer.SerializeAny(e.Backbone, e.Recycler, e.Head)
}
