package model

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/ExponentiAI/ARNet/recycle"
	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/ExponentiAI/ARNet/vit"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestForward(t *testing.T) {
	conf := tinyConfig()
	enc, err := NewEncoder(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	images := randomImages(conf, 3)
	out, err := enc.Forward(anydiff.NewConst(images), 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if out.Embedding.Output().Len() != 3*conf.NumClasses {
		t.Errorf("unexpected embedding length %d", out.Embedding.Output().Len())
	}
	if out.Class.Output().Len() != 3*conf.Backbone.Dim {
		t.Errorf("unexpected class length %d", out.Class.Output().Len())
	}
	if out.Decorrelation == nil {
		t.Error("missing decorrelation loss")
	}

	eval, err := enc.Forward(anydiff.NewConst(images), 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decorrelation != nil {
		t.Error("decorrelation loss outside of training")
	}
	encoded, err := enc.Encode(images, 3)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, tokseq.Floats(eval.Embedding.Output()), tokseq.Floats(encoded))

	class, err := enc.ClassEmbedding(anydiff.NewConst(images), 3)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, tokseq.Floats(out.Class.Output()), tokseq.Floats(class.Output()))

	if _, err := enc.Encode(images, 2); err == nil {
		t.Error("expected error for wrong batch size")
	}
}

func TestHeadInit(t *testing.T) {
	conf := tinyConfig()
	conf.NumClasses = 64
	enc, err := NewEncoder(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	for _, x := range tokseq.Floats(enc.Head.Biases.Vector) {
		if x != 0 {
			t.Fatal("head biases should start at zero")
		}
	}
	var variance float64
	weights := tokseq.Floats(enc.Head.Weights.Vector)
	for _, x := range weights {
		variance += x * x / float64(len(weights))
	}
	expected := 2 / float64(conf.Backbone.Dim)
	if math.Abs(variance-expected) > expected/2 {
		t.Errorf("expected weight variance near %f but got %f", expected, variance)
	}
	if enc.EmbedDim() != 64 {
		t.Errorf("unexpected embedding dimension %d", enc.EmbedDim())
	}
}

func TestConfigValidate(t *testing.T) {
	conf := tinyConfig()
	conf.Recycler.Dim = 8
	conf.Recycler.Window = 4
	if conf.Validate() == nil {
		t.Error("expected error for mismatched dimensions")
	}
	conf = tinyConfig()
	conf.NumClasses = 0
	if conf.Validate() == nil {
		t.Error("expected error for missing classes")
	}
	def, err := DefaultConfig(DefaultNumClasses)
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Validate(); err != nil {
		t.Error(err)
	}
}

func TestEncoderSerialize(t *testing.T) {
	conf := tinyConfig()
	enc, err := NewEncoder(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(enc)
	if err != nil {
		t.Fatal(err)
	}
	var enc1 *Encoder
	if err := serializer.DeserializeAny(data, &enc1); err != nil {
		t.Fatal(err)
	}
	if len(enc1.Parameters()) != len(enc.Parameters()) {
		t.Fatal("parameter count changed")
	}
	images := randomImages(conf, 2)
	expected, err := enc.Encode(images, 2)
	if err != nil {
		t.Fatal(err)
	}
	actual, err := enc1.Encode(images, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, tokseq.Floats(expected), tokseq.Floats(actual))
}

func TestLoadBackbone(t *testing.T) {
	conf := tinyConfig()
	c := anyvec64.CurrentCreator()
	backbone, err := vit.NewBackbone(c, conf.Backbone, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "backbone")
	if err := serializer.SaveAny(path, backbone); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadBackbone(path)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := NewEncoderBackbone(c, loaded, conf, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, tokseq.Floats(backbone.PosEmbed.Vector),
		tokseq.Floats(enc.Backbone.PosEmbed.Vector))
	if _, err := LoadBackbone(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
	_, err = NewEncoderBackbone(anyvec32.CurrentCreator(), loaded, conf,
		rand.New(rand.NewSource(5)))
	if err == nil {
		t.Error("expected error for float64 backbone with float32 creator")
	}
}

func TestNumParameters(t *testing.T) {
	conf := tinyConfig()
	enc, err := NewEncoder(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(6)))
	if err != nil {
		t.Fatal(err)
	}
	var expected int
	for _, p := range enc.Parameters() {
		expected += p.Vector.Len()
	}
	if actual := enc.NumParameters(); actual != expected || actual == 0 {
		t.Errorf("expected %d parameters but got %d", expected, actual)
	}
	// The head alone has Dim*NumClasses weights and
	// NumClasses biases.
	if enc.NumParameters() <= conf.Backbone.Dim*conf.NumClasses+conf.NumClasses {
		t.Error("parameter count is missing the backbone and recycler")
	}
}

func tinyConfig() Config {
	backbone := vit.Config{
		ImageSize: 4,
		PatchSize: 2,
		Channels:  2,
		Dim:       4,
		Heads:     2,
		Layers:    1,
		Hidden:    6,
	}
	scales, err := recycle.ScalesFromFactors(backbone.NumPatches(), []int{1, 2})
	if err != nil {
		panic(err)
	}
	return Config{
		Backbone: backbone,
		Recycler: recycle.Config{
			Dim:       backbone.Dim,
			Patches:   backbone.NumPatches(),
			Scales:    scales,
			Heads:     2,
			Layers:    1,
			Hidden:    6,
			MixWeight: 0.1,
			Window:    2,
			Partial:   0.5,
		},
		NumClasses: 3,
	}
}

func randomImages(conf Config, batch int) anyvec.Vector {
	vec := anyvec64.MakeVector(batch * conf.Backbone.ImageLen())
	anyvec.Rand(vec, anyvec.Uniform, nil)
	return vec
}

func assertClose(t *testing.T, expected, actual []float64) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Fatalf("expected %d values but got %d", len(expected), len(actual))
	}
	for i, x := range expected {
		if math.Abs(x-actual[i]) > 1e-8 {
			t.Fatalf("index %d: expected %f but got %f", i, x, actual[i])
		}
	}
}
