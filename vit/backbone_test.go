package vit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func tinyConfig() Config {
	return Config{
		ImageSize: 4,
		PatchSize: 2,
		Channels:  2,
		Dim:       4,
		Heads:     2,
		Layers:    1,
		Hidden:    6,
	}
}

func TestEmbedShape(t *testing.T) {
	conf := tinyConfig()
	b, err := NewBackbone(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	for _, batch := range []int{1, 2, 3} {
		images := randomImages(conf, batch)
		tokens, err := b.Embed(anydiff.NewConst(images), batch)
		if err != nil {
			t.Fatal(err)
		}
		if tokens.Len != 1+conf.NumPatches() || tokens.Batch != batch || tokens.Dim != conf.Dim {
			t.Errorf("batch %d: unexpected shape %dx%dx%d", batch, tokens.Batch, tokens.Len,
				tokens.Dim)
		}
		if tokens.Data.Output().Len() != batch*(1+conf.NumPatches())*conf.Dim {
			t.Errorf("batch %d: bad data length", batch)
		}
	}
}

func TestEmbedWrongSize(t *testing.T) {
	conf := tinyConfig()
	b, err := NewBackbone(anyvec64.CurrentCreator(), conf, nil)
	if err != nil {
		t.Fatal(err)
	}
	images := anyvec64.MakeVector(conf.ImageLen() + 1)
	if _, err := b.Embed(anydiff.NewConst(images), 1); err == nil {
		t.Error("expected error for wrong image size")
	}
}

func TestValidate(t *testing.T) {
	conf := tinyConfig()
	conf.ImageSize = 5
	if conf.Validate() == nil {
		t.Error("expected error for indivisible patch grid")
	}
	if DefaultConfig().NumPatches() != 196 {
		t.Error("default config should have 196 patches")
	}
}

func TestPatchIndices(t *testing.T) {
	conf := Config{ImageSize: 4, PatchSize: 2, Channels: 1}
	actual := patchIndices(conf)
	expected := []int{0, 1, 4, 5, 2, 3, 6, 7, 8, 9, 12, 13, 10, 11, 14, 15}
	for i, x := range expected {
		if actual[i] != x {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
}

func TestEmbedProp(t *testing.T) {
	conf := tinyConfig()
	b, err := NewBackbone(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	images := anydiff.NewVar(randomImages(conf, 2))
	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			tokens, err := b.Embed(images, 2)
			if err != nil {
				t.Fatal(err)
			}
			return tokens.Data
		},
		V:     append([]*anydiff.Var{images}, b.Parameters()...),
		Delta: 1e-4,
		Prec:  1e-3,
	}
	checker.FullCheck(t)
}

func TestBackboneSerialize(t *testing.T) {
	conf := tinyConfig()
	b, err := NewBackbone(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(b)
	if err != nil {
		t.Fatal(err)
	}
	var b1 *Backbone
	if err := serializer.DeserializeAny(data, &b1); err != nil {
		t.Fatal(err)
	}
	if b1.Config != conf {
		t.Errorf("expected config %+v but got %+v", conf, b1.Config)
	}
	images := anydiff.NewConst(randomImages(conf, 1))
	t1, _ := b.Embed(images, 1)
	t2, _ := b1.Embed(images, 1)
	expected, actual := tokseq.Floats(t1.Data.Output()), tokseq.Floats(t2.Data.Output())
	for i, x := range expected {
		if math.Abs(x-actual[i]) > 1e-8 {
			t.Fatal("outputs differ after round trip")
		}
	}
}

func randomImages(conf Config, batch int) anyvec.Vector {
	vec := anyvec64.MakeVector(batch * conf.ImageLen())
	anyvec.Rand(vec, anyvec.Uniform, nil)
	return vec
}
