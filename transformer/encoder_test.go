package transformer

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

func TestLayerNormOutput(t *testing.T) {
	c := anyvec64.CurrentCreator()
	norm := NewLayerNorm(c, 4)
	in := anydiff.NewConst(anyvec64.MakeVectorData([]float64{1, 2, 3, 4, -2, 0, 2, 4}))
	out := tokseq.Floats(norm.Apply(in, 2).Output())
	for row := 0; row < 2; row++ {
		var mean, variance float64
		for _, x := range out[row*4 : (row+1)*4] {
			mean += x / 4
		}
		for _, x := range out[row*4 : (row+1)*4] {
			variance += (x - mean) * (x - mean) / 4
		}
		if math.Abs(mean) > 1e-8 || math.Abs(variance-1) > 1e-3 {
			t.Errorf("row %d: mean %f variance %f", row, mean, variance)
		}
	}
}

func TestLayerNormProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	norm := NewLayerNorm(c, 5)
	anyvec.Rand(norm.Gain.Vector, anyvec.Normal, nil)
	anyvec.Rand(norm.Bias.Vector, anyvec.Normal, nil)
	in := randomVar(15)
	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return norm.Apply(in, 3)
		},
		V:     append([]*anydiff.Var{in}, norm.Parameters()...),
		Delta: 1e-4,
		Prec:  1e-4,
	}
	checker.FullCheck(t)
}

func TestAttentionProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	attn, err := NewAttention(c, 4, 2, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	in := randomVar(2 * 3 * 4)
	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return attn.Apply(&tokseq.Batch{Data: in, Batch: 2, Len: 3, Dim: 4}).Data
		},
		V:     append([]*anydiff.Var{in}, attn.Parameters()...),
		Delta: 1e-4,
		Prec:  1e-4,
	}
	checker.FullCheck(t)
}

func TestAttentionItemsIndependent(t *testing.T) {
	c := anyvec64.CurrentCreator()
	attn, err := NewAttention(c, 4, 2, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	in := randomVar(2 * 3 * 4)
	both := attn.Apply(&tokseq.Batch{Data: in, Batch: 2, Len: 3, Dim: 4})
	first := (&tokseq.Batch{Data: in, Batch: 2, Len: 3, Dim: 4}).Item(0)
	alone := attn.Apply(&tokseq.Batch{Data: first.Data, Batch: 1, Len: 3, Dim: 4})
	expected := tokseq.Floats(alone.Data.Output())
	actual := tokseq.Floats(both.Data.Output())[:12]
	for i, x := range expected {
		if math.Abs(x-actual[i]) > 1e-8 {
			t.Fatalf("item 0 depends on item 1: %v vs %v", actual, expected)
		}
	}
}

func TestNewAttentionHeads(t *testing.T) {
	if _, err := NewAttention(anyvec64.CurrentCreator(), 6, 4, nil); err == nil {
		t.Error("expected error for indivisible heads")
	}
}

func TestLayerProp(t *testing.T) {
	for _, normFirst := range []bool{false, true} {
		conf := Config{Dim: 4, Heads: 2, Layers: 1, Hidden: 6, NormFirst: normFirst,
			Activation: GELU}
		if !normFirst {
			conf.Activation = ReLU
		}
		layer, err := NewLayer(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatal(err)
		}
		in := randomVar(2 * 3 * 4)
		checker := anydifftest.ResChecker{
			F: func() anydiff.Res {
				return layer.Apply(&tokseq.Batch{Data: in, Batch: 2, Len: 3, Dim: 4}).Data
			},
			V:     append([]*anydiff.Var{in}, layer.Parameters()...),
			Delta: 1e-4,
			Prec:  1e-3,
		}
		checker.FullCheck(t)
	}
}

func TestEncoderSerialize(t *testing.T) {
	for _, normFirst := range []bool{false, true} {
		conf := Config{Dim: 4, Heads: 2, Layers: 2, Hidden: 8, NormFirst: normFirst}
		enc, err := NewEncoder(anyvec64.CurrentCreator(), conf, rand.New(rand.NewSource(4)))
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
		for _, layer := range enc1.Layers {
			if layer.NormFirst != normFirst {
				t.Errorf("expected NormFirst %v", normFirst)
			}
		}
		in := anydiff.NewConst(randomVar(3 * 4).Vector)
		x := &tokseq.Batch{Data: in, Batch: 1, Len: 3, Dim: 4}
		expected := tokseq.Floats(enc.Apply(x).Data.Output())
		actual := tokseq.Floats(enc1.Apply(x).Data.Output())
		for i, v := range expected {
			if math.Abs(v-actual[i]) > 1e-8 {
				t.Fatalf("expected %v but got %v", expected, actual)
			}
		}
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{Dim: 0, Heads: 1, Layers: 1, Hidden: 1},
		{Dim: 6, Heads: 4, Layers: 1, Hidden: 1},
		{Dim: 4, Heads: 2, Layers: 0, Hidden: 1},
		{Dim: 4, Heads: 2, Layers: 1, Hidden: 0},
	}
	for i, conf := range bad {
		if conf.Validate() == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
	if err := (Config{Dim: 8, Heads: 2, Layers: 2, Hidden: 4}).Validate(); err != nil {
		t.Error(err)
	}
}

func randomVar(size int) *anydiff.Var {
	vec := anyvec64.MakeVector(size)
	anyvec.Rand(vec, anyvec.Normal, nil)
	return anydiff.NewVar(vec)
}
