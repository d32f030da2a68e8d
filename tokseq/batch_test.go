package tokseq

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestGatherProp(t *testing.T) {
	v := randomVar(6)
	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return Gather(v, []int{5, 0, 0, 3, 2})
		},
		V:     []*anydiff.Var{v},
		Delta: 1e-4,
		Prec:  1e-5,
	}
	checker.FullCheck(t)
}

func TestRangeProp(t *testing.T) {
	v := randomVar(3 * 4 * 2)
	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			b := &Batch{Data: v, Batch: 3, Len: 4, Dim: 2}
			return anydiff.Add(b.Range(1, 3).Data, b.Range(2, 4).Data)
		},
		V:     []*anydiff.Var{v},
		Delta: 1e-4,
		Prec:  1e-5,
	}
	checker.FullCheck(t)
}

func TestRepeatTile(t *testing.T) {
	v := anydiff.NewConst(anyvec64.MakeVectorData([]float64{1, 2}))
	assertFloats(t, "repeat", Floats(Repeat(v, 2).Output()), []float64{1, 1, 2, 2})
	assertFloats(t, "tile", Floats(Tile(v, 2).Output()), []float64{1, 2, 1, 2})
}

func TestBatchLayout(t *testing.T) {
	// 2 items, 3 tokens, 2 channels.
	data := anydiff.NewConst(anyvec64.MakeVectorData([]float64{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}))
	b, err := NewBatch(data, 2, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertFloats(t, "token", Floats(b.Token(1).Output()), []float64{3, 4, 9, 10})
	assertFloats(t, "range", Floats(b.Range(1, 3).Data.Output()),
		[]float64{3, 4, 5, 6, 9, 10, 11, 12})
	assertFloats(t, "item", Floats(b.Item(1).Data.Output()),
		[]float64{7, 8, 9, 10, 11, 12})
	seq := b.SeqMajor()
	assertFloats(t, "seq-major", Floats(seq.Data.Output()),
		[]float64{1, 2, 7, 8, 3, 4, 9, 10, 5, 6, 11, 12})
	back := FromSeqMajor(seq, 2, 2)
	assertFloats(t, "round trip", Floats(back.Data.Output()), Floats(data.Output()))
	assertFloats(t, "channel-major", Floats(b.ChannelMajor().Data.Output()),
		[]float64{1, 3, 5, 2, 4, 6, 7, 9, 11, 8, 10, 12})

	joined := Concat(b.Range(0, 1), b.Range(2, 3))
	assertFloats(t, "concat", Floats(joined.Data.Output()),
		[]float64{1, 2, 5, 6, 7, 8, 11, 12})
	if joined.Len != 2 {
		t.Errorf("expected length 2 but got %d", joined.Len)
	}
}

func TestNewBatchSize(t *testing.T) {
	data := anydiff.NewConst(anyvec64.MakeVector(5))
	if _, err := NewBatch(data, 2, 3, 1); err == nil {
		t.Error("expected size error")
	}
}

func TestConcatProp(t *testing.T) {
	v := randomVar(2 * 4 * 3)
	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			b := &Batch{Data: v, Batch: 2, Len: 4, Dim: 3}
			joined := Concat(b.Range(2, 4), b.Range(0, 1))
			return FromSeqMajor(joined.SeqMajor(), 2, 3).Data
		},
		V:     []*anydiff.Var{v},
		Delta: 1e-4,
		Prec:  1e-5,
	}
	checker.FullCheck(t)
}

func randomVar(size int) *anydiff.Var {
	vec := anyvec64.MakeVector(size)
	anyvec.Rand(vec, anyvec.Normal, nil)
	return anydiff.NewVar(vec)
}

func assertFloats(t *testing.T, name string, actual, expected []float64) {
	if len(actual) != len(expected) {
		t.Errorf("%s: expected %v but got %v", name, expected, actual)
		return
	}
	for i, x := range expected {
		if math.Abs(actual[i]-x) > 1e-8 {
			t.Errorf("%s: expected %v but got %v", name, expected, actual)
			return
		}
	}
}
