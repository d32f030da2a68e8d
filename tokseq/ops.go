package tokseq

import (
	"github.com/unixpickle/anydiff"
)

// Gather produces a vector whose i-th component is the
// indices[i]-th component of the input.
//
// Indices may repeat, in which case the gradients of the
// repeated components are summed.
func Gather(in anydiff.Res, indices []int) anydiff.Res {
	c := in.Output().Creator()
	return anydiff.Map(c.MakeMapper(in.Output().Len(), indices), in)
}

// Repeat repeats every component of the input n times in
// a row, so [a, b] becomes [a, a, b, b] for n=2.
func Repeat(in anydiff.Res, n int) anydiff.Res {
	indices := make([]int, in.Output().Len()*n)
	for i := range indices {
		indices[i] = i / n
	}
	return Gather(in, indices)
}

// Tile repeats the whole input n times, so [a, b] becomes
// [a, b, a, b] for n=2.
func Tile(in anydiff.Res, n int) anydiff.Res {
	if n == 1 {
		return in
	}
	parts := make([]anydiff.Res, n)
	for i := range parts {
		parts[i] = in
	}
	return anydiff.Concat(parts...)
}
