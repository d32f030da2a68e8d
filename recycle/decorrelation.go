package recycle

import (
	"fmt"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// DecorrelationLoss measures how far the token similarity
// structure of a combined sequence is from a target.
//
// The channels of every token are averaged in windows of
// the given size, pairwise dot products are computed among
// the pooled tokens of each item, and the result is the
// mean squared error against the target over every item
// and entry.
func DecorrelationLoss(combined *tokseq.Batch, target *TargetMatrix, window int) (anydiff.Res, error) {
	if combined.Len != target.Size() {
		return nil, fmt.Errorf("decorrelation: sequence length %d does not match %dx%d target",
			combined.Len, target.Size(), target.Size())
	}
	if window <= 0 || combined.Dim%window != 0 {
		return nil, fmt.Errorf("decorrelation: dimension %d is not divisible into windows of %d",
			combined.Dim, window)
	}
	c := combined.Data.Output().Creator()
	pooledDim := combined.Dim / window

	pooled := combined
	if window > 1 {
		windowMat := &anydiff.Matrix{
			Data: anydiff.NewConst(windowMatrix(c, combined.Dim, window)),
			Rows: combined.Dim,
			Cols: pooledDim,
		}
		pooled = &tokseq.Batch{
			Data:  anydiff.MatMul(false, false, combined.Matrix(), windowMat).Data,
			Batch: combined.Batch,
			Len:   combined.Len,
			Dim:   pooledDim,
		}
	}

	pooledMats := &anydiff.MatrixBatch{
		Data: pooled.Data,
		Num:  pooled.Batch,
		Rows: pooled.Len,
		Cols: pooled.Dim,
	}
	sims := anydiff.BatchedMatMul(false, true, pooledMats, pooledMats)
	targets := tokseq.Tile(anydiff.NewConst(target.Dense(c)), combined.Batch)

	diff := anydiff.Sub(sims.Data, targets)
	count := combined.Batch * combined.Len * combined.Len
	return anydiff.Scale(anydiff.Sum(anydiff.Square(diff)), c.MakeNumeric(1/float64(count))), nil
}

// windowMatrix creates the dim x (dim/window) matrix that
// averages consecutive channels.
func windowMatrix(c anyvec.Creator, dim, window int) anyvec.Vector {
	cols := dim / window
	data := make([]float64, dim*cols)
	for d := 0; d < dim; d++ {
		data[d*cols+d/window] = 1 / float64(window)
	}
	return tokseq.MakeVector(c, data)
}
