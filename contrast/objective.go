// Package contrast implements the InfoNCE objective used to
// pull matching embeddings together.
package contrast

import (
	"fmt"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
)

// Default InfoNCE settings: the logit temperature and the
// number of views contrasted per sample.
const (
	DefaultTemperature = 0.07
	DefaultViews       = 2
)

// normEpsilon keeps the normalization of all-zero rows
// finite.
const normEpsilon = 1e-12

// An Objective computes the InfoNCE loss between several
// views of the same batch of samples.
//
// Rows with the same index in different views are
// positives; every other row is a negative.
type Objective struct {
	// Temperature divides every similarity before the
	// softmax.
	// If 0, DefaultTemperature is used.
	Temperature float64

	// Views is the number of views per sample.
	// If 0, DefaultViews is used.
	Views int
}

// Loss computes the loss for two Batch x Dim views.
func (o *Objective) Loss(a, b anydiff.Res, batch int) (anydiff.Res, error) {
	return o.LossViews(batch, a, b)
}

// LossViews computes the loss for any number of views,
// each a Batch x Dim matrix.
//
// The views are stacked, so row v*batch+i is sample i of
// view v.
// For each row, the logits list the similarities to the
// other views of the same sample followed by the
// similarities to every other sample, and the loss is the
// cross-entropy that selects the first logit, averaged over
// every row.
func (o *Objective) LossViews(batch int, views ...anydiff.Res) (anydiff.Res, error) {
	if len(views) != o.views() {
		return nil, fmt.Errorf("expected %d views but got %d", o.views(), len(views))
	}
	if batch <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", batch)
	}
	dim := views[0].Output().Len() / batch
	for i, v := range views {
		if v.Output().Len() != batch*dim || dim == 0 {
			return nil, fmt.Errorf("view %d: expected %dx%d components but got %d", i, batch,
				dim, v.Output().Len())
		}
	}
	rows := len(views) * batch
	if rows < 2 {
		return nil, fmt.Errorf("need at least two rows to contrast")
	}

	stacked := Normalize(anydiff.Concat(views...), rows)
	sims := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: stacked, Rows: rows, Cols: dim},
		&anydiff.Matrix{Data: stacked, Rows: rows, Cols: dim},
	)

	c := stacked.Output().Creator()
	logits := anydiff.Scale(tokseq.Gather(sims.Data, logitIndices(batch, len(views))),
		c.MakeNumeric(1/o.temperature()))
	width := rows - 1
	logProbs := anydiff.LogSoftmax(logits, width)

	firstIndices := make([]int, rows)
	for i := range firstIndices {
		firstIndices[i] = i * width
	}
	positives := tokseq.Gather(logProbs, firstIndices)
	return anydiff.Scale(anydiff.Sum(positives), c.MakeNumeric(-1/float64(rows))), nil
}

func (o *Objective) temperature() float64 {
	if o.Temperature == 0 {
		return DefaultTemperature
	}
	return o.Temperature
}

func (o *Objective) views() int {
	if o.Views == 0 {
		return DefaultViews
	}
	return o.Views
}

// Normalize scales every row of a rows x cols matrix to
// unit L2 norm.
func Normalize(in anydiff.Res, rows int) anydiff.Res {
	cols := in.Output().Len() / rows
	c := in.Output().Creator()
	sqNorms := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: anydiff.Square(in), Rows: rows, Cols: cols},
		&anydiff.Matrix{Data: anydiff.NewConst(tokseq.Ones(c, cols)), Rows: cols, Cols: 1},
	).Data
	invNorms := anydiff.Pow(anydiff.AddScalar(sqNorms, c.MakeNumeric(normEpsilon)),
		c.MakeNumeric(-0.5))
	return anydiff.Mul(in, tokseq.Repeat(invNorms, cols))
}

// logitIndices selects, from the rows x rows similarity
// matrix, each row's positives and then its negatives,
// skipping the diagonal.
func logitIndices(batch, views int) []int {
	rows := batch * views
	res := make([]int, 0, rows*(rows-1))
	for r := 0; r < rows; r++ {
		sample := r % batch
		for col := 0; col < rows; col++ {
			if col != r && col%batch == sample {
				res = append(res, r*rows+col)
			}
		}
		for col := 0; col < rows; col++ {
			if col%batch != sample {
				res = append(res, r*rows+col)
			}
		}
	}
	return res
}
