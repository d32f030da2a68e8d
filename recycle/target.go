package recycle

import (
	"github.com/unixpickle/anyvec"
)

// A TargetMatrix is the desired token similarity structure
// of a combined multi-scale sequence.
//
// Entry (i, j) is 1 on the diagonal, the partial value
// when tokens i and j come from different scales and their
// patch groups overlap, and 0 otherwise.
type TargetMatrix struct {
	partial float64

	// overlaps[i] is the set of tokens from other scales
	// that share a patch with token i.
	overlaps []map[int]bool
}

// NewTargetMatrix builds the target structure for the
// concatenation of the given scales over n patches.
func NewTargetMatrix(n int, scales []Scale, partial float64) (*TargetMatrix, error) {
	if err := validateScales(n, scales); err != nil {
		return nil, err
	}
	var size int
	offsets := make([]int, len(scales))
	owners := make([][]int, len(scales))
	for i, s := range scales {
		offsets[i] = size
		owners[i] = s.owners(n)
		size += s.Len()
	}

	res := &TargetMatrix{partial: partial, overlaps: make([]map[int]bool, size)}
	for i := range res.overlaps {
		res.overlaps[i] = map[int]bool{}
	}

	// Two groups from different scales overlap exactly when
	// some patch is owned by both of them.
	for a := range scales {
		for b := a + 1; b < len(scales); b++ {
			for p := 0; p < n; p++ {
				i := offsets[a] + owners[a][p]
				j := offsets[b] + owners[b][p]
				res.overlaps[i][j] = true
				res.overlaps[j][i] = true
			}
		}
	}
	return res, nil
}

// Size returns the number of rows (and columns).
func (t *TargetMatrix) Size() int {
	return len(t.overlaps)
}

// Get reads an entry in the matrix.
func (t *TargetMatrix) Get(row, col int) float64 {
	if row == col {
		return 1
	} else if t.overlaps[row][col] {
		return t.partial
	}
	return 0
}

// Symmetric checks that every overlap is recorded in both
// directions.
func (t *TargetMatrix) Symmetric() bool {
	for i, set := range t.overlaps {
		for j := range set {
			if !t.overlaps[j][i] {
				return false
			}
		}
	}
	return true
}

// Dense creates a row-major vector with all the entries
// of the matrix.
func (t *TargetMatrix) Dense(c anyvec.Creator) anyvec.Vector {
	size := t.Size()
	data := make([]float64, size*size)
	for i, set := range t.overlaps {
		data[i*size+i] = 1
		for j := range set {
			data[i*size+j] = t.partial
		}
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}
