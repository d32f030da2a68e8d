package tokseq

import "github.com/unixpickle/anyvec"

// Floats copies the contents of a vector into a float64
// slice.
func Floats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return append([]float64{}, data...)
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic("unsupported numeric type")
	}
}

// MakeVector creates a vector with the given contents.
func MakeVector(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

// Float converts a numeric to a float64.
func Float(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		panic("unsupported numeric type")
	}
}

// Ones creates a vector of n ones.
func Ones(c anyvec.Creator, n int) anyvec.Vector {
	res := c.MakeVector(n)
	res.AddScalar(c.MakeNumeric(1))
	return res
}
