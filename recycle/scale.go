package recycle

import "fmt"

// A Scale describes how patch tokens are averaged into the
// tokens of one spatial granularity.
//
// Each group lists the patch indices that are averaged to
// produce one token. The groups of a Scale partition the
// patch indices: every patch belongs to exactly one group.
type Scale struct {
	Groups [][]int
}

// IdentityScale keeps every one of n patches as its own
// token.
func IdentityScale(n int) Scale {
	res := Scale{Groups: make([][]int, n)}
	for i := range res.Groups {
		res.Groups[i] = []int{i}
	}
	return res
}

// ContiguousScale averages runs of size consecutive
// patches in raster order.
//
// For a factor s, a run size of s*s reproduces the
// grouping of reshaping an N-token sequence into
// N/(s*s) x s x s and averaging the last two axes.
func ContiguousScale(n, size int) (Scale, error) {
	if size <= 0 || n%size != 0 {
		return Scale{}, fmt.Errorf("group size %d does not evenly divide %d patches", size, n)
	}
	var bounds []int
	for end := size; end <= n; end += size {
		bounds = append(bounds, end)
	}
	return ExplicitScale(n, bounds)
}

// BlockScale averages non-overlapping s x s spatial blocks
// of a side x side patch grid.
func BlockScale(side, s int) (Scale, error) {
	if s <= 0 || side%s != 0 {
		return Scale{}, fmt.Errorf("block size %d does not evenly divide grid side %d", s, side)
	}
	blocks := side / s
	res := Scale{Groups: make([][]int, blocks*blocks)}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			group := (y/s)*blocks + x/s
			res.Groups[group] = append(res.Groups[group], y*side+x)
		}
	}
	return res, nil
}

// ExplicitScale creates contiguous groups ending at the
// given (exclusive, strictly increasing) boundaries.
// The final boundary must be n.
//
// This supports irregular splits where groups do not all
// have the same size.
func ExplicitScale(n int, bounds []int) (Scale, error) {
	if len(bounds) == 0 || bounds[len(bounds)-1] != n {
		return Scale{}, fmt.Errorf("group boundaries %v must end at %d", bounds, n)
	}
	var res Scale
	var start int
	for _, end := range bounds {
		if end <= start {
			return Scale{}, fmt.Errorf("group boundaries %v are not strictly increasing", bounds)
		}
		group := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			group = append(group, i)
		}
		res.Groups = append(res.Groups, group)
		start = end
	}
	return res, nil
}

// ScalesFromFactors creates one contiguous scale per
// factor, where factor s averages s*s patches per token.
// A factor of 1 is the identity scale.
func ScalesFromFactors(n int, factors []int) ([]Scale, error) {
	var res []Scale
	for _, f := range factors {
		if f == 1 {
			res = append(res, IdentityScale(n))
			continue
		}
		if f <= 0 || n%(f*f) != 0 {
			return nil, fmt.Errorf("scale factor %d: %d patches do not split into groups of %d",
				f, n, f*f)
		}
		scale, err := ContiguousScale(n, f*f)
		if err != nil {
			return nil, err
		}
		res = append(res, scale)
	}
	return res, nil
}

// Len returns the number of tokens the scale produces.
func (s Scale) Len() int {
	return len(s.Groups)
}

// IsIdentity checks if every patch is its own group, in
// order.
func (s Scale) IsIdentity() bool {
	for i, g := range s.Groups {
		if len(g) != 1 || g[0] != i {
			return false
		}
	}
	return true
}

// Validate checks that the groups partition n patches.
func (s Scale) Validate(n int) error {
	if len(s.Groups) == 0 {
		return fmt.Errorf("scale has no groups")
	}
	seen := make([]bool, n)
	var count int
	for i, g := range s.Groups {
		if len(g) == 0 {
			return fmt.Errorf("group %d is empty", i)
		}
		for _, p := range g {
			if p < 0 || p >= n {
				return fmt.Errorf("group %d: patch %d out of range [0, %d)", i, p, n)
			}
			if seen[p] {
				return fmt.Errorf("group %d: patch %d is in more than one group", i, p)
			}
			seen[p] = true
			count++
		}
	}
	if count != n {
		return fmt.Errorf("groups cover %d of %d patches", count, n)
	}
	return nil
}

// owners maps each patch to the index of its group.
func (s Scale) owners(n int) []int {
	res := make([]int, n)
	for i, g := range s.Groups {
		for _, p := range g {
			res[p] = i
		}
	}
	return res
}

// poolMatrix creates the Len() x n row-major matrix that
// averages the patches of each group.
func (s Scale) poolMatrix(n int) []float64 {
	res := make([]float64, len(s.Groups)*n)
	for i, g := range s.Groups {
		for _, p := range g {
			res[i*n+p] = 1 / float64(len(g))
		}
	}
	return res
}

// validateScales checks every scale and that they are
// ordered from finest to coarsest.
func validateScales(n int, scales []Scale) error {
	if len(scales) == 0 {
		return fmt.Errorf("no scales configured")
	}
	for i, s := range scales {
		if err := s.Validate(n); err != nil {
			return fmt.Errorf("scale %d: %s", i, err)
		}
		if i > 0 && s.Len() > scales[i-1].Len() {
			return fmt.Errorf("scale %d has %d tokens, more than the preceding scale's %d",
				i, s.Len(), scales[i-1].Len())
		}
	}
	return nil
}

// encodeScales flattens scales into a list of integers:
// the scale count, then for each scale its group count,
// then for each group its size followed by its members.
func encodeScales(scales []Scale) []int {
	res := []int{len(scales)}
	for _, s := range scales {
		res = append(res, len(s.Groups))
		for _, g := range s.Groups {
			res = append(res, len(g))
			res = append(res, g...)
		}
	}
	return res
}

func decodeScales(data []int) ([]Scale, error) {
	var pos int
	next := func() (int, error) {
		if pos >= len(data) {
			return 0, fmt.Errorf("truncated scale data")
		}
		pos++
		return data[pos-1], nil
	}
	numScales, err := next()
	if err != nil {
		return nil, err
	}
	res := make([]Scale, numScales)
	for i := range res {
		numGroups, err := next()
		if err != nil {
			return nil, err
		}
		res[i].Groups = make([][]int, numGroups)
		for j := range res[i].Groups {
			size, err := next()
			if err != nil {
				return nil, err
			}
			if pos+size > len(data) {
				return nil, fmt.Errorf("truncated scale data")
			}
			res[i].Groups[j] = append([]int{}, data[pos:pos+size]...)
			pos += size
		}
	}
	return res, nil
}
