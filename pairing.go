package arnet

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/essentials"
)

// A Pair is one sketch together with the photo it depicts.
type Pair struct {
	Sketch string

	Photo string

	// PhotoIndex is the gallery index of the photo.
	PhotoIndex int
}

// A PairList is a list of sketch/photo pairs from one
// split of a dataset.
//
// A photo may have many sketches, in which case it appears
// in many pairs.
type PairList struct {
	PhotoDir  string
	SketchDir string

	// Photos is the gallery of every photo in PhotoDir,
	// including ones without sketches.
	Photos PhotoSet

	Pairs []Pair

	// Unmatched lists the photos without any sketch.
	Unmatched []string
}

// IndexPairs lists the photos in photoDir and, for each
// photo named stem.ext, finds the sketches in sketchDir
// named stem_?.png, where ? is a single character.
//
// Photos with no sketches are recorded in Unmatched; they
// contribute no pairs but remain in the gallery.
func IndexPairs(photoDir, sketchDir string) (list *PairList, err error) {
	defer essentials.AddCtxTo("index pairs", &err)
	photos, err := listFiles(photoDir)
	if err != nil {
		return nil, err
	}
	sketches, err := listFiles(sketchDir)
	if err != nil {
		return nil, err
	}

	res := &PairList{
		PhotoDir:  photoDir,
		SketchDir: sketchDir,
		Photos:    NewPhotoSet(photos),
	}
	byStem := map[string][]string{}
	for _, sketch := range sketches {
		if stem, ok := sketchStem(sketch); ok {
			byStem[stem] = append(byStem[stem], sketch)
		}
	}
	for id, photo := range res.Photos {
		matches := byStem[photoStem(photo)]
		if len(matches) == 0 {
			res.Unmatched = append(res.Unmatched, photo)
		}
		for _, sketch := range matches {
			res.Pairs = append(res.Pairs, Pair{Sketch: sketch, Photo: photo, PhotoIndex: id})
		}
	}
	return res, nil
}

// Len returns the number of pairs.
func (p *PairList) Len() int {
	return len(p.Pairs)
}

// Swap swaps two pairs.
func (p *PairList) Swap(i, j int) {
	p.Pairs[i], p.Pairs[j] = p.Pairs[j], p.Pairs[i]
}

// Slice copies a range of pairs into a new PairList with
// the same directories and gallery.
func (p *PairList) Slice(i, j int) anysgd.SampleList {
	res := *p
	res.Pairs = append([]Pair{}, p.Pairs[i:j]...)
	return &res
}

// Copy creates a copy of the list whose pairs can be
// reordered independently.
func (p *PairList) Copy() *PairList {
	return p.Slice(0, p.Len()).(*PairList)
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		res = append(res, entry.Name())
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no files in %s", dir)
	}
	sort.Strings(res)
	return res, nil
}

// photoStem strips everything from the first dot of a
// file name.
func photoStem(name string) string {
	return strings.SplitN(name, ".", 2)[0]
}

// sketchStem recovers the photo stem from a sketch named
// stem_?.png.
func sketchStem(name string) (string, bool) {
	if !strings.HasSuffix(name, ".png") {
		return "", false
	}
	base := strings.TrimSuffix(name, ".png")
	r, size := utf8.DecodeLastRuneInString(base)
	if r == utf8.RuneError || r == '/' {
		return "", false
	}
	base = base[:len(base)-size]
	if !strings.HasSuffix(base, "_") {
		return "", false
	}
	stem := strings.TrimSuffix(base, "_")
	if stem == "" || strings.Contains(stem, ".") {
		return "", false
	}
	return stem, true
}
