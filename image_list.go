package arnet

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// An ImageList is an ordered list of image files that are
// loaded with anchor preprocessing.
//
// It is used for evaluation, where the gallery is every
// photo in gallery order and the probes are the sketches,
// each labeled with the gallery index of its photo.
type ImageList struct {
	Dir   string
	Names []string

	// Labels holds the true gallery index of each image.
	// It is nil for galleries.
	Labels []int

	Pre     *Preprocessor
	Creator anyvec.Creator

	// Workers is the maximum number of images decoded at
	// once.
	Workers int
}

// GalleryList lists every photo of a PairList in gallery
// order.
func GalleryList(pairs *PairList, pre *Preprocessor, c anyvec.Creator) *ImageList {
	return &ImageList{
		Dir:     pairs.PhotoDir,
		Names:   append([]string{}, pairs.Photos...),
		Pre:     pre,
		Creator: c,
	}
}

// ProbeList lists every sketch of a PairList, labeled by
// its photo's gallery index.
func ProbeList(pairs *PairList, pre *Preprocessor, c anyvec.Creator) *ImageList {
	res := &ImageList{Dir: pairs.SketchDir, Pre: pre, Creator: c}
	for _, p := range pairs.Pairs {
		res.Names = append(res.Names, p.Sketch)
		res.Labels = append(res.Labels, p.PhotoIndex)
	}
	return res
}

// Len returns the number of images.
func (i *ImageList) Len() int {
	return len(i.Names)
}

// Label returns the gallery index of an image.
func (i *ImageList) Label(idx int) int {
	if i.Labels == nil {
		return idx
	}
	return i.Labels[idx]
}

// Load loads images [start, end) back to back.
func (i *ImageList) Load(ctx context.Context, start, end int) (vec anyvec.Vector,
	err error) {
	defer essentials.AddCtxTo("load image list", &err)
	if start < 0 || end > i.Len() || start > end {
		return nil, fmt.Errorf("range [%d, %d) out of bounds for %d images", start, end, i.Len())
	}
	imageLen := i.Pre.ImageLen()
	buf := make([]float64, (end-start)*imageLen)
	var jobs []func() error
	for idx := start; idx < end; idx++ {
		offset := (idx - start) * imageLen
		path := filepath.Join(i.Dir, i.Names[idx])
		jobs = append(jobs, func() error {
			img, err := LoadImage(path)
			if err != nil {
				return err
			}
			copy(buf[offset:offset+imageLen], imageFloats(i.Pre.Anchor(img)))
			return nil
		})
	}
	if err := runJobs(ctx, i.Workers, jobs); err != nil {
		return nil, err
	}
	return i.Creator.MakeVectorData(i.Creator.MakeNumericList(buf)), nil
}
