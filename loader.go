package arnet

import (
	"context"
	"hash/fnv"
	"image"
	"math/rand"
	"path/filepath"
	"runtime"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
)

// A Quad holds the four image batches of one training
// step, each storing Batch images back to back.
type Quad struct {
	Batch int

	SketchAnchor anyvec.Vector
	SketchAug    anyvec.Vector
	PhotoAnchor  anyvec.Vector
	PhotoAug     anyvec.Vector
}

// A Loader decodes and preprocesses training pairs.
type Loader struct {
	Pairs   *PairList
	Pre     *Preprocessor
	Creator anyvec.Creator

	// Workers is the maximum number of images decoded at
	// once.
	// If 0, runtime.GOMAXPROCS(0) is used.
	Workers int

	// Seed determines the augmentation of every sample.
	Seed int64
}

// LoadQuad loads the anchor and augmented views of the
// sketch and photo of every pair.
//
// Each pair is augmented with a random source derived from
// the seed, the epoch, and the pair itself, so the result
// does not depend on batching or on the order in which
// images finish decoding.
func (l *Loader) LoadQuad(ctx context.Context, pairs []Pair, epoch int) (quad *Quad,
	err error) {
	defer essentials.AddCtxTo("load quad", &err)
	imageLen := l.Pre.ImageLen()
	var bufs [4][]float64
	for i := range bufs {
		bufs[i] = make([]float64, len(pairs)*imageLen)
	}

	jobs := make([]func() error, len(pairs))
	for i, pair := range pairs {
		i, pair := i, pair
		jobs[i] = func() error {
			sketch, err := LoadImage(filepath.Join(l.Pairs.SketchDir, pair.Sketch))
			if err != nil {
				return err
			}
			photo, err := LoadImage(filepath.Join(l.Pairs.PhotoDir, pair.Photo))
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(l.sampleSeed(pair, epoch)))
			views := []image.Image{
				l.Pre.Anchor(sketch),
				l.Pre.Augment(sketch, rng),
				l.Pre.Anchor(photo),
				l.Pre.Augment(photo, rng),
			}
			for j, img := range views {
				copy(bufs[j][i*imageLen:(i+1)*imageLen], imageFloats(img))
			}
			return nil
		}
	}
	if err := runJobs(ctx, l.Workers, jobs); err != nil {
		return nil, err
	}

	c := l.Creator
	makeVec := func(data []float64) anyvec.Vector {
		return c.MakeVectorData(c.MakeNumericList(data))
	}
	return &Quad{
		Batch:        len(pairs),
		SketchAnchor: makeVec(bufs[0]),
		SketchAug:    makeVec(bufs[1]),
		PhotoAnchor:  makeVec(bufs[2]),
		PhotoAug:     makeVec(bufs[3]),
	}, nil
}

func (l *Loader) sampleSeed(p Pair, epoch int) int64 {
	h := fnv.New64a()
	h.Write([]byte(p.Sketch))
	h.Write([]byte{0})
	h.Write([]byte(p.Photo))
	return l.Seed ^ int64(h.Sum64()) ^ (int64(epoch) * 0x5851f42d4c957f2d)
}

// runJobs runs the jobs with at most workers at a time,
// stopping at the first error.
func runJobs(ctx context.Context, workers int, jobs []func() error) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return job()
		})
	}
	return g.Wait()
}
