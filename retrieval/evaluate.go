package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// DefaultBatchSize is the number of images encoded at once
// when an Evaluator has no batch size set.
const DefaultBatchSize = 16

// Ks lists the cutoffs for which accuracy is measured.
var Ks = []int{1, 5, 10}

// An Encoder maps a batch of preprocessed images to one
// embedding per image, stored row after row.
type Encoder interface {
	Encode(images anyvec.Vector, batch int) (anyvec.Vector, error)
}

// A Source provides preprocessed images by index.
type Source interface {
	Len() int

	// Load loads images [start, end) as one vector, image
	// after image.
	Load(ctx context.Context, start, end int) (anyvec.Vector, error)
}

// A ProbeSource is a Source whose images each have a true
// gallery index.
type ProbeSource interface {
	Source
	Label(i int) int
}

// Accuracy stores the percentage of probes whose true
// match was ranked within the top 1, 5, and 10 gallery
// items.
type Accuracy struct {
	Top1  float64
	Top5  float64
	Top10 float64
}

// String formats the accuracies as percentages.
func (a Accuracy) String() string {
	return fmt.Sprintf("top1=%.2f%% top5=%.2f%% top10=%.2f%%", a.Top1, a.Top5, a.Top10)
}

// Evaluator measures retrieval accuracy for a pair of
// sketch and photo encoders.
type Evaluator struct {
	// BatchSize is the number of images encoded at once.
	// If 0, DefaultBatchSize is used.
	BatchSize int

	// Status, if non-nil, is called after every probe
	// batch with the number of probes ranked so far.
	Status func(done, total int)
}

// Evaluate encodes the whole gallery once, then ranks
// every probe against it.
//
// Probes are scored against their label, which is the
// position of the true photo in the gallery.
// An empty probe set gives zero accuracy.
func (e *Evaluator) Evaluate(ctx context.Context, sketchEnc, photoEnc Encoder,
	gallery Source, probes ProbeSource) (acc Accuracy, err error) {
	defer essentials.AddCtxTo("evaluate retrieval", &err)
	if probes.Len() == 0 {
		return Accuracy{}, nil
	}
	if gallery.Len() == 0 {
		return Accuracy{}, errors.New("empty gallery")
	}

	galleryVecs, err := e.encodeAll(ctx, photoEnc, gallery)
	if err != nil {
		return Accuracy{}, err
	}
	dim := galleryVecs.Len() / gallery.Len()
	index := NewIndexMatrix(&anyvec.Matrix{Data: galleryVecs, Rows: gallery.Len(), Cols: dim})

	var t tally
	for start := 0; start < probes.Len(); start += e.batchSize() {
		end := min(probes.Len(), start+e.batchSize())
		embeddings, err := e.encodeRange(ctx, sketchEnc, probes, start, end)
		if err != nil {
			return Accuracy{}, err
		}
		if embeddings.Len() != (end-start)*dim {
			return Accuracy{}, fmt.Errorf("sketch embeddings have %d components, expected %d",
				embeddings.Len(), (end-start)*dim)
		}
		for i := start; i < end; i++ {
			probe := embeddings.Slice((i-start)*dim, (i-start+1)*dim)
			t.Add(index, probe, probes.Label(i))
		}
		if e.Status != nil {
			e.Status(end, probes.Len())
		}
	}
	return t.Accuracy(), nil
}

// Score measures accuracy for embeddings that have already
// been computed.
// Each probe's label is the index of its true gallery item.
func Score(gallery, probes []anyvec.Vector, labels []int) (Accuracy, error) {
	if len(probes) != len(labels) {
		return Accuracy{}, fmt.Errorf("%d probes but %d labels", len(probes), len(labels))
	}
	if len(probes) == 0 {
		return Accuracy{}, nil
	}
	index, err := NewIndex(gallery)
	if err != nil {
		return Accuracy{}, err
	}
	var t tally
	for i, probe := range probes {
		if probe.Len() != index.Vectors.Cols {
			return Accuracy{}, fmt.Errorf("probe %d has dimension %d (expected %d)", i,
				probe.Len(), index.Vectors.Cols)
		}
		t.Add(index, probe, labels[i])
	}
	return t.Accuracy(), nil
}

func (e *Evaluator) encodeAll(ctx context.Context, enc Encoder, src Source) (anyvec.Vector,
	error) {
	var parts []anyvec.Vector
	for start := 0; start < src.Len(); start += e.batchSize() {
		end := min(src.Len(), start+e.batchSize())
		vecs, err := e.encodeRange(ctx, enc, src, start, end)
		if err != nil {
			return nil, err
		}
		parts = append(parts, vecs)
	}
	return parts[0].Creator().Concat(parts...), nil
}

func (e *Evaluator) encodeRange(ctx context.Context, enc Encoder, src Source,
	start, end int) (anyvec.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	images, err := src.Load(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return enc.Encode(images, end-start)
}

func (e *Evaluator) batchSize() int {
	if e.BatchSize == 0 {
		return DefaultBatchSize
	}
	return e.BatchSize
}

type tally struct {
	Hits  [3]int
	Total int
}

func (t *tally) Add(index *Index, probe anyvec.Vector, label int) {
	ranked := index.Rank(probe, Ks[len(Ks)-1])
	for pos, idx := range ranked {
		if idx == label {
			for i, k := range Ks {
				if pos < k {
					t.Hits[i]++
				}
			}
			break
		}
	}
	t.Total++
}

func (t *tally) Accuracy() Accuracy {
	if t.Total == 0 {
		return Accuracy{}
	}
	pct := func(hits int) float64 {
		return 100 * float64(hits) / float64(t.Total)
	}
	return Accuracy{Top1: pct(t.Hits[0]), Top5: pct(t.Hits[1]), Top10: pct(t.Hits[2])}
}
