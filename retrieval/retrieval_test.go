package retrieval

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestScoreExactCopies(t *testing.T) {
	gallery := randomVectors(20, 8)
	var probes []anyvec.Vector
	var labels []int
	for i := len(gallery) - 1; i >= 0; i-- {
		probe := gallery[i].Copy()
		probe.Scale(probe.Creator().MakeNumeric(3))
		probes = append(probes, probe)
		labels = append(labels, i)
	}
	acc, err := Score(gallery, probes, labels)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Top1 != 100 || acc.Top5 != 100 || acc.Top10 != 100 {
		t.Errorf("unexpected accuracy: %s", acc)
	}
}

func TestScoreFourVectors(t *testing.T) {
	gallery := randomVectors(4, 16)
	order := []int{2, 0, 3, 1}
	var probes []anyvec.Vector
	for _, i := range order {
		probes = append(probes, gallery[i].Copy())
	}
	acc, err := Score(gallery, probes, order)
	if err != nil {
		t.Fatal(err)
	}
	if acc != (Accuracy{Top1: 100, Top5: 100, Top10: 100}) {
		t.Errorf("unexpected accuracy: %s", acc)
	}
}

func TestScoreMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1337))
	for trial := 0; trial < 10; trial++ {
		gallery := randomVectors(30, 4)
		probes := randomVectors(25, 4)
		labels := make([]int, len(probes))
		for i := range labels {
			labels[i] = rng.Intn(len(gallery))
		}
		acc, err := Score(gallery, probes, labels)
		if err != nil {
			t.Fatal(err)
		}
		if acc.Top1 > acc.Top5 || acc.Top5 > acc.Top10 {
			t.Fatalf("accuracy not monotonic: %s", acc)
		}
	}
}

func TestScoreEdgeCases(t *testing.T) {
	acc, err := Score(nil, nil, nil)
	if err != nil || acc != (Accuracy{}) {
		t.Errorf("expected zero accuracy without error, got %s (%v)", acc, err)
	}
	if _, err := Score(nil, randomVectors(1, 3), []int{0}); err == nil {
		t.Error("expected error for empty gallery")
	}
	if _, err := Score(randomVectors(2, 3), randomVectors(1, 3), nil); err == nil {
		t.Error("expected error for missing labels")
	}
	if _, err := Score(randomVectors(2, 3), randomVectors(1, 4), []int{0}); err == nil {
		t.Error("expected error for mismatched dimension")
	}
}

func TestRankTies(t *testing.T) {
	c := anyvec64.CurrentCreator()
	gallery := []anyvec.Vector{
		tokseq.MakeVector(c, []float64{0, 1}),
		tokseq.MakeVector(c, []float64{1, 0}),
		tokseq.MakeVector(c, []float64{1, 0}),
		tokseq.MakeVector(c, []float64{1, 1}),
		tokseq.MakeVector(c, []float64{-1, 0}),
	}
	ranked, err := Rank(gallery, tokseq.MakeVector(c, []float64{1, 0}), 10)
	if err != nil {
		t.Fatal(err)
	}
	expected := []int{1, 2, 3, 0, 4}
	if len(ranked) != len(expected) {
		t.Fatalf("expected %v but got %v", expected, ranked)
	}
	for i, x := range expected {
		if ranked[i] != x {
			t.Fatalf("expected %v but got %v", expected, ranked)
		}
	}
	ranked, _ = Rank(gallery, tokseq.MakeVector(c, []float64{1, 0}), 2)
	if len(ranked) != 2 || ranked[0] != 1 || ranked[1] != 2 {
		t.Errorf("unexpected top 2: %v", ranked)
	}
}

func TestTopK(t *testing.T) {
	scores := []float64{0.5, 0.9, 0.1, 0.9, 0.7, 0.3}
	actual := TopK(scores, 4)
	expected := []int{1, 3, 4, 0}
	for i, x := range expected {
		if actual[i] != x {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
	if TopK(scores, 0) != nil {
		t.Error("expected no results for k=0")
	}
}

func TestEvaluate(t *testing.T) {
	gallery := &vectorSource{Vectors: randomVectors(13, 6)}
	probes := &vectorSource{}
	for i := len(gallery.Vectors) - 1; i >= 0; i-- {
		probes.Vectors = append(probes.Vectors, gallery.Vectors[i].Copy())
		probes.Labels = append(probes.Labels, i)
	}
	var lastDone int
	eval := &Evaluator{
		BatchSize: 4,
		Status: func(done, total int) {
			if total != len(probes.Vectors) || done <= lastDone {
				t.Errorf("bad status: %d/%d", done, total)
			}
			lastDone = done
		},
	}
	acc, err := eval.Evaluate(context.Background(), identityEncoder{}, identityEncoder{},
		gallery, probes)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Top1 != 100 {
		t.Errorf("unexpected accuracy: %s", acc)
	}
	if lastDone != len(probes.Vectors) {
		t.Errorf("status ended at %d", lastDone)
	}

	acc, err = eval.Evaluate(context.Background(), identityEncoder{}, identityEncoder{},
		&vectorSource{}, &vectorSource{})
	if err != nil || acc != (Accuracy{}) {
		t.Errorf("expected zero accuracy for no probes, got %s (%v)", acc, err)
	}
	_, err = eval.Evaluate(context.Background(), identityEncoder{}, identityEncoder{},
		&vectorSource{}, probes)
	if err == nil {
		t.Error("expected error for empty gallery")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eval.Evaluate(ctx, identityEncoder{}, identityEncoder{}, gallery,
		probes); err == nil {
		t.Error("expected error for canceled context")
	}
}

type identityEncoder struct{}

func (identityEncoder) Encode(images anyvec.Vector, batch int) (anyvec.Vector, error) {
	return images.Copy(), nil
}

type vectorSource struct {
	Vectors []anyvec.Vector
	Labels  []int
}

func (v *vectorSource) Len() int {
	return len(v.Vectors)
}

func (v *vectorSource) Load(ctx context.Context, start, end int) (anyvec.Vector, error) {
	return anyvec64.CurrentCreator().Concat(v.Vectors[start:end]...), nil
}

func (v *vectorSource) Label(i int) int {
	return v.Labels[i]
}

func randomVectors(n, dim int) []anyvec.Vector {
	var res []anyvec.Vector
	for i := 0; i < n; i++ {
		vec := anyvec64.MakeVector(dim)
		anyvec.Rand(vec, anyvec.Normal, nil)
		res = append(res, vec)
	}
	return res
}
