package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"

	arnet "github.com/ExponentiAI/ARNet"
	"github.com/ExponentiAI/ARNet/contrast"
	"github.com/ExponentiAI/ARNet/model"
	"github.com/ExponentiAI/ARNet/retrieval"
	"github.com/ExponentiAI/ARNet/tokseq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// ErrNonFinite is returned by Trainer.Step when the loss
// is NaN or infinite.
// The parameters are left untouched in that case.
var ErrNonFinite = errors.New("non-finite loss")

// A StepLoss holds the terms of the training objective.
type StepLoss struct {
	// Anchor contrasts the head embeddings of sketches and
	// photos.
	Anchor float64

	// Self contrasts each modality's class tokens with the
	// class tokens of its augmented views.
	Self float64

	// Cross contrasts the class tokens of sketches and
	// photos.
	Cross float64

	// Decorrelation is the recycler regularizer of both
	// encoders.
	Decorrelation float64

	Total float64
}

// Add adds the terms of another loss to l.
func (l *StepLoss) Add(other *StepLoss) {
	l.Anchor += other.Anchor
	l.Self += other.Self
	l.Cross += other.Cross
	l.Decorrelation += other.Decorrelation
	l.Total += other.Total
}

func (l *StepLoss) finite() bool {
	for _, x := range []float64{l.Anchor, l.Self, l.Cross, l.Decorrelation, l.Total} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// A Trainer trains a sketch encoder and a photo encoder
// jointly.
//
// A Trainer must not be used from more than one Goroutine
// at once.
type Trainer struct {
	Config Config

	Sketch *model.Encoder
	Photo  *model.Encoder

	Objective *contrast.Objective

	// Optimizer transforms gradients into update
	// directions.
	// Weight decay is added to the gradients before the
	// transform.
	Optimizer anysgd.Transformer

	Loader     *arnet.Loader
	TrainPairs *arnet.PairList
	TestPairs  *arnet.PairList

	// Sink, if non-nil, receives the metrics of every
	// epoch.
	Sink MetricSink

	// StatusFunc, if non-nil, is called after every
	// training step.
	StatusFunc func(epoch, step int, loss *StepLoss)

	// Epoch is the last completed epoch.
	// It is changed automatically by Run and Resume.
	Epoch int

	// Selector tracks the best accuracy for checkpoints.
	Selector Selector
}

// NewTrainer creates a Trainer with an Adam optimizer.
func NewTrainer(conf Config, sketch, photo *model.Encoder, trainPairs,
	testPairs *arnet.PairList) (*Trainer, error) {
	if err := conf.Validate(); err != nil {
		return nil, essentials.AddCtx("create trainer", err)
	}
	return &Trainer{
		Config:    conf,
		Sketch:    sketch,
		Photo:     photo,
		Objective: conf.Objective(),
		Optimizer: &anysgd.Adam{},
		Loader: &arnet.Loader{
			Pairs:   trainPairs,
			Pre:     arnet.NewPreprocessor(conf.ImageSize),
			Creator: conf.Creator(),
			Workers: conf.Workers,
			Seed:    conf.Seed,
		},
		TrainPairs: trainPairs,
		TestPairs:  testPairs,
	}, nil
}

// Losses holds the differentiable terms of the objective.
type Losses struct {
	Anchor        anydiff.Res
	Self          anydiff.Res
	Cross         anydiff.Res
	Decorrelation anydiff.Res
	Total         anydiff.Res
}

// Losses computes the objective for a batch.
func (t *Trainer) Losses(q *arnet.Quad) (l *Losses, err error) {
	defer essentials.AddCtxTo("compute losses", &err)
	skt, err := t.Sketch.Forward(anydiff.NewConst(q.SketchAnchor), q.Batch, true)
	if err != nil {
		return nil, err
	}
	img, err := t.Photo.Forward(anydiff.NewConst(q.PhotoAnchor), q.Batch, true)
	if err != nil {
		return nil, err
	}
	sktAug, err := t.Sketch.ClassEmbedding(anydiff.NewConst(q.SketchAug), q.Batch)
	if err != nil {
		return nil, err
	}
	imgAug, err := t.Photo.ClassEmbedding(anydiff.NewConst(q.PhotoAug), q.Batch)
	if err != nil {
		return nil, err
	}

	var terms [4]anydiff.Res
	pairs := [4][2]anydiff.Res{
		{skt.Embedding, img.Embedding},
		{sktAug, skt.Class},
		{imgAug, img.Class},
		{skt.Class, img.Class},
	}
	for i, p := range pairs {
		terms[i], err = t.Objective.Loss(p[0], p[1], q.Batch)
		if err != nil {
			return nil, err
		}
	}

	res := &Losses{
		Anchor:        terms[0],
		Self:          anydiff.Add(terms[1], terms[2]),
		Cross:         terms[3],
		Decorrelation: anydiff.Add(skt.Decorrelation, img.Decorrelation),
	}
	res.Total = anydiff.Add(
		anydiff.Add(res.Anchor, res.Self),
		anydiff.Add(res.Cross, res.Decorrelation),
	)
	return res, nil
}

// Values evaluates every term.
func (l *Losses) Values() *StepLoss {
	value := func(r anydiff.Res) float64 {
		return tokseq.Float(anyvec.Sum(r.Output()))
	}
	return &StepLoss{
		Anchor:        value(l.Anchor),
		Self:          value(l.Self),
		Cross:         value(l.Cross),
		Decorrelation: value(l.Decorrelation),
		Total:         value(l.Total),
	}
}

// Step performs one optimization step on a batch.
//
// If the loss is not finite, the loss and ErrNonFinite are
// returned without updating the parameters.
func (t *Trainer) Step(q *arnet.Quad) (*StepLoss, error) {
	losses, err := t.Losses(q)
	if err != nil {
		return nil, essentials.AddCtx("train step", err)
	}
	loss := losses.Values()
	if !loss.finite() {
		return loss, ErrNonFinite
	}

	c := q.SketchAnchor.Creator()
	grad := anydiff.NewGrad(t.Parameters()...)
	losses.Total.Propagate(tokseq.Ones(c, 1), grad)
	t.applyUpdate(c, grad)
	return loss, nil
}

// Parameters returns the parameters of both encoders.
func (t *Trainer) Parameters() []*anydiff.Var {
	return append(append([]*anydiff.Var{}, t.Sketch.Parameters()...),
		t.Photo.Parameters()...)
}

func (t *Trainer) applyUpdate(c anyvec.Creator, grad anydiff.Grad) {
	if t.Config.WeightDecay != 0 {
		decay := c.MakeNumeric(t.Config.WeightDecay)
		for v, g := range grad {
			scaled := v.Vector.Copy()
			scaled.Scale(decay)
			g.Add(scaled)
		}
	}
	step := t.Optimizer.Transform(grad)
	rate := c.MakeNumeric(-t.Config.LearningRate)
	for v, g := range step {
		g.Scale(rate)
		v.Vector.Add(g)
	}
}

// RunEpoch runs one pass over the training pairs and
// returns the summed loss of every step.
//
// Batches come from a copy of the pairs, shuffled with a
// source seeded by the epoch if shuffling is enabled.
func (t *Trainer) RunEpoch(ctx context.Context, epoch int) (*StepLoss, error) {
	pairs := t.TrainPairs.Copy()
	if t.Config.Shuffle {
		rng := rand.New(rand.NewSource(t.Config.Seed + int64(epoch)))
		rng.Shuffle(pairs.Len(), pairs.Swap)
	}
	var total StepLoss
	for i, step := 0, 0; i < pairs.Len(); i, step = i+t.Config.BatchSize, step+1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := pairs.Slice(i, min(pairs.Len(), i+t.Config.BatchSize)).(*arnet.PairList)
		quad, err := t.Loader.LoadQuad(ctx, batch.Pairs, epoch)
		if err != nil {
			return nil, err
		}
		loss, err := t.Step(quad)
		if err == ErrNonFinite && t.Config.SkipNonFinite {
			continue
		} else if err != nil {
			return nil, err
		}
		total.Add(loss)
		if t.StatusFunc != nil {
			t.StatusFunc(epoch, step, loss)
		}
	}
	return &total, nil
}

// Evaluate measures the retrieval accuracy of the current
// encoders on a set of pairs.
func (t *Trainer) Evaluate(ctx context.Context, pairs *arnet.PairList) (retrieval.Accuracy,
	error) {
	gallery := arnet.GalleryList(pairs, t.Loader.Pre, t.Loader.Creator)
	probes := arnet.ProbeList(pairs, t.Loader.Pre, t.Loader.Creator)
	gallery.Workers = t.Config.Workers
	probes.Workers = t.Config.Workers
	eval := &retrieval.Evaluator{BatchSize: t.Config.EvalBatchSize}
	return eval.Evaluate(ctx, t.Sketch, t.Photo, gallery, probes)
}

// Run trains for Config.Epochs epochs after the last
// completed one, evaluating both splits and saving
// checkpoints after every epoch.
//
// After Resume, this means Config.Epochs more epochs on
// top of the checkpoint's.
func (t *Trainer) Run(ctx context.Context) (err error) {
	defer essentials.AddCtxTo("run training", &err)
	if t.Config.SaveDir != "" {
		if err := os.MkdirAll(t.Config.SaveDir, 0755); err != nil {
			return err
		}
	}
	end := t.Epoch + t.Config.Epochs
	for epoch := t.Epoch + 1; epoch <= end; epoch++ {
		if err := t.log("Progress", float64(epoch), epoch); err != nil {
			return err
		}
		loss, err := t.RunEpoch(ctx, epoch)
		if err != nil {
			return essentials.AddCtx(fmt.Sprintf("epoch %d", epoch), err)
		}
		testAcc, err := t.Evaluate(ctx, t.TestPairs)
		if err != nil {
			return err
		}
		trainAcc, err := t.Evaluate(ctx, t.TrainPairs)
		if err != nil {
			return err
		}
		metrics := []struct {
			Name  string
			Value float64
		}{
			{"Contrastive Loss", loss.Total},
			{"Cross Loss Anchor", loss.Anchor},
			{"Self Loss", loss.Self},
			{"Triple Loss", loss.Cross},
			{"Decor Loss", loss.Decorrelation},
			{"Top1 Acc", testAcc.Top1},
			{"Top5 Acc", testAcc.Top5},
			{"Top10 Acc", testAcc.Top10},
			{"Top1 Acc Train", trainAcc.Top1},
			{"Top5 Acc Train", trainAcc.Top5},
			{"Top10 Acc Train", trainAcc.Top10},
		}
		for _, m := range metrics {
			if err := t.log(m.Name, m.Value, epoch); err != nil {
				return err
			}
		}
		t.Epoch = epoch
		if name := t.Selector.Select(epoch, testAcc); name != "" && t.Config.SaveDir != "" {
			ckpt := &Checkpoint{
				Sketch: t.Sketch,
				Photo:  t.Photo,
				Epoch:  epoch,
				Loss:   loss.Total,
				Top1:   testAcc.Top1,
				Top5:   testAcc.Top5,
				Top10:  testAcc.Top10,
			}
			if err := SaveCheckpoint(CheckpointPath(t.Config.SaveDir, name), ckpt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resume loads the encoders from a checkpoint, so that Run
// continues with the epoch after it.
// The checkpoint must use the numeric type selected by
// Config.FP16.
//
// The optimizer state is not part of a checkpoint, so a
// fresh Adam optimizer is used.
func (t *Trainer) Resume(path string) error {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	c := t.Config.Creator()
	for _, enc := range []*model.Encoder{ckpt.Sketch, ckpt.Photo} {
		if err := model.CheckCreator(c, enc.Parameters()); err != nil {
			return essentials.AddCtx("resume "+path, err)
		}
	}
	t.Sketch = ckpt.Sketch
	t.Photo = ckpt.Photo
	t.Epoch = ckpt.Epoch
	t.Selector.Best = ckpt.Accuracy()
	t.Optimizer = &anysgd.Adam{}
	return nil
}

func (t *Trainer) log(name string, value float64, step int) error {
	if t.Sink == nil {
		return nil
	}
	return t.Sink.Log(name, value, step)
}
