package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"

	arnet "github.com/ExponentiAI/ARNet"
	"github.com/ExponentiAI/ARNet/model"
	"github.com/ExponentiAI/ARNet/train"
	"github.com/ExponentiAI/ARNet/vit"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

type options struct {
	dataset     string
	backbone    string
	metricsPath string
	galleryPath string
	logEvery    int
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	conf := train.DefaultConfig(arnet.ShoeV2)
	conf.SaveDir = ""
	var flags options

	flag.StringVar(&flags.dataset, "dataset", arnet.ShoeV2.String(),
		"dataset name (ClothesV1, ChairV2, ShoeV2)")
	flag.StringVar(&conf.Root, "root", conf.Root, "dataset root directory")
	flag.IntVar(&conf.NumClasses, "num-classes", conf.NumClasses, "embedding dimension")
	flag.IntVar(&conf.ImageSize, "image-size", conf.ImageSize, "input image side length")
	flag.IntVar(&conf.BatchSize, "batch", conf.BatchSize, "training batch size")
	flag.IntVar(&conf.EvalBatchSize, "eval-batch", conf.EvalBatchSize, "evaluation batch size")
	flag.IntVar(&conf.Workers, "workers", conf.Workers, "image decoding workers (0 for all CPUs)")
	flag.IntVar(&conf.Epochs, "epochs", conf.Epochs, "epochs to train, counted from the checkpoint when resuming")
	flag.Float64Var(&conf.LearningRate, "lr", conf.LearningRate, "learning rate")
	flag.Float64Var(&conf.WeightDecay, "weight-decay", conf.WeightDecay, "L2 weight decay")
	flag.Float64Var(&conf.Temperature, "temperature", conf.Temperature, "InfoNCE temperature")
	flag.BoolVar(&conf.FP16, "fp16", conf.FP16, "use float32 instead of float64")
	flag.BoolVar(&conf.Shuffle, "shuffle", conf.Shuffle, "shuffle pairs every epoch")
	flag.StringVar(&conf.Device, "device", conf.Device, "compute device (cpu)")
	flag.IntVar(&conf.Views, "views", conf.Views, "views per sample")
	flag.StringVar(&conf.Checkpoint, "checkpoint", "", "checkpoint to resume from")
	flag.StringVar(&conf.SaveDir, "save", "", "checkpoint directory (default checkpoint/<dataset>_plus)")
	flag.Int64Var(&conf.Seed, "seed", conf.Seed, "random seed")
	flag.BoolVar(&conf.SkipNonFinite, "skip-nonfinite", false, "skip steps with NaN or Inf loss")
	flag.StringVar(&flags.backbone, "backbone", "", "serialized backbone to start from")
	flag.StringVar(&flags.metricsPath, "metrics", "", "CSV file for epoch metrics")
	flag.StringVar(&flags.galleryPath, "gallery", "", "file for the final test gallery embedding")
	flag.IntVar(&flags.logEvery, "log-every", 10, "steps between loss reports")
	flag.Parse()

	d, err := arnet.ParseDataset(flags.dataset)
	if err != nil {
		essentials.Die(err)
	}
	conf.Dataset = d
	if conf.SaveDir == "" {
		conf.SaveDir = train.DefaultConfig(d).SaveDir
	}
	log.Printf("%+v", conf)

	if err := run(conf, flags); err != nil {
		essentials.Die(err)
	}
}

func run(conf train.Config, flags options) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	trainPairs, err := loadPairs(conf, "train")
	if err != nil {
		return err
	}
	testPairs, err := loadPairs(conf, "test")
	if err != nil {
		return err
	}

	c := conf.Creator()
	rng := rand.New(rand.NewSource(conf.Seed))
	sketch, err := createEncoder(c, conf, flags.backbone, rng)
	if err != nil {
		return err
	}
	photo, err := createEncoder(c, conf, flags.backbone, rng)
	if err != nil {
		return err
	}

	trainer, err := train.NewTrainer(conf, sketch, photo, trainPairs, testPairs)
	if err != nil {
		return err
	}
	log.Printf("Parameters: %d per encoder", sketch.NumParameters())
	sinks := train.MultiSink{&train.LogSink{}}
	if flags.metricsPath != "" {
		f, err := os.Create(flags.metricsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		csvSink, err := train.NewCSVSink(f)
		if err != nil {
			return err
		}
		sinks = append(sinks, csvSink)
	}
	trainer.Sink = sinks
	trainer.StatusFunc = func(epoch, step int, loss *train.StepLoss) {
		if flags.logEvery > 0 && step%flags.logEvery == 0 {
			log.Printf("epoch %d step %d: loss=%f anchor=%f self=%f cross=%f decor=%f",
				epoch, step, loss.Total, loss.Anchor, loss.Self, loss.Cross,
				loss.Decorrelation)
		}
	}

	if conf.Checkpoint != "" {
		if err := trainer.Resume(conf.Checkpoint); err != nil {
			return err
		}
		log.Printf("Resumed checkpoint at epoch %d (%s)", trainer.Epoch,
			trainer.Selector.Best)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := trainer.Run(ctx); err != nil {
		return err
	}
	log.Printf("Best accuracy: %s", trainer.Selector.Best)

	if flags.galleryPath != "" {
		embedding, err := arnet.EmbedGallery(ctx, trainer.Photo, testPairs, trainer.Loader.Pre,
			c, conf.EvalBatchSize)
		if err != nil {
			return err
		}
		if err := serializer.SaveAny(flags.galleryPath, embedding); err != nil {
			return err
		}
		log.Println("Saved gallery embedding to", flags.galleryPath)
	}
	return nil
}

func loadPairs(conf train.Config, split string) (*arnet.PairList, error) {
	photoDir, sketchDir := conf.Dataset.Dirs(conf.Root, split)
	list, err := arnet.IndexPairs(photoDir, sketchDir)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded %s split: %d photos, %d sketches", split, len(list.Photos),
		len(list.Pairs))
	for _, name := range list.Unmatched {
		log.Printf("Warning: %s photo %s has no sketches", split, name)
	}
	return list, nil
}

func createEncoder(c anyvec.Creator, conf train.Config, backbonePath string,
	rng *rand.Rand) (*model.Encoder, error) {
	if backbonePath != "" {
		backbone, err := model.LoadBackbone(backbonePath)
		if err != nil {
			return nil, err
		}
		if backbone.Config.ImageSize != conf.ImageSize {
			return nil, fmt.Errorf("backbone expects %dx%d images but image size is %d",
				backbone.Config.ImageSize, backbone.Config.ImageSize, conf.ImageSize)
		}
		modelConf, err := model.ConfigForBackbone(backbone.Config, conf.NumClasses)
		if err != nil {
			return nil, err
		}
		return model.NewEncoderBackbone(c, backbone, modelConf, rng)
	}
	backboneConf := vit.DefaultConfig()
	backboneConf.ImageSize = conf.ImageSize
	modelConf, err := model.ConfigForBackbone(backboneConf, conf.NumClasses)
	if err != nil {
		return nil, err
	}
	return model.NewEncoder(c, modelConf, rng)
}
