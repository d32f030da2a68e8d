// Package train fits a pair of sketch and photo encoders
// with the contrastive objective and tracks their retrieval
// accuracy from epoch to epoch.
package train

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	arnet "github.com/ExponentiAI/ARNet"
	"github.com/ExponentiAI/ARNet/contrast"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

// Default training hyperparameters.
const (
	DefaultBatchSize    = 16
	DefaultLearningRate = 6e-6
	DefaultWeightDecay  = 1e-4
	DefaultEpochs       = 500
)

// Config holds every training option.
type Config struct {
	Dataset arnet.Dataset
	Root    string

	NumClasses int
	ImageSize  int

	BatchSize     int
	EvalBatchSize int
	Workers       int

	// Epochs is the number of epochs Run trains, counted
	// from the last completed epoch.
	Epochs int

	LearningRate float64
	WeightDecay  float64
	Temperature  float64
	Views        int

	// FP16 selects float32 arithmetic instead of float64.
	FP16   bool
	Device string

	Shuffle bool
	Seed    int64

	// SkipNonFinite makes an epoch drop steps whose loss is
	// NaN or infinite instead of failing.
	SkipNonFinite bool

	// Checkpoint, if set, is resumed before training.
	Checkpoint string

	// SaveDir is where checkpoints are written.
	SaveDir string
}

// DefaultConfig creates the standard configuration for a
// dataset.
func DefaultConfig(d arnet.Dataset) Config {
	return Config{
		Dataset:       d,
		Root:          "datasets",
		NumClasses:    512,
		ImageSize:     arnet.DefaultImageSize,
		BatchSize:     DefaultBatchSize,
		EvalBatchSize: DefaultBatchSize,
		Epochs:        DefaultEpochs,
		LearningRate:  DefaultLearningRate,
		WeightDecay:   DefaultWeightDecay,
		Temperature:   contrast.DefaultTemperature,
		Views:         contrast.DefaultViews,
		FP16:          true,
		Device:        "cpu",
		Shuffle:       true,
		SaveDir:       filepath.Join("checkpoint", d.String()+"_plus"),
	}
}

// Validate checks the configuration for values that would
// make training fail.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("invalid batch size: %d", c.BatchSize)
	case c.EvalBatchSize <= 0:
		return fmt.Errorf("invalid eval batch size: %d", c.EvalBatchSize)
	case c.Epochs < 0:
		return fmt.Errorf("invalid epoch count: %d", c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("invalid learning rate: %f", c.LearningRate)
	case c.WeightDecay < 0:
		return fmt.Errorf("invalid weight decay: %f", c.WeightDecay)
	case c.Temperature <= 0:
		return fmt.Errorf("invalid temperature: %f", c.Temperature)
	case c.Views != 2:
		return fmt.Errorf("unsupported view count %d: every term contrasts two batches",
			c.Views)
	case c.NumClasses <= 0:
		return fmt.Errorf("invalid class count: %d", c.NumClasses)
	case c.ImageSize <= 0:
		return fmt.Errorf("invalid image size: %d", c.ImageSize)
	}
	if !strings.EqualFold(c.Device, "cpu") {
		return errors.New("unsupported device: " + c.Device)
	}
	return nil
}

// Creator returns the numeric backend selected by FP16.
func (c Config) Creator() anyvec.Creator {
	if c.FP16 {
		return anyvec32.CurrentCreator()
	}
	return anyvec64.CurrentCreator()
}

// Objective creates the contrastive objective.
func (c Config) Objective() *contrast.Objective {
	return &contrast.Objective{Temperature: c.Temperature, Views: c.Views}
}
