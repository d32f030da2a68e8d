package train

import (
	"path/filepath"
	"strconv"

	"github.com/ExponentiAI/ARNet/model"
	"github.com/ExponentiAI/ARNet/retrieval"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Checkpoint{}).SerializerType(),
		DeserializeCheckpoint)
}

// BestCheckpointName is the file that always holds the
// checkpoint with the best top-1 accuracy.
const BestCheckpointName = "model_Best"

// A Checkpoint stores both encoders along with the epoch
// and accuracy at which they were saved.
type Checkpoint struct {
	Sketch *model.Encoder
	Photo  *model.Encoder

	Epoch int
	Loss  float64

	Top1  float64
	Top5  float64
	Top10 float64
}

// DeserializeCheckpoint deserializes a Checkpoint.
func DeserializeCheckpoint(d []byte) (*Checkpoint, error) {
	var res Checkpoint
	err := serializer.DeserializeAny(d, &res.Sketch, &res.Photo, &res.Epoch, &res.Loss,
		&res.Top1, &res.Top5, &res.Top10)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Checkpoint", err)
	}
	return &res, nil
}

// Accuracy returns the accuracy stored in the checkpoint.
func (c *Checkpoint) Accuracy() retrieval.Accuracy {
	return retrieval.Accuracy{Top1: c.Top1, Top5: c.Top5, Top10: c.Top10}
}

// SerializerType returns the unique ID used to serialize
// a Checkpoint with the serializer package.
func (c *Checkpoint) SerializerType() string {
	return "github.com/ExponentiAI/ARNet/train.Checkpoint"
}

// Serialize serializes the Checkpoint.
func (c *Checkpoint) Serialize() ([]byte, error) {
	return serializer.SerializeAny(c.Sketch, c.Photo, c.Epoch, c.Loss, c.Top1, c.Top5,
		c.Top10)
}

// SaveCheckpoint writes a checkpoint to a file.
func SaveCheckpoint(path string, c *Checkpoint) (err error) {
	defer essentials.AddCtxTo("save checkpoint", &err)
	return serializer.SaveAny(path, c)
}

// LoadCheckpoint reads a checkpoint from a file.
func LoadCheckpoint(path string) (c *Checkpoint, err error) {
	defer essentials.AddCtxTo("load checkpoint", &err)
	if err := serializer.LoadAny(path, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckpointPath returns the path of a checkpoint name
// inside a directory.
func CheckpointPath(dir, name string) string {
	return filepath.Join(dir, name+".ckpt")
}

// A Selector decides which epochs are worth a checkpoint
// by comparing their accuracy to the best so far.
type Selector struct {
	Best retrieval.Accuracy
}

// Select updates the best accuracy and returns the name of
// the checkpoint to write for an epoch, or "" if nothing
// should be written.
//
// A higher top-1 accuracy gives the best checkpoint.
// With an equal top-1, a higher top-5 or, failing that, a
// higher top-10 gives an epoch-numbered checkpoint.
func (s *Selector) Select(epoch int, acc retrieval.Accuracy) string {
	if acc.Top1 > s.Best.Top1 {
		s.Best = acc
		return BestCheckpointName
	}
	if acc.Top1 == s.Best.Top1 {
		if acc.Top5 > s.Best.Top5 {
			s.Best.Top5 = acc.Top5
			return "model_" + strconv.Itoa(epoch)
		} else if acc.Top10 > s.Best.Top10 {
			s.Best.Top10 = acc.Top10
			return "model_" + strconv.Itoa(epoch)
		}
	}
	return ""
}
