package arnet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer(PhotoSet{}.SerializerType(), DeserializePhotoSet)
}

// A PhotoSet is the sorted list of gallery photo names.
// Each name's position is that photo's gallery index, so
// the label of a sketch is the index of its photo.
type PhotoSet []string

// NewPhotoSet creates a PhotoSet from unsorted names.
func NewPhotoSet(names []string) PhotoSet {
	res := append(PhotoSet{}, names...)
	sort.Strings(res)
	return res
}

// DeserializePhotoSet deserializes a PhotoSet.
func DeserializePhotoSet(d []byte) (set PhotoSet, err error) {
	defer essentials.AddCtxTo("deserialize PhotoSet", &err)
	objs, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	res := make(PhotoSet, len(objs))
	for i, obj := range objs {
		name, ok := obj.(serializer.String)
		if !ok {
			return nil, fmt.Errorf("unexpected type: %T", obj)
		}
		res[i] = string(name)
	}
	if !sort.StringsAreSorted(res) {
		return nil, errors.New("names are not sorted")
	}
	return res, nil
}

// Name gets the photo name for the given index.
//
// If the index is out of range, "" is returned.
func (p PhotoSet) Name(id int) string {
	if id < 0 || id >= len(p) {
		return ""
	}
	return p[id]
}

// SerializerType returns the unique ID used to serialize
// a PhotoSet with the serializer package.
func (p PhotoSet) SerializerType() string {
	return "github.com/ExponentiAI/ARNet.PhotoSet"
}

// Serialize serializes the PhotoSet.
func (p PhotoSet) Serialize() ([]byte, error) {
	names := make([]serializer.Serializer, len(p))
	for i, name := range p {
		names[i] = serializer.String(name)
	}
	return serializer.SerializeSlice(names)
}
