// Package arnet indexes sketch/photo datasets and prepares
// their images for training and retrieval.
package arnet

import (
	"fmt"
	"path/filepath"
	"strings"
)

// A Dataset is one of the supported sketch/photo
// collections.
type Dataset int

const (
	ClothesV1 Dataset = iota
	ChairV2
	ShoeV2
)

var datasetNames = []string{"ClothesV1", "ChairV2", "ShoeV2"}

// Datasets lists every supported dataset.
func Datasets() []Dataset {
	return []Dataset{ClothesV1, ChairV2, ShoeV2}
}

// ParseDataset finds the dataset with the given name.
// The comparison ignores case.
func ParseDataset(name string) (Dataset, error) {
	for i, n := range datasetNames {
		if strings.EqualFold(n, name) {
			return Dataset(i), nil
		}
	}
	return 0, fmt.Errorf("unknown dataset %q (expected one of %s)", name,
		strings.Join(datasetNames, ", "))
}

// String returns the name of the dataset.
func (d Dataset) String() string {
	if d < 0 || int(d) >= len(datasetNames) {
		return fmt.Sprintf("Dataset(%d)", int(d))
	}
	return datasetNames[d]
}

// Dirs resolves the photo and sketch directories of a
// split (such as "train" or "test") below the root
// dataset directory.
//
// Photos live in <root>/<name>/<split>B and sketches in
// <root>/<name>/<split>A.
func (d Dataset) Dirs(root, split string) (photoDir, sketchDir string) {
	base := filepath.Join(root, d.String())
	return filepath.Join(base, split+"B"), filepath.Join(base, split+"A")
}
