package arnet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ExponentiAI/ARNet/retrieval"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&GalleryEmbedding{}).SerializerType(),
		DeserializeGalleryEmbedding)
}

// GalleryEmbedding is an encoded photo gallery that can be
// searched with sketch embeddings.
type GalleryEmbedding struct {
	// Photos is the list of gallery photos.
	Photos PhotoSet

	// Vectors contains one unit-length row per gallery
	// index.
	Vectors *anyvec.Matrix
}

// DeserializeGalleryEmbedding deserializes a
// GalleryEmbedding.
func DeserializeGalleryEmbedding(d []byte) (*GalleryEmbedding, error) {
	var res GalleryEmbedding
	var rows, cols int
	var data *anyvecsave.S
	if err := serializer.DeserializeAny(d, &res.Photos, &rows, &cols, &data); err != nil {
		return nil, essentials.AddCtx("deserialize GalleryEmbedding", err)
	}
	res.Vectors = &anyvec.Matrix{
		Data: data.Vector,
		Rows: rows,
		Cols: cols,
	}
	return &res, nil
}

// EmbedGallery encodes every photo of a PairList with the
// photo encoder.
func EmbedGallery(ctx context.Context, enc retrieval.Encoder, pairs *PairList,
	pre *Preprocessor, c anyvec.Creator, batchSize int) (g *GalleryEmbedding, err error) {
	defer essentials.AddCtxTo("embed gallery", &err)
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", batchSize)
	}
	list := GalleryList(pairs, pre, c)
	if list.Len() == 0 {
		return nil, errors.New("no photos to embed")
	}
	var parts []anyvec.Vector
	for start := 0; start < list.Len(); start += batchSize {
		end := min(list.Len(), start+batchSize)
		images, err := list.Load(ctx, start, end)
		if err != nil {
			return nil, err
		}
		vecs, err := enc.Encode(images, end-start)
		if err != nil {
			return nil, err
		}
		parts = append(parts, vecs)
	}
	data := c.Concat(parts...)
	index := retrieval.NewIndexMatrix(&anyvec.Matrix{
		Data: data,
		Rows: list.Len(),
		Cols: data.Len() / list.Len(),
	})
	return &GalleryEmbedding{Photos: pairs.Photos, Vectors: index.Vectors}, nil
}

// Dim returns the dimensionality of the embedding.
func (g *GalleryEmbedding) Dim() int {
	return g.Vectors.Cols
}

// Lookup finds the n photos most similar to a sketch
// embedding, using cosine similarity.
// For each photo, it also returns the similarity.
//
// If n is greater than the number of photos, then there
// will be fewer than n results.
func (g *GalleryEmbedding) Lookup(vec anyvec.Vector, n int) ([]string, []float64) {
	index := &retrieval.Index{Vectors: g.Vectors}
	sims := index.Similarities(vec)
	var names []string
	var scores []float64
	for _, id := range retrieval.TopK(sims, n) {
		names = append(names, g.Photos.Name(id))
		scores = append(scores, sims[id])
	}
	return names, scores
}

// SerializerType returns the unique ID used to serialize
// a GalleryEmbedding with the serializer package.
func (g *GalleryEmbedding) SerializerType() string {
	return "github.com/ExponentiAI/ARNet.GalleryEmbedding"
}

// Serialize serializes the GalleryEmbedding.
func (g *GalleryEmbedding) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		g.Photos,
		g.Vectors.Rows,
		g.Vectors.Cols,
		&anyvecsave.S{Vector: g.Vectors.Data},
	)
}
