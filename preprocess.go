package arnet

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"

	"github.com/nfnt/resize"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	// DefaultImageSize is the side length of network
	// inputs.
	DefaultImageSize = 224

	// Channels is the number of color channels in every
	// preprocessed image.
	Channels = 3
)

const (
	augmentScale    = 1.2
	augmentRotation = 30
	augmentFlipProb = 0.8
)

// A Preprocessor turns decoded images into fixed-size
// network inputs.
//
// There are two variants: anchors are plainly resized,
// while augmented images are also rotated, flipped, and
// cropped.
type Preprocessor struct {
	// Size is the side length of the output images.
	Size int

	// Interpolation is used for every resize.
	// The zero value is nearest-neighbor; NewPreprocessor
	// uses bilinear interpolation.
	Interpolation resize.InterpolationFunction
}

// NewPreprocessor creates a Preprocessor with bilinear
// interpolation.
func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{Size: size, Interpolation: resize.Bilinear}
}

// ImageLen returns the number of components in each
// preprocessed image vector.
func (p *Preprocessor) ImageLen() int {
	return Channels * p.Size * p.Size
}

// Anchor resizes the image to Size x Size.
func (p *Preprocessor) Anchor(img image.Image) image.Image {
	return resize.Resize(uint(p.Size), uint(p.Size), img, p.Interpolation)
}

// Augment produces a randomly transformed view of the
// image.
//
// The image is enlarged to 1.2*Size, rotated by a uniform
// angle within 30 degrees, flipped horizontally with
// probability 0.8, center cropped to Size, and finally
// resized to Size.
// All randomness comes from rng, so a fixed seed gives a
// fixed result.
func (p *Preprocessor) Augment(img image.Image, rng *rand.Rand) image.Image {
	big := int(float64(p.Size) * augmentScale)
	res := resize.Resize(uint(big), uint(big), img, p.Interpolation)

	angle := (rng.Float64()*2 - 1) * augmentRotation
	res = rotate(res, angle)
	if rng.Float64() < augmentFlipProb {
		res = flipHorizontal(res)
	}
	res = centerCrop(res, p.Size)
	return resize.Resize(uint(p.Size), uint(p.Size), res, p.Interpolation)
}

// LoadImage decodes a PNG or JPEG file.
func LoadImage(path string) (img image.Image, err error) {
	defer essentials.AddCtxTo("load image "+path, &err)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err = image.Decode(f)
	return img, err
}

// ImageVector converts an image into a channel-major RGB
// vector with components in [0, 1].
// Grayscale images are expanded to three equal channels.
func ImageVector(c anyvec.Creator, img image.Image) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(imageFloats(img)))
}

func imageFloats(img image.Image) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	res := make([]float64, Channels*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			res[idx] = float64(r) / 0xffff
			res[plane+idx] = float64(g) / 0xffff
			res[2*plane+idx] = float64(b) / 0xffff
		}
	}
	return res
}

// rotate rotates the image about its center, keeping the
// original bounds and filling uncovered pixels with black.
func rotate(img image.Image, degrees float64) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	theta := degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	cx := float64(bounds.Min.X) + float64(bounds.Dx())/2
	cy := float64(bounds.Min.Y) + float64(bounds.Dy())/2
	dx, dy := float64(bounds.Dx())/2, float64(bounds.Dy())/2

	// Maps source coordinates to destination coordinates.
	m := f64.Aff3{
		cos, -sin, dx - cos*cx + sin*cy,
		sin, cos, dy - sin*cx - cos*cy,
	}
	draw.NearestNeighbor.Transform(dst, m, img, bounds, draw.Over, nil)
	return dst
}

func flipHorizontal(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	mirror := f64.Aff3{
		-1, 0, float64(bounds.Dx() + bounds.Min.X),
		0, 1, float64(-bounds.Min.Y),
	}
	draw.NearestNeighbor.Transform(dst, mirror, img, bounds, draw.Src, nil)
	return dst
}

func centerCrop(img image.Image, size int) image.Image {
	bounds := img.Bounds()
	left := bounds.Min.X + (bounds.Dx()-size)/2
	top := bounds.Min.Y + (bounds.Dy()-size)/2
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(left, top), draw.Src)
	return dst
}
