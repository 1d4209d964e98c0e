// Package facematch decides whether a detected face matches a stored
// reference face, so the pipeline can exempt one known identity from
// redaction.
//
// The descriptor is deliberately simple and learning-free: a face crop is
// resized to a canonical square, histogram-equalized, flattened,
// mean-centered and L2-normalized. Two descriptors compare by cosine
// similarity against a caller-tunable tolerance. Accuracy is best-effort;
// this is not a trained recognition network.
package facematch

import (
	"errors"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// EmbeddingSize is the canonical square edge a face crop is resized to
// before flattening; embeddings have EmbeddingSize*EmbeddingSize elements.
const EmbeddingSize = 128

var (
	// ErrEmptyCrop marks a zero-area face crop.
	ErrEmptyCrop = errors.New("face crop is empty")

	// ErrDegenerateCrop marks a crop with zero variance after
	// normalization; such a vector cannot be L2-normalized.
	ErrDegenerateCrop = errors.New("face crop has zero variance")

	// ErrNoFaceFound is returned when a reference image contains no
	// detectable face. The caller should prompt for a clearer image.
	ErrNoFaceFound = errors.New("no face detected in reference image")
)

// Embedding is a fixed-length, L2-normalized appearance signature of a face
// crop. Invariant: unit norm (enforced at creation).
type Embedding []float32

// Embed computes the descriptor for a face crop. The crop is grayscaled,
// resized to EmbeddingSize x EmbeddingSize, histogram-equalized, flattened,
// mean-subtracted and L2-normalized.
//
// Deterministic: identical pixels yield a bit-identical vector.
func Embed(crop image.Image) (Embedding, error) {
	if crop == nil || crop.Bounds().Dx() <= 0 || crop.Bounds().Dy() <= 0 {
		return nil, ErrEmptyCrop
	}

	resized := imaging.Resize(crop, EmbeddingSize, EmbeddingSize, imaging.Linear)
	gray := grayPixels(resized)
	equalized := equalizeHistogram(gray)

	vec := make(Embedding, len(equalized))
	var mean float64
	for _, v := range equalized {
		mean += float64(v)
	}
	mean /= float64(len(equalized))

	var norm float64
	for i, v := range equalized {
		f := float64(v) - mean
		vec[i] = float32(f)
		norm += f * f
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, ErrDegenerateCrop
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Similarity returns the cosine similarity of two unit-norm embeddings as
// their dot product, in [-1, 1]. Mismatched lengths yield -1.
func Similarity(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// IsMatch reports whether candidate and reference are at least tolerance
// similar.
func IsMatch(candidate, reference Embedding, tolerance float64) bool {
	return Similarity(candidate, reference) >= tolerance
}

// grayPixels converts an image to 8-bit luminance values using the BT.601
// weights the rest of the pipeline uses.
func grayPixels(img image.Image) []uint8 {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			out[y*w+x] = uint8(lum)
		}
	}
	return out
}

// equalizeHistogram remaps gray levels through the cumulative distribution
// so the crop's contrast is normalized before flattening. Standard 256-bin
// equalization; a constant image maps to itself.
func equalizeHistogram(pixels []uint8) []uint8 {
	var hist [256]int
	for _, p := range pixels {
		hist[p]++
	}

	var cdf [256]int
	running := 0
	cdfMin := 0
	for i, count := range hist {
		running += count
		cdf[i] = running
		if cdfMin == 0 && count > 0 {
			cdfMin = running
		}
	}

	total := len(pixels)
	if total == 0 || total == cdfMin {
		// Single gray level; nothing to spread.
		return append([]uint8(nil), pixels...)
	}

	var lut [256]uint8
	denom := float64(total - cdfMin)
	for i := range lut {
		v := math.Round(float64(cdf[i]-cdfMin) / denom * 255)
		if v < 0 {
			v = 0
		}
		lut[i] = uint8(v)
	}

	out := make([]uint8, total)
	for i, p := range pixels {
		out[i] = lut[p]
	}
	return out
}
