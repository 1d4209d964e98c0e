// Package redact obscures detected regions of an image with an adaptive
// Gaussian blur.
//
// Blur strength scales with detection confidence, and the blurred crop is
// composited back through a radial weight mask so the redaction is heaviest
// at the region center and fades toward its corners. A base-weight floor
// keeps even low-confidence detections partially obscured, never fully
// sharp.
package redact

import (
	"fmt"
	"image"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"

	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/geometry"
)

// Settings governs adaptive blur strength and radial blending. Validate
// once after construction; the redactor never mutates it.
type Settings struct {
	// MinKernelSize and MaxKernelSize bound the Gaussian kernel, odd
	// integers >= 3 with min <= max. Confidence interpolates between them.
	MinKernelSize int `yaml:"min_kernel_size" json:"min_kernel_size"`
	MaxKernelSize int `yaml:"max_kernel_size" json:"max_kernel_size"`

	// FocusExponent (> 0) sharpens the radial falloff; the effective
	// exponent also grows with confidence.
	FocusExponent float64 `yaml:"focus_exponent" json:"focus_exponent"`

	// BaseWeight in [0,1] is the minimum blend weight applied everywhere
	// in the region. 1.0 degenerates to a uniform blur.
	BaseWeight float64 `yaml:"base_weight" json:"base_weight"`
}

// DefaultSettings mirrors the service's stock configuration.
func DefaultSettings() Settings {
	return Settings{
		MinKernelSize: 9,
		MaxKernelSize: 45,
		FocusExponent: 2.5,
		BaseWeight:    0.35,
	}
}

// Validate checks field constraints, returning a descriptive error on the
// first violation.
func (s Settings) Validate() error {
	if s.MinKernelSize < 3 || s.MinKernelSize%2 == 0 {
		return fmt.Errorf("min_kernel_size must be an odd integer >= 3, got %d", s.MinKernelSize)
	}
	if s.MaxKernelSize < 3 || s.MaxKernelSize%2 == 0 {
		return fmt.Errorf("max_kernel_size must be an odd integer >= 3, got %d", s.MaxKernelSize)
	}
	if s.MinKernelSize > s.MaxKernelSize {
		return fmt.Errorf("min_kernel_size %d exceeds max_kernel_size %d", s.MinKernelSize, s.MaxKernelSize)
	}
	if s.FocusExponent <= 0 {
		return fmt.Errorf("focus_exponent must be > 0, got %g", s.FocusExponent)
	}
	if s.BaseWeight < 0 || s.BaseWeight > 1 {
		return fmt.Errorf("base_weight must be in [0,1], got %g", s.BaseWeight)
	}
	return nil
}

// Redact returns a copy of img with every region whose label is in enabled
// blurred adaptively. The caller's buffer is never aliased, and regions are
// composited independently from a snapshot of the pre-redaction pixels, so
// overlapping regions do not read each other's output.
func Redact(img image.Image, regions []detect.Region, enabled detect.LabelSet, settings Settings) *image.NRGBA {
	out := imaging.Clone(img)
	snapshot := imaging.Clone(img)

	w := out.Bounds().Dx()
	h := out.Bounds().Dy()

	for _, r := range regions {
		if !enabled.Has(r.Label) {
			continue
		}
		rect := geometry.ClipRect(r.Box.Rect(), w, h)
		if rect.Dx() <= 0 || rect.Dy() <= 0 {
			continue
		}
		blurRegion(out, snapshot, rect, r.Confidence, settings)
	}
	return out
}

// KernelForConfidence interpolates an odd kernel size between the settings'
// bounds by confidence (clamped to [0,1]) and caps it at the largest odd
// integer that fits the region's smaller dimension, never below 3.
func KernelForConfidence(confidence float64, regionW, regionH int, s Settings) int {
	c := clamp01(confidence)
	k := float64(s.MinKernelSize) + c*float64(s.MaxKernelSize-s.MinKernelSize)
	kernel := nearestOdd(k)

	smaller := regionW
	if regionH < smaller {
		smaller = regionH
	}
	limit := largestOddAtMost(smaller)
	if kernel > limit {
		kernel = limit
	}
	if kernel < 3 {
		kernel = 3
	}
	return kernel
}

// blurRegion blurs the rect crop of snapshot and blends it into out using
// the radial weight mask.
func blurRegion(out, snapshot *image.NRGBA, rect image.Rectangle, confidence float64, s Settings) {
	crop := imaging.Crop(snapshot, rect)
	kernel := KernelForConfidence(confidence, rect.Dx(), rect.Dy(), s)
	blurred := blur.Gaussian(crop, kernelRadius(kernel))

	focus := s.FocusExponent * (1 + clamp01(confidence))

	rw := rect.Dx()
	rh := rect.Dy()
	cx := float64(rw-1) / 2
	cy := float64(rh-1) / 2
	// Ellipse-normalized: distance 1 at the region corner.
	rx := math.Max(cx, 0.5)
	ry := math.Max(cy, 0.5)

	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			dx := (float64(x) - cx) / rx
			dy := (float64(y) - cy) / ry
			dist := math.Sqrt(dx*dx+dy*dy) / math.Sqrt2

			radial := math.Pow(clamp01(1-dist), focus)
			weight := s.BaseWeight + (1-s.BaseWeight)*radial

			bi := blurred.PixOffset(x, y)
			oi := out.PixOffset(rect.Min.X+x, rect.Min.Y+y)
			for c := 0; c < 3; c++ {
				b := float64(blurred.Pix[bi+c])
				o := float64(snapshot.Pix[oi+c])
				out.Pix[oi+c] = clampByte(b*weight + o*(1-weight))
			}
			out.Pix[oi+3] = snapshot.Pix[oi+3]
		}
	}
}

// BlurCrop applies the same Gaussian used by the redactor to an arbitrary
// image at a fixed kernel size. Used for fixed-strength (non-adaptive)
// blurring in the selective pipeline.
func BlurCrop(img image.Image, kernel int) *image.NRGBA {
	if kernel < 3 {
		kernel = 3
	}
	if kernel%2 == 0 {
		kernel++
	}
	return imaging.Clone(blur.Gaussian(img, kernelRadius(kernel)))
}

// kernelRadius derives the blur radius from an odd kernel size; sigma is
// radius-derived inside the Gaussian implementation.
func kernelRadius(kernel int) float64 {
	return float64(kernel-1) / 2
}

func nearestOdd(v float64) int {
	k := int(math.Round(v))
	if k%2 == 0 {
		k++
	}
	return k
}

func largestOddAtMost(v int) int {
	if v%2 == 0 {
		return v - 1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampByte(v float64) uint8 {
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}
