// Package geometry maps coordinates between original image space and the
// fixed-size input space of a detection network.
//
// Detection networks consume a fixed WxH input. An arbitrary image is
// letterboxed into it: scaled down preserving aspect ratio, then centered on
// a mid-gray canvas. The Transform produced alongside the canvas carries
// everything needed to map network-space coordinates back onto the original
// image.
package geometry

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// DefaultInputSize is used when a model reports a dynamic or otherwise
// unresolvable input dimension.
const DefaultInputSize = 640

// padGray is the letterbox fill value, one mid-gray level per channel.
const padGray = 128

// Transform describes how an image was letterboxed into network space.
//
// Scale is the uniform factor applied to both axes; OffsetX and OffsetY are
// the padding margins (in network pixels) on the left and top edges.
type Transform struct {
	Scale   float64
	OffsetX int
	OffsetY int
}

// Letterbox resizes img to fit inside a targetW x targetH canvas while
// preserving aspect ratio, centers it on mid-gray padding, and returns the
// canvas together with the Transform that inverts the placement.
//
// Non-positive target dimensions fall back to DefaultInputSize instead of
// failing, matching the behavior for models with dynamic input shapes.
func Letterbox(img image.Image, targetW, targetH int) (*image.NRGBA, Transform) {
	if targetW <= 0 {
		targetW = DefaultInputSize
	}
	if targetH <= 0 {
		targetH = DefaultInputSize
	}

	bounds := img.Bounds()
	origW := bounds.Dx()
	origH := bounds.Dy()

	scale := minFloat(float64(targetW)/float64(origW), float64(targetH)/float64(origH))
	newW := int(float64(origW) * scale)
	newH := int(float64(origH) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	resized := imaging.Resize(img, newW, newH, imaging.Linear)

	canvas := imaging.New(targetW, targetH, color.NRGBA{padGray, padGray, padGray, 255})
	offsetX := (targetW - newW) / 2
	offsetY := (targetH - newH) / 2
	canvas = imaging.Paste(canvas, resized, image.Pt(offsetX, offsetY))

	return canvas, Transform{Scale: scale, OffsetX: offsetX, OffsetY: offsetY}
}

// ToImageSpace maps a center-form box from network space back to
// original-image space, returning it still in center form.
//
// The inverse of the letterbox placement: subtract the padding offsets, then
// divide by the scale factor. Width and height are scale-only (padding does
// not shift extents).
func (t Transform) ToImageSpace(cx, cy, w, h float64) (float64, float64, float64, float64) {
	scale := t.Scale
	if scale <= 0 {
		scale = 1
	}
	return (cx - float64(t.OffsetX)) / scale,
		(cy - float64(t.OffsetY)) / scale,
		w / scale,
		h / scale
}

// CornerBox converts a center-form box to a corner-form rectangle clamped to
// an origW x origH image. The returned box never extends past the image
// boundary; a box fully outside collapses to zero width or height at the
// nearest edge.
func CornerBox(cx, cy, w, h float64, origW, origH int) (x, y, bw, bh float64) {
	x = cx - w/2
	y = cy - h/2

	x = clampFloat(x, 0, float64(origW))
	y = clampFloat(y, 0, float64(origH))
	bw = minFloat(w, float64(origW)-x)
	bh = minFloat(h, float64(origH)-y)
	if bw < 0 {
		bw = 0
	}
	if bh < 0 {
		bh = 0
	}
	return x, y, bw, bh
}

// ClipRect intersects r with an origW x origH image, returning the empty
// rectangle when there is no overlap.
func ClipRect(r image.Rectangle, origW, origH int) image.Rectangle {
	return r.Intersect(image.Rect(0, 0, origW, origH))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
