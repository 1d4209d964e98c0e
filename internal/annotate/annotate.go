// Package annotate draws detection overlays for debug output.
package annotate

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/geometry"
)

// borderThickness is the box outline width in pixels.
const borderThickness = 2

// Draw returns a copy of img with every region outlined in its class
// color. The input is never modified.
func Draw(img image.Image, regions []detect.Region) *image.NRGBA {
	out := imaging.Clone(img)
	w := out.Bounds().Dx()
	h := out.Bounds().Dy()

	for _, r := range regions {
		rect := geometry.ClipRect(r.Box.Rect(), w, h)
		if rect.Dx() <= 0 || rect.Dy() <= 0 {
			continue
		}
		drawRect(out, rect, ClassColor(r.ClassID))
	}
	return out
}

// ClassColor derives a stable, saturated color for a class id. Known
// classes get fixed hues; further ids walk the hue circle by the golden
// angle so neighbouring ids stay visually distinct.
func ClassColor(classID int) color.NRGBA {
	var hue float64
	switch classID {
	case 0: // face
		hue = 0
	case 1: // license plate
		hue = 210
	default:
		hue = float64(60) + float64(classID)*137.5
		for hue >= 360 {
			hue -= 360
		}
	}
	c := colorful.Hsv(hue, 0.85, 0.95)
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// drawRect paints the rectangle outline with the given color.
func drawRect(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	for t := 0; t < borderThickness; t++ {
		top := rect.Min.Y + t
		bottom := rect.Max.Y - 1 - t
		for x := rect.Min.X; x < rect.Max.X; x++ {
			setIfInside(img, x, top, c)
			setIfInside(img, x, bottom, c)
		}
		left := rect.Min.X + t
		right := rect.Max.X - 1 - t
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			setIfInside(img, left, y, c)
			setIfInside(img, right, y, c)
		}
	}
}

func setIfInside(img *image.NRGBA, x, y int, c color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, c)
	}
}
