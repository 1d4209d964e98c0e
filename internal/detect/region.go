package detect

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Label classifies a detected region.
//
// The detector's model is trained on two classes; any other class id coming
// out of the network maps to LabelUnknown while preserving the raw id in the
// region's String form, so an unexpected model never turns into an error.
type Label int

const (
	LabelFace Label = iota
	LabelLicensePlate
	LabelUnknown
)

// String returns the wire name of the label ("face", "license_plate").
// LabelUnknown renders as "unknown"; use Region.ClassName for the
// "class_{id}" fallback form.
func (l Label) String() string {
	switch l {
	case LabelFace:
		return "face"
	case LabelLicensePlate:
		return "license_plate"
	default:
		return "unknown"
	}
}

// labelForClass maps a raw model class id to a Label.
func labelForClass(id int) Label {
	switch id {
	case 0:
		return LabelFace
	case 1:
		return LabelLicensePlate
	default:
		return LabelUnknown
	}
}

// Box is an axis-aligned rectangle in original-image pixel coordinates.
// X and Y locate the top-left corner; all fields are non-negative and the
// box never extends past the image it was detected in.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect converts the box to an integer rectangle for pixel operations.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.X+b.Width)),
		int(math.Ceil(b.Y+b.Height)),
	)
}

// Area returns the box area in square pixels.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// IoU computes the intersection-over-union of two boxes, 0 when disjoint.
func IoU(a, b Box) float64 {
	ix1 := math.Max(a.X, b.X)
	iy1 := math.Max(a.Y, b.Y)
	ix2 := math.Min(a.X+a.Width, b.X+b.Width)
	iy2 := math.Min(a.Y+a.Height, b.Y+b.Height)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Region is a single detected area. Immutable after creation: the detector
// builds it, everything downstream reads it.
type Region struct {
	Label      Label   `json:"-"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"bbox"`
}

// ClassName returns the region's wire label, falling back to "class_{id}"
// for class ids the model mapping does not recognize.
func (r Region) ClassName() string {
	if r.Label == LabelUnknown {
		return fmt.Sprintf("class_%d", r.ClassID)
	}
	return r.Label.String()
}

// MarshalJSON adds the resolved class name next to the raw id.
func (r Region) MarshalJSON() ([]byte, error) {
	type plain Region
	return json.Marshal(struct {
		plain
		Class string `json:"class"`
	}{plain(r), r.ClassName()})
}

// LabelSet selects which labels an operation applies to.
// The zero value selects nothing.
type LabelSet map[Label]bool

// NewLabelSet builds a set from the given labels.
func NewLabelSet(labels ...Label) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = true
	}
	return s
}

// Has reports whether l is enabled in the set.
func (s LabelSet) Has(l Label) bool {
	return s[l]
}
