package facematch

import (
	"fmt"
	"image"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"
)

// FaceFinder locates frontal faces with a pigo cascade classifier. It is
// the pipeline's second, classical detector: the neural detector says where
// sensitive regions are, the cascade re-finds faces precisely enough to
// crop them for embedding.
type FaceFinder struct {
	classifier *pigo.Pigo

	minSize     int
	maxSize     int
	shiftFactor float64
	scaleFactor float64
	iouOverlap  float64
	minQuality  float32
}

// FinderOptions tunes the cascade sweep. Zero values select defaults.
type FinderOptions struct {
	// MinSize and MaxSize bound the face window in pixels.
	MinSize int
	MaxSize int

	// MinQuality discards low-scoring cascade detections.
	MinQuality float32
}

// NewFaceFinder unpacks a binary pigo cascade.
func NewFaceFinder(cascade []byte, opts FinderOptions) (*FaceFinder, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}

	f := &FaceFinder{
		classifier:  classifier,
		minSize:     opts.MinSize,
		maxSize:     opts.MaxSize,
		shiftFactor: 0.1,
		scaleFactor: 1.1,
		iouOverlap:  0.2,
		minQuality:  opts.MinQuality,
	}
	if f.minSize <= 0 {
		f.minSize = 20
	}
	if f.maxSize <= 0 {
		f.maxSize = 1000
	}
	if f.minQuality <= 0 {
		f.minQuality = 5.0
	}
	return f, nil
}

// NewFaceFinderFromFile reads a cascade file from disk.
func NewFaceFinderFromFile(path string, opts FinderOptions) (*FaceFinder, error) {
	cascade, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read face cascade %q: %w", path, err)
	}
	return NewFaceFinder(cascade, opts)
}

// Face is a cascade detection as an image-space rectangle.
type Face struct {
	Rect    image.Rectangle
	Quality float32
}

// Area returns the pixel area of the face rectangle.
func (f Face) Area() int {
	return f.Rect.Dx() * f.Rect.Dy()
}

// Detect runs the cascade over img and returns clustered faces above the
// quality floor, largest first.
func (f *FaceFinder) Detect(img image.Image) []Face {
	if img == nil {
		return nil
	}
	bounds := img.Bounds()
	cols := bounds.Dx()
	rows := bounds.Dy()
	if cols <= 0 || rows <= 0 {
		return nil
	}

	src := pigo.ImgToNRGBA(img)
	pixels := pigo.RgbToGrayscale(src)

	maxSize := f.maxSize
	if smaller := min(cols, rows); maxSize > smaller {
		maxSize = smaller
	}

	params := pigo.CascadeParams{
		MinSize:     f.minSize,
		MaxSize:     maxSize,
		ShiftFactor: f.shiftFactor,
		ScaleFactor: f.scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := f.classifier.RunCascade(params, 0.0)
	dets = f.classifier.ClusterDetections(dets, f.iouOverlap)

	faces := make([]Face, 0, len(dets))
	for _, d := range dets {
		if d.Q < f.minQuality {
			continue
		}
		half := d.Scale / 2
		rect := image.Rect(d.Col-half, d.Row-half, d.Col+half, d.Row+half)
		rect = rect.Intersect(bounds)
		if rect.Empty() {
			continue
		}
		faces = append(faces, Face{Rect: rect, Quality: d.Q})
	}

	sortLargestFirst(faces)
	return faces
}

// sortLargestFirst orders faces by descending area, keeping detection
// order for equal areas. Reference selection depends on this: the first
// face is the one a reference photo is assumed to be of.
func sortLargestFirst(faces []Face) {
	sort.SliceStable(faces, func(i, j int) bool {
		return faces[i].Area() > faces[j].Area()
	})
}
