package facematch

import (
	"image"

	"github.com/disintegration/imaging"
)

// FaceDetector locates faces in an image, largest first. *FaceFinder is
// the production implementation.
type FaceDetector interface {
	Detect(img image.Image) []Face
}

// Matcher compares face crops against a reference embedding. It pairs a
// face detector (to locate the face inside a reference photo) with the
// embedding comparison.
type Matcher struct {
	finder    FaceDetector
	tolerance float64
}

// NewMatcher builds a matcher. tolerance is the minimum cosine similarity
// for a crop to count as the reference person.
func NewMatcher(finder FaceDetector, tolerance float64) *Matcher {
	return &Matcher{finder: finder, tolerance: tolerance}
}

// Tolerance returns the configured similarity threshold.
func (m *Matcher) Tolerance() float64 {
	return m.tolerance
}

// ReferenceEmbedding locates the largest face in a reference photo and
// embeds it. Returns ErrNoFaceFound when the cascade finds nothing usable.
// Using the largest face makes "a selfie with people in the background"
// behave the way users expect.
func (m *Matcher) ReferenceEmbedding(img image.Image) (Embedding, error) {
	faces := m.finder.Detect(img)
	if len(faces) == 0 {
		return nil, ErrNoFaceFound
	}

	largest := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > largest.Area() {
			largest = f
		}
	}
	crop := imaging.Crop(img, largest.Rect)
	return Embed(crop)
}

// Match embeds a candidate face crop and compares it to the reference.
// The similarity is returned alongside the verdict so callers can log or
// report it. Degenerate crops are reported via error; the pipeline treats
// them as non-matching.
func (m *Matcher) Match(crop image.Image, reference Embedding) (bool, float64, error) {
	candidate, err := Embed(crop)
	if err != nil {
		return false, 0, err
	}
	sim := Similarity(candidate, reference)
	return sim >= m.tolerance, sim, nil
}
