package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/facematch"
	"github.com/privacykit/redactor/internal/redact"
)

type fakeModel struct {
	rows [][]float32
	err  error
}

func (m *fakeModel) InputWidth() int  { return 640 }
func (m *fakeModel) InputHeight() int { return 640 }

func (m *fakeModel) Infer(_ []float32) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func sceneImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8((x * 7) % 256), uint8((y * 11) % 256), 120, 255})
		}
	}
	return img
}

func TestRun_CountsPerLabel(t *testing.T) {
	m := &fakeModel{rows: [][]float32{
		{100, 100, 60, 60, 0.9, 0},
		{320, 320, 80, 40, 0.8, 1},
		{500, 500, 60, 60, 0.7, 0},
	}}
	p := New(detect.New(m, 0.2, 0.5), nil, zap.NewNop())
	img := sceneImage(640, 640)

	out, report, err := p.Run(img, detect.NewLabelSet(detect.LabelFace, detect.LabelLicensePlate), redact.DefaultSettings())
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, report)

	assert.Equal(t, 2, report.Counts["face"])
	assert.Equal(t, 1, report.Counts["license_plate"])
	assert.Len(t, report.Regions, 3)
	assert.GreaterOrEqual(t, report.Duration.Nanoseconds(), int64(0))
}

func TestRun_InputUntouched(t *testing.T) {
	m := &fakeModel{rows: [][]float32{{100, 100, 60, 60, 0.9, 0}}}
	p := New(detect.New(m, 0.2, 0.5), nil, nil)
	img := sceneImage(640, 640)
	before := append([]uint8(nil), img.Pix...)

	_, _, err := p.Run(img, detect.NewLabelSet(detect.LabelFace), redact.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, before, img.Pix)
}

func TestRun_DetectorErrorPropagates(t *testing.T) {
	p := New(detect.New(nil, 0.2, 0.5), nil, zap.NewNop())

	_, _, err := p.Run(sceneImage(64, 64), detect.NewLabelSet(detect.LabelFace), redact.DefaultSettings())
	assert.ErrorIs(t, err, detect.ErrModelNotLoaded)
}

func TestRun_DisabledLabelStillReported(t *testing.T) {
	// Labels control what gets blurred, not what gets detected.
	m := &fakeModel{rows: [][]float32{{320, 320, 80, 40, 0.8, 1}}}
	p := New(detect.New(m, 0.2, 0.5), nil, zap.NewNop())
	img := sceneImage(640, 640)

	out, report, err := p.Run(img, detect.NewLabelSet(detect.LabelFace), redact.DefaultSettings())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts["license_plate"])
	assert.Equal(t, img.Pix, out.Pix, "plate must not be blurred when only faces are enabled")
}

// stubFinder stands in for the cascade in selective-mode tests.
type stubFinder struct {
	faces []facematch.Face
}

func (f *stubFinder) Detect(_ image.Image) []facematch.Face {
	return f.faces
}

func TestRunSelective_MatchOrBlur(t *testing.T) {
	matchRect := image.Rect(10, 10, 70, 80)
	strangerRect := image.Rect(110, 20, 180, 100)

	// Vertical ramp everywhere, high-frequency texture inside the
	// stranger's face: the two crops normalize to very different
	// embeddings, so the tolerance decision is unambiguous, and the
	// texture guarantees a Gaussian blur visibly changes pixels.
	img := image.NewNRGBA(image.Rect(0, 0, 200, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 200; x++ {
			v := uint8(y * 2)
			if image.Pt(x, y).In(strangerRect) {
				v = uint8((x*97 + y*131) % 256)
			}
			img.SetNRGBA(x, y, color.NRGBA{v, v, v, 255})
		}
	}

	finder := &stubFinder{faces: []facematch.Face{
		{Rect: matchRect, Quality: 9},
		{Rect: strangerRect, Quality: 8},
	}}
	p := New(nil, finder, zap.NewNop())

	// Reference is the first face's own crop, so it matches at any sane
	// tolerance while the second face does not.
	ref, err := facematch.Embed(imagingCrop(img, matchRect))
	require.NoError(t, err)

	out, stats, err := p.RunSelective(img, ref, 0.999, 9)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FacesFound)
	assert.Equal(t, 1, stats.FacesMatched)
	assert.Equal(t, 1, stats.FacesBlurred)

	// The matching face and the background keep their original pixels.
	for y := matchRect.Min.Y; y < matchRect.Max.Y; y++ {
		for x := matchRect.Min.X; x < matchRect.Max.X; x++ {
			if out.NRGBAAt(x, y) != img.NRGBAAt(x, y) {
				t.Fatalf("matched face pixel (%d,%d) changed", x, y)
			}
		}
	}
	assert.Equal(t, img.NRGBAAt(0, 119), out.NRGBAAt(0, 119), "background untouched")

	// The stranger's face is blurred in place.
	changed := 0
	for y := strangerRect.Min.Y; y < strangerRect.Max.Y; y++ {
		for x := strangerRect.Min.X; x < strangerRect.Max.X; x++ {
			if out.NRGBAAt(x, y) != img.NRGBAAt(x, y) {
				changed++
			}
		}
	}
	assert.Greater(t, changed, 0, "non-matching face must be blurred")

	assert.NotSame(t, img, out, "input buffer must not be aliased")
}

func TestRunSelective_DegenerateCropIsBlurred(t *testing.T) {
	// A featureless face crop cannot be embedded; it must be blurred, not
	// spared and not fatal.
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	finder := &stubFinder{faces: []facematch.Face{
		{Rect: image.Rect(20, 20, 80, 80), Quality: 5},
	}}
	p := New(nil, finder, zap.NewNop())

	ref := make(facematch.Embedding, 16)
	ref[0] = 1

	_, stats, err := p.RunSelective(img, ref, 0.75, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FacesFound)
	assert.Equal(t, 0, stats.FacesMatched)
	assert.Equal(t, 1, stats.FacesBlurred)
}

func TestRunSelective_EmptyReference(t *testing.T) {
	p := New(nil, nil, zap.NewNop())

	_, _, err := p.RunSelective(sceneImage(64, 64), nil, 0.75, 51)
	assert.ErrorContains(t, err, "empty reference embedding")
}

func TestRunSelective_NoCascade(t *testing.T) {
	p := New(nil, nil, zap.NewNop())
	ref := make(facematch.Embedding, 4)
	ref[0] = 1

	_, _, err := p.RunSelective(sceneImage(64, 64), ref, 0.75, 51)
	assert.ErrorContains(t, err, "no face cascade")
}

// imagingCrop copies a rectangle out of an image for expectation building.
func imagingCrop(img *image.NRGBA, rect image.Rectangle) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			out.SetNRGBA(x, y, img.NRGBAAt(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return out
}
