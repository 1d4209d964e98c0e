// Package detect runs an object-detection model over an image and decodes
// its raw output into labeled regions in original-image coordinates.
//
// The flow per call is fixed: letterbox the image into network space, run
// the injected Model, filter candidate rows by confidence, remap boxes back
// through the inverse letterbox transform, then apply greedy non-maximum
// suppression. The detector holds no mutable state between calls; a single
// instance is safe to share across goroutines as long as the Model is.
package detect

import (
	"image"

	"github.com/privacykit/redactor/internal/geometry"
)

// Detector decodes model output into regions. Construct with New; the zero
// value reports ErrModelNotLoaded from Detect.
type Detector struct {
	model               Model
	confidenceThreshold float64
	iouThreshold        float64
}

// New builds a Detector around a loaded model. confidenceThreshold drops
// candidate rows before NMS; iouThreshold governs suppression.
func New(model Model, confidenceThreshold, iouThreshold float64) *Detector {
	return &Detector{
		model:               model,
		confidenceThreshold: confidenceThreshold,
		iouThreshold:        iouThreshold,
	}
}

// Thresholds reports the configured confidence and IoU thresholds.
func (d *Detector) Thresholds() (confidence, iou float64) {
	return d.confidenceThreshold, d.iouThreshold
}

// InputSize reports the bound model's network input dimensions, or zeros
// when no model is loaded.
func (d *Detector) InputSize() (width, height int) {
	if d == nil || d.model == nil {
		return 0, 0
	}
	return d.model.InputWidth(), d.model.InputHeight()
}

// Detect runs one inference pass over img and returns the surviving
// regions. Deterministic for identical weights and pixels.
//
// Returns ErrInvalidImage for an image without at least one pixel per
// dimension, ErrModelNotLoaded when no model is bound, and *InferenceError
// when the backend call fails. None are retryable within the call.
func (d *Detector) Detect(img image.Image) ([]Region, error) {
	if img == nil || img.Bounds().Dx() < 1 || img.Bounds().Dy() < 1 {
		return nil, ErrInvalidImage
	}
	if d == nil || d.model == nil {
		return nil, ErrModelNotLoaded
	}

	canvas, tf := geometry.Letterbox(img, d.model.InputWidth(), d.model.InputHeight())
	tensor := toTensor(canvas)

	rows, err := d.model.Infer(tensor)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}

	origW := img.Bounds().Dx()
	origH := img.Bounds().Dy()
	candidates := d.decode(rows, tf, origW, origH)

	return NonMaxSuppression(candidates, d.iouThreshold), nil
}

// decode filters raw rows by confidence and maps each survivor into a
// corner-form, image-space Region. Rows shorter than six values are
// skipped. Candidate order follows row order, which NMS relies on for
// tie-breaking.
func (d *Detector) decode(rows [][]float32, tf geometry.Transform, origW, origH int) []Region {
	regions := make([]Region, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		conf := float64(row[4])
		if conf < d.confidenceThreshold {
			continue
		}

		cx, cy, w, h := tf.ToImageSpace(float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3]))
		x, y, bw, bh := geometry.CornerBox(cx, cy, w, h, origW, origH)

		classID := int(row[5])
		regions = append(regions, Region{
			Label:      labelForClass(classID),
			ClassID:    classID,
			Confidence: conf,
			Box:        Box{X: x, Y: y, Width: bw, Height: bh},
		})
	}
	return regions
}

// toTensor flattens a letterboxed canvas into a CHW float32 tensor with
// channels scaled to [0,1], the layout YOLO-family exports expect.
func toTensor(canvas *image.NRGBA) []float32 {
	bounds := canvas.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	tensor := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := canvas.PixOffset(x, y)
			idx := y*w + x
			tensor[idx] = float32(canvas.Pix[i]) / 255.0
			tensor[plane+idx] = float32(canvas.Pix[i+1]) / 255.0
			tensor[2*plane+idx] = float32(canvas.Pix[i+2]) / 255.0
		}
	}
	return tensor
}
