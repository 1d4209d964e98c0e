// Package pipeline orchestrates detection, matching and redaction into the
// two end-to-end operations the service exposes: blanket redaction of every
// enabled label, and selective redaction that spares faces matching a
// reference embedding.
package pipeline

import (
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/facematch"
	"github.com/privacykit/redactor/internal/redact"
)

// Pipeline wires the neural detector, the cascade face finder and the
// redactor. It holds no per-request state; every call is independent.
type Pipeline struct {
	detector *detect.Detector
	finder   facematch.FaceDetector
	logger   *zap.Logger
}

// New builds a pipeline. finder may be nil when selective mode is not
// configured; RunSelective then fails cleanly.
func New(detector *detect.Detector, finder facematch.FaceDetector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{detector: detector, finder: finder, logger: logger}
}

// Report summarizes a blanket run: every surviving detection, how many per
// class, and wall-clock duration.
type Report struct {
	Regions  []detect.Region `json:"regions"`
	Counts   map[string]int  `json:"counts"`
	Duration time.Duration   `json:"duration"`
}

// Run detects sensitive regions in img and blurs those whose label is in
// labels. The input image is never modified.
func (p *Pipeline) Run(img image.Image, labels detect.LabelSet, settings redact.Settings) (*image.NRGBA, *Report, error) {
	start := time.Now()

	regions, err := p.detector.Detect(img)
	if err != nil {
		return nil, nil, fmt.Errorf("detect: %w", err)
	}

	out := redact.Redact(img, regions, labels, settings)

	report := &Report{
		Regions:  regions,
		Counts:   make(map[string]int, 2),
		Duration: time.Since(start),
	}
	for _, r := range regions {
		report.Counts[r.ClassName()]++
	}

	p.logger.Info("blanket redaction complete",
		zap.Int("regions", len(regions)),
		zap.Duration("duration", report.Duration))
	return out, report, nil
}

// FaceStats summarizes a selective run.
type FaceStats struct {
	FacesFound   int           `json:"faces_found"`
	FacesMatched int           `json:"faces_matched"`
	FacesBlurred int           `json:"faces_blurred"`
	Duration     time.Duration `json:"duration"`
}

// RunSelective finds faces with the cascade and blurs every face that does
// not match reference within tolerance, using a fixed blur kernel. Faces
// whose crops cannot be embedded (for example a flat, featureless crop) are
// blurred rather than exposed. The input image is never modified.
func (p *Pipeline) RunSelective(img image.Image, reference facematch.Embedding, tolerance float64, blurKernel int) (*image.NRGBA, *FaceStats, error) {
	if len(reference) == 0 {
		return nil, nil, fmt.Errorf("selective redaction: empty reference embedding")
	}
	if p.finder == nil {
		return nil, nil, fmt.Errorf("selective redaction: no face cascade configured")
	}
	start := time.Now()

	faces := p.finder.Detect(img)
	out := imaging.Clone(img)
	stats := &FaceStats{FacesFound: len(faces)}

	for _, face := range faces {
		crop := imaging.Crop(img, face.Rect)

		candidate, err := facematch.Embed(crop)
		if err == nil && facematch.IsMatch(candidate, reference, tolerance) {
			stats.FacesMatched++
			continue
		}
		if err != nil {
			p.logger.Debug("face crop not embeddable, blurring",
				zap.Error(err),
				zap.Stringer("rect", face.Rect))
		}

		blurred := redact.BlurCrop(crop, blurKernel)
		draw.Draw(out, face.Rect, blurred, image.Point{}, draw.Src)
		stats.FacesBlurred++
	}

	stats.Duration = time.Since(start)
	p.logger.Info("selective redaction complete",
		zap.Int("faces_found", stats.FacesFound),
		zap.Int("faces_matched", stats.FacesMatched),
		zap.Int("faces_blurred", stats.FacesBlurred),
		zap.Duration("duration", stats.Duration))
	return out, stats, nil
}
