package server

import (
	"errors"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"

	"github.com/privacykit/redactor/internal/annotate"
	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/storage"
)

// referenceFileName is the per-session embedding dump.
const referenceFileName = "reference.emb"

// detectResponse is the body of a successful /detect call.
type detectResponse struct {
	OutputFile    string          `json:"output_file"`
	AnnotatedFile string          `json:"annotated_file,omitempty"`
	Counts        map[string]int  `json:"counts"`
	Regions       []detect.Region `json:"regions"`
	DurationMS    int64           `json:"duration_ms"`
}

func (s *Server) handleDetect(c *gin.Context) {
	img, name, err := s.readUpload(c)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	settings := s.cfg.Blur
	if err := intField(c, "min_kernel", &settings.MinKernelSize); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := intField(c, "max_kernel", &settings.MaxKernelSize); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := floatField(c, "focus_exponent", &settings.FocusExponent); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := floatField(c, "base_weight", &settings.BaseWeight); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := settings.Validate(); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	blurFaces := true
	blurPlates := true
	if err := boolField(c, "blur_faces", &blurFaces); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := boolField(c, "blur_plates", &blurPlates); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	var labels []detect.Label
	if blurFaces {
		labels = append(labels, detect.LabelFace)
	}
	if blurPlates {
		labels = append(labels, detect.LabelLicensePlate)
	}

	outputDir, err := s.outputDir(c)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	out, report, err := s.pipe.Run(img, detect.NewLabelSet(labels...), settings)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	resp := detectResponse{
		OutputFile: storage.OutputName(name, "_redacted"),
		Counts:     report.Counts,
		Regions:    report.Regions,
		DurationMS: report.Duration.Milliseconds(),
	}
	if err := storage.SaveImage(out, filepath.Join(outputDir, resp.OutputFile)); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	wantBoxes := false
	if err := boolField(c, "annotate", &wantBoxes); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if wantBoxes {
		resp.AnnotatedFile = storage.OutputName(name, "_boxes")
		boxes := annotate.Draw(img, report.Regions)
		if err := storage.SaveImage(boxes, filepath.Join(outputDir, resp.AnnotatedFile)); err != nil {
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSelectiveBlur(c *gin.Context) {
	img, name, err := s.readUpload(c)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	id := c.PostForm("session_id")
	if id == "" {
		s.fail(c, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	ref, err := s.sessions.Reference(id)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	if len(ref) == 0 {
		s.fail(c, http.StatusBadRequest, errors.New("no reference face loaded for session"))
		return
	}

	tolerance := s.cfg.MatchTolerance
	if err := floatField(c, "tolerance", &tolerance); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	kernel := s.cfg.SelectiveKernel
	if err := intField(c, "blur_kernel", &kernel); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	out, stats, err := s.pipe.RunSelective(img, ref, tolerance, kernel)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	outputFile := storage.OutputName(name, "_selective")
	if err := storage.SaveImage(out, filepath.Join(sess.OutputDir, outputFile)); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"output_file":   outputFile,
		"faces_found":   stats.FacesFound,
		"faces_matched": stats.FacesMatched,
		"faces_blurred": stats.FacesBlurred,
		"duration_ms":   stats.Duration.Milliseconds(),
	})
}

func (s *Server) handleReferenceUpload(c *gin.Context) {
	if s.matcher == nil {
		s.fail(c, http.StatusBadRequest, errors.New("face matching is not configured"))
		return
	}
	img, _, err := s.readUpload(c)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	id := c.PostForm("session_id")
	if id == "" {
		s.fail(c, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	emb, err := s.matcher.ReferenceEmbedding(img)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	if err := s.sessions.SetReference(id, emb); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	if err := storage.SaveEmbedding(filepath.Join(sess.UploadDir, referenceFileName), emb); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"loaded": true, "dimensions": len(emb)})
}

func (s *Server) handleReferenceStatus(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		s.fail(c, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	ref, err := s.sessions.Reference(id)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": len(ref) > 0, "dimensions": len(ref)})
}

func (s *Server) handleReferenceDelete(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		s.fail(c, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	if err := s.sessions.ClearReference(id); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	// Best effort: the dump may not exist.
	_ = os.Remove(filepath.Join(sess.UploadDir, referenceFileName))

	c.JSON(http.StatusOK, gin.H{"loaded": false})
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	sess, err := s.sessions.Create()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            sess.ID,
		"created_at":    sess.CreatedAt,
		"last_access":   sess.LastAccess,
		"has_reference": sess.HasReference(),
	})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.sessions.Delete(c.Param("id")); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.sessions.Count()})
}

func (s *Server) handleModelInfo(c *gin.Context) {
	conf, iou := s.detector.Thresholds()
	w, h := s.detector.InputSize()
	c.JSON(http.StatusOK, gin.H{
		"input_width":          w,
		"input_height":         h,
		"confidence_threshold": conf,
		"iou_threshold":        iou,
		"labels":               []string{"face", "license_plate"},
		"selective_available":  s.matcher != nil,
	})
}

func (s *Server) handleOutputFile(c *gin.Context) {
	// Param is a bare file name; any path components are stripped so the
	// handler cannot be walked out of the output tree.
	name := filepath.Base(c.Param("name"))
	dir, err := s.outputDir(c)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		s.fail(c, http.StatusNotFound, fmt.Errorf("output %q not found", name))
		return
	}
	c.File(path)
}

// readUpload pulls the "image" multipart file, validates it against the
// upload policy and decodes it.
func (s *Server) readUpload(c *gin.Context) (image.Image, string, error) {
	header, err := c.FormFile("image")
	if err != nil {
		return nil, "", fmt.Errorf("%w: missing image upload", detect.ErrInvalidImage)
	}
	if err := s.policy.Check(header.Filename, header.Size); err != nil {
		return nil, "", err
	}
	img, err := decodeUpload(header)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", detect.ErrInvalidImage, err)
	}
	return img, header.Filename, nil
}

func decodeUpload(header *multipart.FileHeader) (image.Image, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return imaging.Decode(f)
}

// outputDir resolves where produced files live: the session's output
// directory when session_id accompanies the request, the global output
// directory otherwise.
func (s *Server) outputDir(c *gin.Context) (string, error) {
	id := c.PostForm("session_id")
	if id == "" {
		id = c.Query("session_id")
	}
	if id == "" {
		return s.cfg.OutputDir, nil
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return "", err
	}
	return sess.OutputDir, nil
}

// boolField, intField and floatField overwrite dst only when the form
// field is present, so config defaults carry through untouched.
func boolField(c *gin.Context, name string, dst *bool) error {
	raw := c.PostForm(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q", name, raw)
	}
	*dst = v
	return nil
}

func intField(c *gin.Context, name string, dst *int) error {
	raw := c.PostForm(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q", name, raw)
	}
	*dst = v
	return nil
}

func floatField(c *gin.Context, name string, dst *float64) error {
	raw := c.PostForm(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q", name, raw)
	}
	*dst = v
	return nil
}
