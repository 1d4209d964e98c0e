package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/privacykit/redactor/internal/config"
	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/pipeline"
	"github.com/privacykit/redactor/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

// newTestServer builds a server with a canned model and temp directories.
func newTestServer(t *testing.T, model detect.Model) (*Server, config.Config) {
	t.Helper()

	cfg := config.Default()
	root := t.TempDir()
	cfg.UploadDir = filepath.Join(root, "uploads")
	cfg.OutputDir = filepath.Join(root, "outputs")
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o755))

	detector := detect.New(model, cfg.ConfidenceThreshold, cfg.IoUThreshold)
	pipe := pipeline.New(detector, nil, zap.NewNop())
	sessions := session.NewManager(cfg.UploadDir, cfg.OutputDir, cfg.SessionTimeout.Std(), zap.NewNop())
	t.Cleanup(sessions.Close)

	return New(cfg, pipe, detector, nil, sessions, zap.NewNop()), cfg
}

// uploadRequest builds a multipart POST with an encoded PNG plus extra
// form fields.
func uploadRequest(t *testing.T, url, filename string, fields map[string]string) *http.Request {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x % 256), uint8(y % 256), 99, 255})
		}
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, img))
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestModelInfo(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/model/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 640, body["input_width"])
	assert.InDelta(t, 0.2, body["confidence_threshold"].(float64), 1e-9)
	assert.Equal(t, false, body["selective_available"])
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/session", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/session/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["has_reference"])

	rec = do(s, httptest.NewRequest(http.MethodDelete, "/api/v1/session/"+id, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/session/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetect_Success(t *testing.T) {
	model := &fakeModel{rows: [][]float32{
		{320, 320, 60, 60, 0.9, 0},
		{100, 200, 80, 40, 0.8, 1},
	}}
	s, cfg := newTestServer(t, model)

	rec := do(s, uploadRequest(t, "/api/v1/detect", "street.png", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "street_redacted.png", body["output_file"])
	counts := body["counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["face"])
	assert.EqualValues(t, 1, counts["license_plate"])
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "street_redacted.png"))
}

func TestDetect_Annotated(t *testing.T) {
	model := &fakeModel{rows: [][]float32{{320, 320, 60, 60, 0.9, 0}}}
	s, cfg := newTestServer(t, model)

	rec := do(s, uploadRequest(t, "/api/v1/detect", "street.png", map[string]string{"annotate": "true"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "street_boxes.png", decodeBody(t, rec)["annotated_file"])
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "street_boxes.png"))
}

func TestDetect_SessionScopedOutput(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/session", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = do(s, uploadRequest(t, "/api/v1/detect", "a.png", map[string]string{"session_id": id}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The file lands in the session's output dir and is downloadable.
	rec = do(s, httptest.NewRequest(http.MethodGet,
		"/api/v1/files/outputs/a_redacted.png?session_id="+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDetect_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	t.Run("missing file", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/detect", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad extension", func(t *testing.T) {
		rec := do(s, uploadRequest(t, "/api/v1/detect", "payload.exe", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed override", func(t *testing.T) {
		rec := do(s, uploadRequest(t, "/api/v1/detect", "a.png", map[string]string{"base_weight": "often"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid settings override", func(t *testing.T) {
		rec := do(s, uploadRequest(t, "/api/v1/detect", "a.png", map[string]string{"min_kernel": "8"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := do(s, uploadRequest(t, "/api/v1/detect", "a.png", map[string]string{"session_id": "ghost"}))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDetect_InferenceFailureIs500(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{err: assert.AnError})

	rec := do(s, uploadRequest(t, "/api/v1/detect", "a.png", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSelectiveBlur_Preconditions(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	t.Run("missing session id", func(t *testing.T) {
		rec := do(s, uploadRequest(t, "/api/v1/selective-blur", "a.png", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := do(s, uploadRequest(t, "/api/v1/selective-blur", "a.png",
			map[string]string{"session_id": "ghost"}))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no reference loaded", func(t *testing.T) {
		rec := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/session", nil))
		require.Equal(t, http.StatusCreated, rec.Code)
		id := decodeBody(t, rec)["id"].(string)

		rec = do(s, uploadRequest(t, "/api/v1/selective-blur", "a.png",
			map[string]string{"session_id": id}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReference_NotConfigured(t *testing.T) {
	// No cascade, so matcher is nil.
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, uploadRequest(t, "/api/v1/reference", "me.png", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReferenceStatus(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/reference/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "session_id required")

	rec = do(s, httptest.NewRequest(http.MethodPost, "/api/v1/session", nil))
	id := decodeBody(t, rec)["id"].(string)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/reference/status?session_id="+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["loaded"])
}

func TestOutputFile_NotFound(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/files/outputs/none.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutputFile_PathTraversalStripped(t *testing.T) {
	s, cfg := newTestServer(t, &fakeModel{})

	// A file outside the output dir must not be reachable.
	secret := filepath.Join(filepath.Dir(cfg.OutputDir), "secret.png")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))

	rec := do(s, httptest.NewRequest(http.MethodGet,
		"/api/v1/files/outputs/..%2Fsecret.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionTouchKeepsAlive(t *testing.T) {
	s, _ := newTestServer(t, &fakeModel{})

	rec := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/session", nil))
	id := decodeBody(t, rec)["id"].(string)

	// Session stays valid while touched within the timeout; expiry itself
	// is covered at the manager level.
	time.Sleep(time.Millisecond)
	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/session/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
