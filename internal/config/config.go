// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/privacykit/redactor/internal/redact"
)

// Config is the full service configuration. Load fills defaults and
// validates once; the rest of the program treats it as immutable.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// ModelPath points at the detection model weights; CascadePath at the
	// binary face cascade for selective mode. CascadePath may be empty, in
	// which case selective endpoints are disabled.
	ModelPath   string `yaml:"model_path"`
	CascadePath string `yaml:"cascade_path"`

	// ConfidenceThreshold and IoUThreshold govern detection decoding and
	// overlap suppression.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	IoUThreshold        float64 `yaml:"iou_threshold"`

	// Blur holds the adaptive redaction settings.
	Blur redact.Settings `yaml:"blur"`

	// SelectiveKernel is the fixed blur kernel for non-matching faces;
	// MatchTolerance the minimum cosine similarity to spare a face.
	SelectiveKernel int     `yaml:"selective_kernel"`
	MatchTolerance  float64 `yaml:"match_tolerance"`

	// UploadDir and OutputDir root the per-session working directories.
	UploadDir string `yaml:"upload_dir"`
	OutputDir string `yaml:"output_dir"`

	// MaxUploadBytes caps a single upload. AllowedExtensions lists
	// acceptable image file suffixes, lowercase with leading dot.
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`

	// SessionTimeout is the idle lifetime of a session.
	SessionTimeout Duration `yaml:"session_timeout"`
}

// Duration decodes YAML durations written either as Go duration strings
// ("30m", "1h30m") or as bare integer seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ListenAddr:          ":8080",
		ConfidenceThreshold: 0.2,
		IoUThreshold:        0.5,
		Blur:                redact.DefaultSettings(),
		SelectiveKernel:     51,
		MatchTolerance:      0.75,
		UploadDir:           "data/uploads",
		OutputDir:           "data/outputs",
		MaxUploadBytes:      10 << 20,
		AllowedExtensions:   []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"},
		SessionTimeout:      Duration(30 * time.Minute),
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field constraint, returning the first violation.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %g", c.ConfidenceThreshold)
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be in (0,1], got %g", c.IoUThreshold)
	}
	if err := c.Blur.Validate(); err != nil {
		return fmt.Errorf("blur: %w", err)
	}
	if c.SelectiveKernel < 3 || c.SelectiveKernel%2 == 0 {
		return fmt.Errorf("selective_kernel must be an odd integer >= 3, got %d", c.SelectiveKernel)
	}
	if c.MatchTolerance < -1 || c.MatchTolerance > 1 {
		return fmt.Errorf("match_tolerance must be in [-1,1], got %g", c.MatchTolerance)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("allowed_extensions must not be empty")
	}
	for _, ext := range c.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") || ext != strings.ToLower(ext) {
			return fmt.Errorf("allowed extension %q must be lowercase with a leading dot", ext)
		}
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive, got %s", c.SessionTimeout)
	}
	return nil
}

// ExtensionAllowed reports whether a filename's extension is acceptable.
// Matching is case-insensitive.
func (c *Config) ExtensionAllowed(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range c.AllowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
