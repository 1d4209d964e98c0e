// Package storage handles the service's on-disk artifacts: uploaded and
// redacted images, and serialized reference embeddings.
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

var (
	// ErrTooLarge marks an upload over the configured size cap.
	ErrTooLarge = errors.New("upload exceeds size limit")

	// ErrBadExtension marks an upload with a disallowed file extension.
	ErrBadExtension = errors.New("file extension not allowed")
)

// maxEmbeddingLen bounds LoadEmbedding against corrupt or hostile files.
const maxEmbeddingLen = 1 << 20

// UploadPolicy validates incoming files before they touch disk.
type UploadPolicy struct {
	MaxBytes   int64
	Extensions []string
}

// Check validates a candidate upload's name and size.
func (p UploadPolicy) Check(name string, size int64) error {
	if size > p.MaxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, size, p.MaxBytes)
	}
	lower := strings.ToLower(name)
	for _, ext := range p.Extensions {
		if strings.HasSuffix(lower, ext) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrBadExtension, name)
}

// SaveImage encodes img at path, deriving the format from the extension.
// Parent directories are created as needed.
func SaveImage(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save image %q: %w", path, err)
	}
	return nil
}

// LoadImage decodes the image at path.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %q: %w", path, err)
	}
	return img, nil
}

// OutputName derives the redacted file's name from the upload's name by
// inserting a suffix before the extension: "car.jpg" -> "car_redacted.jpg".
// Any directory components are stripped.
func OutputName(uploadName, suffix string) string {
	base := filepath.Base(uploadName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return stem + suffix + ext
}

// SaveEmbedding writes a float32 vector as a little-endian dump prefixed
// with its element count.
func SaveEmbedding(path string, vec []float32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create embedding directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create embedding file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(vec))); err != nil {
		return fmt.Errorf("write embedding header: %w", err)
	}
	for _, v := range vec {
		if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
			return fmt.Errorf("write embedding data: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush embedding file: %w", err)
	}
	return f.Close()
}

// LoadEmbedding reads a vector written by SaveEmbedding.
func LoadEmbedding(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open embedding file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read embedding header: %w", err)
	}
	if count > maxEmbeddingLen {
		return nil, fmt.Errorf("embedding length %d exceeds limit", count)
	}

	vec := make([]float32, count)
	for i := range vec {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return nil, fmt.Errorf("read embedding data: %w", err)
		}
		vec[i] = math.Float32frombits(bits)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("embedding file has trailing data")
	}
	return vec, nil
}
