// Package model provides the production inference backend behind the
// detect.Model interface, using OpenCV's DNN module through gocv to run
// exported ONNX detection networks on the CPU.
package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// ONNX runs a single-output ONNX detection network. The underlying DNN
// session is stateful, so Infer serializes itself with a mutex.
type ONNX struct {
	mu     sync.Mutex
	net    gocv.Net
	width  int
	height int
	path   string
}

// LoadONNX reads network weights from disk. width and height are the
// network's expected input dimensions.
func LoadONNX(path string, width, height int) (*ONNX, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model weights: %w", err)
	}
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("model weights %q: failed to parse network", path)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		return nil, fmt.Errorf("select dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		return nil, fmt.Errorf("select dnn target: %w", err)
	}
	return &ONNX{net: net, width: width, height: height, path: path}, nil
}

// Path returns the weights file the network was loaded from.
func (m *ONNX) Path() string { return m.path }

// InputWidth implements detect.Model.
func (m *ONNX) InputWidth() int { return m.width }

// InputHeight implements detect.Model.
func (m *ONNX) InputHeight() int { return m.height }

// Infer feeds a CHW float32 tensor through the network and returns the
// output as rows along the last output dimension.
func (m *ONNX) Infer(tensor []float32) ([][]float32, error) {
	want := 3 * m.width * m.height
	if len(tensor) != want {
		return nil, fmt.Errorf("tensor length %d, expected %d", len(tensor), want)
	}

	blob, err := gocv.NewMatWithSizesFromBytes(
		[]int{1, 3, m.height, m.width}, gocv.MatTypeCV32F, floatBytes(tensor))
	if err != nil {
		return nil, fmt.Errorf("build input blob: %w", err)
	}
	defer blob.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	flat, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}
	return reshapeRows(flat, out.Size()), nil
}

// Close releases the DNN session.
func (m *ONNX) Close() error {
	return m.net.Close()
}

// reshapeRows slices a flat output buffer into rows of the last dimension's
// width. Leading singleton batch dimensions collapse away. The data is
// copied so the rows outlive the backing Mat.
func reshapeRows(flat []float32, dims []int) [][]float32 {
	stride := 1
	if len(dims) > 0 {
		stride = dims[len(dims)-1]
	}
	if stride <= 0 || len(flat) == 0 || len(flat)%stride != 0 {
		return nil
	}

	rows := make([][]float32, 0, len(flat)/stride)
	for off := 0; off < len(flat); off += stride {
		row := make([]float32, stride)
		copy(row, flat[off:off+stride])
		rows = append(rows, row)
	}
	return rows
}

// floatBytes packs a float32 slice little-endian, the layout Mat data
// expects on every platform OpenCV ships for.
func floatBytes(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
