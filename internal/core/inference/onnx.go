package inference

import (
	"errors"
	"fmt"
	"math"
	"mnist-backend/internal/core/nn"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

var ErrOnnxNotInitialized = errors.New("onnx runtime not initialized")

// InitONNXRuntime loads the onnxruntime shared library once per process.
func InitONNXRuntime(dylibPath string) error {
	initOnce.Do(func() {
		if dylibPath == "" {
			initErr = fmt.Errorf("%w: ONNX_RUNTIME_DYLIB must be set", ErrOnnxNotInitialized)
			return
		}
		ort.SetSharedLibraryPath(dylibPath)
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("could not init onnx runtime: %w", err)
		}
	})
	return initErr
}

func DestroyONNXRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// onnxModel runs an exported classifier taking "input" [1,1,28,28] and
// producing "output" [1,10].
type onnxModel struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

func newOnnxModel(data []byte) (*onnxModel, error) {
	if !ort.IsInitialized() {
		return nil, ErrOnnxNotInitialized
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, []string{"input"}, []string{"output"}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create onnx session: %v", ErrInvalidWeights, err)
	}
	return &onnxModel{session: session}, nil
}

func (m *onnxModel) probabilities(x []float32) ([]float32, error) {
	input, err := ort.NewTensor(ort.NewShape(1, 1, nn.ImageSize, nn.ImageSize), x)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, nn.NumClasses))
	if err != nil {
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer output.Destroy()

	m.mu.Lock()
	err = m.session.Run([]ort.Value{input}, []ort.Value{output})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("error running onnx session: %w", err)
	}

	out := append([]float32(nil), output.GetData()...)
	if isDistribution(out) {
		return out, nil
	}
	return nn.Softmax(out), nil
}

func isDistribution(x []float32) bool {
	var sum float64
	for _, v := range x {
		if v < 0 {
			return false
		}
		sum += float64(v)
	}
	return math.Abs(sum-1) < 1e-3
}

func (m *onnxModel) close() error {
	return m.session.Destroy()
}
