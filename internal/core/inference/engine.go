package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"mnist-backend/internal/core/nn"
	"mnist-backend/internal/core/safetensors"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidImage       = errors.New("invalid image")
	ErrUnsupportedDType   = errors.New("unsupported dtype")
	ErrUnsupportedDevice  = errors.New("unsupported device")
	ErrArchitectureNotSet = errors.New("model architecture not set")
	ErrInvalidWeights     = errors.New("invalid weights")
)

type Architecture string

const (
	ArchitectureMLP  = Architecture(nn.ArchitectureMLP)
	ArchitectureConv = Architecture(nn.ArchitectureConv)
	ArchitectureONNX Architecture = "onnx"
)

func ParseArchitecture(s string) (Architecture, error) {
	if strings.EqualFold(strings.TrimSpace(s), string(ArchitectureONNX)) {
		return ArchitectureONNX, nil
	}
	arch, err := nn.ParseArchitecture(s)
	if err != nil {
		return "", fmt.Errorf("unknown architecture '%s', expected one of: mlp, conv, onnx", s)
	}
	return Architecture(arch), nil
}

type Device string

const DeviceCPU Device = "cpu"

func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DeviceCPU:
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("%w: '%s', only cpu is available", ErrUnsupportedDevice, s)
	}
}

type DType string

const (
	DTypeF32  DType = "f32"
	DTypeF16  DType = "f16"
	DTypeBF16 DType = "bf16"
)

func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DTypeF32, nil
	case DTypeF32, DTypeF16, DTypeBF16:
		return d, nil
	default:
		return "", fmt.Errorf("%w: '%s', expected one of: f32, f16, bf16", ErrUnsupportedDType, s)
	}
}

type Prediction struct {
	Digit         int
	Probabilities []float32
}

type ModelInfo struct {
	Architecture Architecture
	Device       Device
	DType        DType
	Parameters   int
	Weights      string
	CPU          string
	Metadata     map[string]string
}

type model interface {
	probabilities(x []float32) ([]float32, error)
	close() error
}

type networkModel struct {
	net *nn.Network
}

func (m *networkModel) probabilities(x []float32) ([]float32, error) {
	return m.net.Forward(x)
}

func (m *networkModel) close() error { return nil }

// Engine classifies 28x28 digit images. It is safe for concurrent use.
type Engine struct {
	model model
	info  ModelInfo
}

func (e *Engine) Info() ModelInfo {
	return e.info
}

// Predict classifies a flattened 28x28 image in row-major order.
func (e *Engine) Predict(pixels []float32) (Prediction, error) {
	if len(pixels) != nn.InputSize {
		return Prediction{}, fmt.Errorf("%w: expected %d values, got %d", ErrInvalidInput, nn.InputSize, len(pixels))
	}
	probs, err := e.model.probabilities(pixels)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Digit: nn.Argmax(probs), Probabilities: probs}, nil
}

func (e *Engine) PredictImage(data []byte) (Prediction, error) {
	pixels, err := PreprocessImage(data)
	if err != nil {
		return Prediction{}, err
	}
	return e.Predict(pixels)
}

func (e *Engine) Close() error {
	return e.model.close()
}

type Builder struct {
	architecture Architecture
	device       Device
	dtype        DType
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Architecture(arch Architecture) *Builder {
	b.architecture = arch
	return b
}

func (b *Builder) Device(device Device) *Builder {
	b.device = device
	return b
}

func (b *Builder) DType(dtype DType) *Builder {
	b.dtype = dtype
	return b
}

// Build loads weights from provider and constructs the engine. Device
// defaults to cpu and dtype to f32.
func (b *Builder) Build(ctx context.Context, provider WeightsProvider) (*Engine, error) {
	if b.architecture == "" {
		return nil, ErrArchitectureNotSet
	}
	device, err := ParseDevice(string(b.device))
	if err != nil {
		return nil, err
	}
	dtype, err := ParseDType(string(b.dtype))
	if err != nil {
		return nil, err
	}

	weights, err := provider.LoadWeights(ctx)
	if err != nil {
		return nil, err
	}

	info := ModelInfo{
		Architecture: b.architecture,
		Device:       device,
		DType:        dtype,
		Weights:      provider.String(),
		CPU:          cpuid.CPU.BrandName,
	}

	var m model
	switch b.architecture {
	case ArchitectureONNX:
		if dtype != DTypeF32 {
			return nil, fmt.Errorf("%w: onnx models run in f32, got '%s'", ErrUnsupportedDType, dtype)
		}
		if m, err = newOnnxModel(weights); err != nil {
			return nil, err
		}
	case ArchitectureMLP, ArchitectureConv:
		net, metadata, err := loadNetwork(nn.Architecture(b.architecture), weights, dtype)
		if err != nil {
			return nil, err
		}
		m = &networkModel{net: net}
		info.Parameters = nn.ParameterCount(net)
		info.Metadata = metadata
	default:
		return nil, fmt.Errorf("unknown architecture '%s'", b.architecture)
	}

	slog.Info("inference engine ready", "architecture", info.Architecture, "device", info.Device, "dtype", info.DType, "weights", info.Weights, "avx2", cpuid.CPU.Supports(cpuid.AVX2))

	return &Engine{model: m, info: info}, nil
}

func loadNetwork(arch nn.Architecture, weights []byte, dtype DType) (*nn.Network, map[string]string, error) {
	file, err := safetensors.Decode(weights)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}

	net, err := nn.New(arch, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, nil, err
	}
	if err := nn.LoadStateDict(net, file.Tensors); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}

	for _, p := range net.Parameters() {
		roundTo(p.Data(), dtype)
	}
	return net, file.Metadata, nil
}

// roundTo quantizes values to the precision of dtype while keeping float32 storage.
func roundTo(values []float32, dtype DType) {
	switch dtype {
	case DTypeF16:
		for i, v := range values {
			values[i] = safetensors.F16ToFloat32(safetensors.Float32ToF16(v))
		}
	case DTypeBF16:
		for i, v := range values {
			values[i] = safetensors.BF16ToFloat32(safetensors.Float32ToBF16(v))
		}
	}
}
