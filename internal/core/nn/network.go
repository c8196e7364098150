package nn

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"gorgonia.org/tensor"
)

const (
	ImageSize  = 28
	InputSize  = ImageSize * ImageSize
	NumClasses = 10
)

type Architecture string

const (
	ArchitectureMLP  Architecture = "mlp"
	ArchitectureConv Architecture = "conv"
)

func ParseArchitecture(s string) (Architecture, error) {
	switch Architecture(strings.ToLower(strings.TrimSpace(s))) {
	case ArchitectureMLP:
		return ArchitectureMLP, nil
	case ArchitectureConv, "convnet", "cnn":
		return ArchitectureConv, nil
	}
	return "", fmt.Errorf("unknown architecture '%s', expected one of: mlp, conv", s)
}

// Param is a named learnable tensor. Names follow the "<layer>.<weight|bias>"
// convention used by safetensors state dicts.
type Param struct {
	Name  string
	Value *tensor.Dense
}

func (p *Param) Data() []float32 {
	return p.Value.Data().([]float32)
}

type layerSpec struct {
	name  string
	shape []int
	fanIn int
}

var layouts = map[Architecture][]layerSpec{
	ArchitectureConv: {
		{"conv2d_1", []int{32, 1, 3, 3}, 1 * 3 * 3},
		{"conv2d_2", []int{64, 32, 3, 3}, 32 * 3 * 3},
		{"linear_1", []int{128, 64 * 7 * 7}, 64 * 7 * 7},
		{"linear_2", []int{NumClasses, 128}, 128},
	},
	ArchitectureMLP: {
		{"fc1", []int{128, InputSize}, InputSize},
		{"fc2", []int{64, 128}, 128},
		{"fc3", []int{NumClasses, 64}, 64},
	},
}

// Network holds the parameters of a digit classifier. The computation itself
// is a gorgonia graph built per batch size, see Graph.
type Network struct {
	arch   Architecture
	params []*Param

	mu    sync.Mutex
	infer *Graph
}

// New initializes weights and biases uniformly in ±1/sqrt(fan_in).
func New(arch Architecture, rng *rand.Rand) (*Network, error) {
	specs, ok := layouts[arch]
	if !ok {
		return nil, fmt.Errorf("unknown architecture '%s'", arch)
	}

	net := &Network{arch: arch}
	for _, s := range specs {
		bound := 1 / math.Sqrt(float64(s.fanIn))
		net.params = append(net.params,
			&Param{Name: s.name + ".weight", Value: uniform(s.shape, bound, rng)},
			&Param{Name: s.name + ".bias", Value: uniform([]int{s.shape[0]}, bound, rng)},
		)
	}
	return net, nil
}

func NewConvNet(rng *rand.Rand) *Network {
	net, _ := New(ArchitectureConv, rng)
	return net
}

func NewMLP(rng *rand.Rand) *Network {
	net, _ := New(ArchitectureMLP, rng)
	return net
}

func (n *Network) Architecture() Architecture { return n.arch }

// Parameters returns the learnable tensors in state dict order.
func (n *Network) Parameters() []*Param { return n.params }

// Forward returns class probabilities for a single flattened image. Calls are
// serialized on a shared batch-1 graph.
func (n *Network) Forward(x []float32) ([]float32, error) {
	if len(x) != InputSize {
		return nil, fmt.Errorf("expected %d values, got %d", InputSize, len(x))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.infer == nil {
		g, err := NewGraph(n.arch, 1, false)
		if err != nil {
			return nil, err
		}
		n.infer = g
	}
	probs, err := n.infer.Forward(n.params, [][]float32{x})
	if err != nil {
		return nil, err
	}
	return probs[0], nil
}

func uniform(shape []int, bound float64, rng *rand.Rand) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func Softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		maxLogit = max(maxLogit, v)
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range out {
		out[i] *= inv
	}
	return out
}

func Argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
