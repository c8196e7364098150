package nn

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

var ErrStateDict = errors.New("invalid state dict")

func StateDict(net *Network) map[string]*tensor.Dense {
	state := make(map[string]*tensor.Dense, len(net.Parameters()))
	for _, p := range net.Parameters() {
		state[p.Name] = p.Value
	}
	return state
}

// LoadStateDict copies tensors into the network's parameters. Every parameter
// must be present with its exact shape; extra tensors are ignored.
func LoadStateDict(net *Network, state map[string]*tensor.Dense) error {
	for _, p := range net.Parameters() {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing tensor '%s'", ErrStateDict, p.Name)
		}
		if t.Dtype() != tensor.Float32 {
			return fmt.Errorf("%w: tensor '%s' has dtype %v, expected float32", ErrStateDict, p.Name, t.Dtype())
		}
		if !t.Shape().Eq(p.Value.Shape()) {
			return fmt.Errorf("%w: tensor '%s' has shape %v, expected %v", ErrStateDict, p.Name, t.Shape(), p.Value.Shape())
		}
	}

	net.mu.Lock()
	defer net.mu.Unlock()
	for _, p := range net.Parameters() {
		copy(p.Data(), state[p.Name].Data().([]float32))
	}
	return nil
}

// ParameterShapes maps each parameter name to its shape.
func ParameterShapes(net *Network) map[string][]int {
	shapes := make(map[string][]int)
	for _, p := range net.Parameters() {
		shapes[p.Name] = []int(p.Value.Shape().Clone())
	}
	return shapes
}

func ParameterCount(net *Network) int {
	total := 0
	for _, p := range net.Parameters() {
		total += p.Value.Size()
	}
	return total
}
