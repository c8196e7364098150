package nn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Gradients holds one accumulator per parameter of a network, in parameter
// order. Each training worker owns its own Gradients, which are merged before
// the optimizer step.
type Gradients struct {
	params []*Param
	data   [][]float32
}

func NewGradients(params []*Param) *Gradients {
	g := &Gradients{params: params, data: make([][]float32, len(params))}
	for i, p := range params {
		g.data[i] = make([]float32, p.Value.Size())
	}
	return g
}

func (g *Gradients) For(p *Param) []float32 {
	for i, q := range g.params {
		if q == p {
			return g.data[i]
		}
	}
	return nil
}

func (g *Gradients) add(i int, src []float32, scale float32) error {
	if i >= len(g.data) || len(src) != len(g.data[i]) {
		return fmt.Errorf("%w: gradient %d does not match parameter layout", ErrStateDict, i)
	}
	dst := g.data[i]
	for j, v := range src {
		dst[j] += scale * v
	}
	return nil
}

func (g *Gradients) Add(other *Gradients) {
	for i, dst := range g.data {
		for j, v := range other.data[i] {
			dst[j] += v
		}
	}
}

func (g *Gradients) Zero() {
	for _, d := range g.data {
		clear(d)
	}
}

type paramGrad struct {
	value, grad *tensor.Dense
}

func (p paramGrad) Value() G.Value          { return p.value }
func (p paramGrad) Grad() (G.Value, error) { return p.grad, nil }

// Adam applies gorgonia's bias-corrected Adam solver to network parameters.
type Adam struct {
	solver *G.AdamSolver
	model  []G.ValueGrad
	steps  int
}

func NewAdam(params []*Param, grads *Gradients, learningRate float64) *Adam {
	model := make([]G.ValueGrad, len(params))
	for i, p := range params {
		grad := tensor.New(tensor.WithShape(p.Value.Shape().Clone()...), tensor.WithBacking(grads.data[i]))
		model[i] = paramGrad{value: p.Value, grad: grad}
	}
	return &Adam{
		solver: G.NewAdamSolver(G.WithLearnRate(learningRate), G.WithBeta1(0.9), G.WithBeta2(0.999), G.WithEps(1e-8)),
		model:  model,
	}
}

func (a *Adam) Steps() int {
	return a.steps
}

// Step updates the parameters in place from the gradients bound at
// construction.
func (a *Adam) Step() error {
	if err := a.solver.Step(a.model); err != nil {
		return fmt.Errorf("error applying adam step: %w", err)
	}
	a.steps++
	return nil
}
