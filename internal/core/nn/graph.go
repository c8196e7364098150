package nn

import (
	"errors"
	"fmt"
	"sync"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var ErrBatchSize = errors.New("batch size mismatch")

// probability floor inside the log of the cross-entropy
const logEpsilon = 1e-7

// Graph is the gorgonia expression graph of a network for a fixed batch size.
// Training graphs also carry the one-hot labels, the mean cross-entropy cost
// and its symbolic gradients. Graph weights are private copies: Forward and
// Step load the given parameters before every run. A Graph is not safe for
// concurrent use.
type Graph struct {
	arch    Architecture
	batch   int
	g       *G.ExprGraph
	x, y    *G.Node
	weights []*G.Node
	vm      G.VM

	probs G.Value
	cost  G.Value
}

func NewGraph(arch Architecture, batch int, train bool) (*Graph, error) {
	specs, ok := layouts[arch]
	if !ok {
		return nil, fmt.Errorf("unknown architecture '%s'", arch)
	}
	if batch <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrBatchSize, batch)
	}

	gr := &Graph{arch: arch, batch: batch, g: G.NewGraph()}
	gr.x = G.NewTensor(gr.g, tensor.Float32, 4, G.WithShape(batch, 1, ImageSize, ImageSize), G.WithName("x"))

	b := &builder{layers: make(map[string]layerNodes, len(specs))}
	for _, s := range specs {
		w := G.NewTensor(gr.g, tensor.Float32, len(s.shape), G.WithShape(s.shape...), G.WithName(s.name+".weight"), G.WithInit(G.Zeroes()))
		bias := G.NewVector(gr.g, tensor.Float32, G.WithShape(s.shape[0]), G.WithName(s.name+".bias"), G.WithInit(G.Zeroes()))
		b.layers[s.name] = layerNodes{weight: w, bias: bias}
		gr.weights = append(gr.weights, w, bias)
	}

	var logits *G.Node
	switch arch {
	case ArchitectureConv:
		h := b.maxPool(b.relu(b.conv2d(gr.x, "conv2d_1")))
		h = b.maxPool(b.relu(b.conv2d(h, "conv2d_2")))
		h = b.reshape(h, batch, 64*7*7)
		h = b.relu(b.linear(h, "linear_1"))
		logits = b.linear(h, "linear_2")
	case ArchitectureMLP:
		h := b.reshape(gr.x, batch, InputSize)
		h = b.relu(b.linear(h, "fc1"))
		h = b.relu(b.linear(h, "fc2"))
		logits = b.linear(h, "fc3")
	}
	probs := b.softmax(logits)

	if train {
		gr.y = G.NewMatrix(gr.g, tensor.Float32, G.WithShape(batch, NumClasses), G.WithName("y"))
		cost := b.crossEntropy(probs, gr.y)
		if b.err == nil {
			G.Read(cost, &gr.cost)
			_, b.err = G.Grad(cost, gr.weights...)
		}
	}
	if b.err != nil {
		return nil, fmt.Errorf("error building %s graph: %w", arch, b.err)
	}
	G.Read(probs, &gr.probs)

	if train {
		gr.vm = G.NewTapeMachine(gr.g, G.BindDualValues(gr.weights...))
	} else {
		gr.vm = G.NewTapeMachine(gr.g)
	}
	return gr, nil
}

func (gr *Graph) Batch() int { return gr.batch }

func (gr *Graph) Close() error {
	return gr.vm.Close()
}

// Forward returns class probabilities for each image.
func (gr *Graph) Forward(params []*Param, images [][]float32) ([][]float32, error) {
	if err := gr.run(params, images, nil); err != nil {
		return nil, err
	}
	defer gr.vm.Reset()

	return gr.readProbs(), nil
}

// Step runs forward and backward over one batch and adds scale times the
// gradient of the mean loss into grads. It returns the mean loss and the
// number of correct predictions.
func (gr *Graph) Step(params []*Param, images [][]float32, labels []int, grads *Gradients, scale float32) (float64, int, error) {
	if gr.y == nil {
		return 0, 0, fmt.Errorf("%s graph was built for inference only", gr.arch)
	}
	if len(labels) != len(images) {
		return 0, 0, fmt.Errorf("%w: %d images and %d labels", ErrBatchSize, len(images), len(labels))
	}
	if err := gr.run(params, images, labels); err != nil {
		return 0, 0, err
	}
	defer gr.vm.Reset()

	loss, err := scalarValue(gr.cost)
	if err != nil {
		return 0, 0, err
	}

	correct := 0
	for i, p := range gr.readProbs() {
		if Argmax(p) == labels[i] {
			correct++
		}
	}

	for i, w := range gr.weights {
		grad, err := w.Grad()
		if err != nil {
			return 0, 0, fmt.Errorf("error reading gradient of %s: %w", w.Name(), err)
		}
		if err := grads.add(i, grad.Data().([]float32), scale); err != nil {
			return 0, 0, err
		}
	}
	return loss, correct, nil
}

func (gr *Graph) run(params []*Param, images [][]float32, labels []int) error {
	if len(params) != len(gr.weights) {
		return fmt.Errorf("%w: %s graph has %d parameters, got %d", ErrStateDict, gr.arch, len(gr.weights), len(params))
	}
	for i, p := range params {
		dst := gr.weights[i].Value().Data().([]float32)
		src := p.Data()
		if len(dst) != len(src) {
			return fmt.Errorf("%w: parameter '%s' has %d values, expected %d", ErrStateDict, p.Name, len(src), len(dst))
		}
		copy(dst, src)
	}

	if len(images) != gr.batch {
		return fmt.Errorf("%w: graph takes %d images, got %d", ErrBatchSize, gr.batch, len(images))
	}
	xs := make([]float32, gr.batch*InputSize)
	for i, img := range images {
		if len(img) != InputSize {
			return fmt.Errorf("image %d has %d values, expected %d", i, len(img), InputSize)
		}
		copy(xs[i*InputSize:], img)
	}
	if err := G.Let(gr.x, tensor.New(tensor.WithShape(gr.batch, 1, ImageSize, ImageSize), tensor.WithBacking(xs))); err != nil {
		return fmt.Errorf("error binding images: %w", err)
	}

	if gr.y != nil {
		ys := make([]float32, gr.batch*NumClasses)
		for i, label := range labels {
			if label < 0 || label >= NumClasses {
				return fmt.Errorf("label %d out of range [0, %d)", label, NumClasses)
			}
			ys[i*NumClasses+label] = 1
		}
		if err := G.Let(gr.y, tensor.New(tensor.WithShape(gr.batch, NumClasses), tensor.WithBacking(ys))); err != nil {
			return fmt.Errorf("error binding labels: %w", err)
		}
	}

	if gr.y != nil {
		// tape machines add into bound derivatives, so clear the previous run
		for _, w := range gr.weights {
			if d, err := w.Grad(); err == nil {
				if dense, ok := d.(*tensor.Dense); ok {
					dense.Zero()
				}
			}
		}
	}

	if err := gr.vm.RunAll(); err != nil {
		gr.vm.Reset()
		return fmt.Errorf("error running %s graph: %w", gr.arch, err)
	}
	return nil
}

func (gr *Graph) readProbs() [][]float32 {
	data := gr.probs.Data().([]float32)
	out := make([][]float32, gr.batch)
	for i := range out {
		out[i] = append([]float32(nil), data[i*NumClasses:(i+1)*NumClasses]...)
	}
	return out
}

func scalarValue(v G.Value) (float64, error) {
	switch d := v.Data().(type) {
	case float32:
		return float64(d), nil
	case []float32:
		if len(d) == 1 {
			return float64(d[0]), nil
		}
	}
	return 0, fmt.Errorf("unexpected cost value of shape %v", v.Shape())
}

type layerNodes struct {
	weight, bias *G.Node
}

// builder chains graph operations, keeping the first error.
type builder struct {
	layers map[string]layerNodes
	err    error
}

func (b *builder) apply(op func() (*G.Node, error)) *G.Node {
	if b.err != nil {
		return nil
	}
	n, err := op()
	if err != nil {
		b.err = err
		return nil
	}
	return n
}

// conv2d is a stride-1 convolution with padding 1 and a per-channel bias.
func (b *builder) conv2d(x *G.Node, layer string) *G.Node {
	return b.apply(func() (*G.Node, error) {
		l := b.layers[layer]
		shape := l.weight.Shape()
		h, err := G.Conv2d(x, l.weight, tensor.Shape{shape[2], shape[3]}, []int{1, 1}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer, err)
		}
		bias, err := G.Reshape(l.bias, tensor.Shape{1, shape[0], 1, 1})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer, err)
		}
		return G.BroadcastAdd(h, bias, nil, []byte{0, 2, 3})
	})
}

// linear computes x·Wᵀ + b with W stored as [out, in].
func (b *builder) linear(x *G.Node, layer string) *G.Node {
	return b.apply(func() (*G.Node, error) {
		l := b.layers[layer]
		wt, err := G.Transpose(l.weight)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer, err)
		}
		xw, err := G.Mul(x, wt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer, err)
		}
		bias, err := G.Reshape(l.bias, tensor.Shape{1, l.weight.Shape()[0]})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer, err)
		}
		return G.BroadcastAdd(xw, bias, nil, []byte{0})
	})
}

func (b *builder) relu(x *G.Node) *G.Node {
	return b.apply(func() (*G.Node, error) { return G.Rectify(x) })
}

func (b *builder) maxPool(x *G.Node) *G.Node {
	return b.apply(func() (*G.Node, error) {
		return G.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	})
}

func (b *builder) reshape(x *G.Node, shape ...int) *G.Node {
	return b.apply(func() (*G.Node, error) { return G.Reshape(x, tensor.Shape(shape)) })
}

func (b *builder) softmax(x *G.Node) *G.Node {
	return b.apply(func() (*G.Node, error) { return G.SoftMax(x, 1) })
}

// crossEntropy is the batch mean of -sum(y * log(p)).
func (b *builder) crossEntropy(probs, y *G.Node) *G.Node {
	return b.apply(func() (*G.Node, error) {
		p, err := G.Add(probs, G.NewConstant(float32(logEpsilon)))
		if err != nil {
			return nil, err
		}
		logp, err := G.Log(p)
		if err != nil {
			return nil, err
		}
		ll, err := G.HadamardProd(logp, y)
		if err != nil {
			return nil, err
		}
		perSample, err := G.Sum(ll, 1)
		if err != nil {
			return nil, err
		}
		mean, err := G.Mean(perSample)
		if err != nil {
			return nil, err
		}
		return G.Neg(mean)
	})
}

// GraphPool hands out graphs of one architecture by batch size so that
// concurrent workers never share a tape machine.
type GraphPool struct {
	arch  Architecture
	train bool

	mu   sync.Mutex
	idle map[int][]*Graph
}

func NewGraphPool(arch Architecture, train bool) *GraphPool {
	return &GraphPool{arch: arch, train: train, idle: map[int][]*Graph{}}
}

func (p *GraphPool) Get(batch int) (*Graph, error) {
	p.mu.Lock()
	if graphs := p.idle[batch]; len(graphs) > 0 {
		g := graphs[len(graphs)-1]
		p.idle[batch] = graphs[:len(graphs)-1]
		p.mu.Unlock()
		return g, nil
	}
	p.mu.Unlock()

	return NewGraph(p.arch, batch, p.train)
}

func (p *GraphPool) Put(g *Graph) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[g.batch] = append(p.idle[g.batch], g)
}

func (p *GraphPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, graphs := range p.idle {
		for _, g := range graphs {
			errs = append(errs, g.Close())
		}
	}
	p.idle = map[int][]*Graph{}
	return errors.Join(errs...)
}
