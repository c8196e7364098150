package nn_test

import (
	"math"
	"math/rand"
	"mnist-backend/internal/core/nn"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func randomSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()
	}
	return out
}

func param(net *nn.Network, name string) *nn.Param {
	for _, p := range net.Parameters() {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func TestConvNetParameterShapes(t *testing.T) {
	net := nn.NewConvNet(rand.New(rand.NewSource(0)))

	expected := map[string][]int{
		"conv2d_1.weight": {32, 1, 3, 3},
		"conv2d_1.bias":   {32},
		"conv2d_2.weight": {64, 32, 3, 3},
		"conv2d_2.bias":   {64},
		"linear_1.weight": {128, 3136},
		"linear_1.bias":   {128},
		"linear_2.weight": {10, 128},
		"linear_2.bias":   {10},
	}
	assert.Equal(t, expected, nn.ParameterShapes(net))
	assert.Equal(t, 421642, nn.ParameterCount(net))
}

func TestMLPParameterShapes(t *testing.T) {
	net := nn.NewMLP(rand.New(rand.NewSource(0)))

	expected := map[string][]int{
		"fc1.weight": {128, 784},
		"fc1.bias":   {128},
		"fc2.weight": {64, 128},
		"fc2.bias":   {64},
		"fc3.weight": {10, 64},
		"fc3.bias":   {10},
	}
	assert.Equal(t, expected, nn.ParameterShapes(net))
}

func TestSameSeedSameWeights(t *testing.T) {
	a := nn.NewConvNet(rand.New(rand.NewSource(42)))
	b := nn.NewConvNet(rand.New(rand.NewSource(42)))
	for i, p := range a.Parameters() {
		assert.Equal(t, p.Data(), b.Parameters()[i].Data(), p.Name)
	}
}

func TestInitializationBounds(t *testing.T) {
	net := nn.NewConvNet(rand.New(rand.NewSource(1)))
	bound := float32(1 / math.Sqrt(9))
	for _, v := range param(net, "conv2d_1.weight").Data() {
		assert.LessOrEqual(t, float32(math.Abs(float64(v))), bound)
	}
}

func TestForwardIsProbabilityDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, arch := range []nn.Architecture{nn.ArchitectureConv, nn.ArchitectureMLP} {
		net, err := nn.New(arch, rng)
		require.NoError(t, err)

		var probs []float32
		require.NotPanics(t, func() {
			probs, err = net.Forward(randomSlice(rng, nn.InputSize))
		})
		require.NoError(t, err)
		require.Len(t, probs, nn.NumClasses)

		var sum float64
		for _, p := range probs {
			assert.GreaterOrEqual(t, p, float32(0))
			sum += float64(p)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestForwardRejectsWrongLength(t *testing.T) {
	net := nn.NewMLP(rand.New(rand.NewSource(0)))
	_, err := net.Forward(make([]float32, 10))
	assert.Error(t, err)
}

// referenceConvNet evaluates the conv architecture with explicit loops, zero
// padding at every border included.
func referenceConvNet(net *nn.Network, x []float32) []float32 {
	conv := func(in []float32, inC, size int, layer string) []float32 {
		w, b := param(net, layer+".weight").Data(), param(net, layer+".bias").Data()
		outC := len(b)
		out := make([]float32, outC*size*size)
		for o := 0; o < outC; o++ {
			for y := 0; y < size; y++ {
				for xx := 0; xx < size; xx++ {
					sum := b[o]
					for c := 0; c < inC; c++ {
						for ky := 0; ky < 3; ky++ {
							for kx := 0; kx < 3; kx++ {
								iy, ix := y+ky-1, xx+kx-1
								if iy < 0 || iy >= size || ix < 0 || ix >= size {
									continue
								}
								sum += w[((o*inC+c)*3+ky)*3+kx] * in[(c*size+iy)*size+ix]
							}
						}
					}
					out[(o*size+y)*size+xx] = max(sum, 0)
				}
			}
		}
		return out
	}
	pool := func(in []float32, channels, size int) []float32 {
		half := size / 2
		out := make([]float32, channels*half*half)
		for c := 0; c < channels; c++ {
			for y := 0; y < half; y++ {
				for xx := 0; xx < half; xx++ {
					base := (c*size+2*y)*size + 2*xx
					out[(c*half+y)*half+xx] = max(in[base], in[base+1], in[base+size], in[base+size+1])
				}
			}
		}
		return out
	}
	linear := func(in []float32, layer string, relu bool) []float32 {
		w, b := param(net, layer+".weight").Data(), param(net, layer+".bias").Data()
		out := make([]float32, len(b))
		for o := range out {
			sum := b[o]
			for i, v := range in {
				sum += w[o*len(in)+i] * v
			}
			if relu {
				sum = max(sum, 0)
			}
			out[o] = sum
		}
		return out
	}

	h := pool(conv(x, 1, 28, "conv2d_1"), 32, 28)
	h = pool(conv(h, 32, 14, "conv2d_2"), 64, 14)
	h = linear(h, "linear_1", true)
	return nn.Softmax(linear(h, "linear_2", false))
}

func TestConvNetMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	net := nn.NewConvNet(rng)
	x := randomSlice(rng, nn.InputSize)

	probs, err := net.Forward(x)
	require.NoError(t, err)

	expected := referenceConvNet(net, x)
	for i := range expected {
		assert.InDelta(t, expected[i], probs[i], 1e-4, "class %d", i)
	}
}

func TestStepGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net := nn.NewConvNet(rng)
	images := [][]float32{randomSlice(rng, nn.InputSize), randomSlice(rng, nn.InputSize)}
	labels := []int{3, 8}

	graph, err := nn.NewGraph(nn.ArchitectureConv, 2, true)
	require.NoError(t, err)
	defer graph.Close()

	grads := nn.NewGradients(net.Parameters())
	_, _, err = graph.Step(net.Parameters(), images, labels, grads, 1)
	require.NoError(t, err)

	loss := func() float64 {
		l, _, err := graph.Step(net.Parameters(), images, labels, nn.NewGradients(net.Parameters()), 1)
		require.NoError(t, err)
		return l
	}

	const eps = 1e-2
	for _, name := range []string{"conv2d_1.weight", "conv2d_1.bias", "linear_2.weight"} {
		p := param(net, name)
		g := grads.For(p)
		// first entries touch the padded border of the first conv
		for _, i := range []int{0, 4, 8} {
			orig := p.Data()[i]
			p.Data()[i] = orig + eps
			up := loss()
			p.Data()[i] = orig - eps
			down := loss()
			p.Data()[i] = orig
			assert.InDelta(t, (up-down)/(2*eps), g[i], 5e-3, "%s[%d]", name, i)
		}
	}
}

func TestGradientsAddZero(t *testing.T) {
	p := &nn.Param{Name: "p", Value: tensor.New(tensor.WithShape(3), tensor.WithBacking([]float32{0, 0, 0}))}
	a := nn.NewGradients([]*nn.Param{p})
	b := nn.NewGradients([]*nn.Param{p})
	copy(a.For(p), []float32{1, 2, 3})
	copy(b.For(p), []float32{1, 1, 1})

	a.Add(b)
	assert.Equal(t, []float32{2, 3, 4}, a.For(p))
	a.Zero()
	assert.Equal(t, []float32{0, 0, 0}, a.For(p))
}

func TestGraphErrors(t *testing.T) {
	net := nn.NewMLP(rand.New(rand.NewSource(0)))
	grads := nn.NewGradients(net.Parameters())
	image := make([]float32, nn.InputSize)

	train, err := nn.NewGraph(nn.ArchitectureMLP, 1, true)
	require.NoError(t, err)
	_, _, err = train.Step(net.Parameters(), [][]float32{image}, []int{10}, grads, 1)
	assert.Error(t, err)

	_, _, err = train.Step(net.Parameters(), [][]float32{image, image}, []int{1, 2}, grads, 1)
	assert.ErrorIs(t, err, nn.ErrBatchSize)

	_, _, err = train.Step(nn.NewConvNet(rand.New(rand.NewSource(0))).Parameters(), [][]float32{image}, []int{1}, grads, 1)
	assert.ErrorIs(t, err, nn.ErrStateDict)

	infer, err := nn.NewGraph(nn.ArchitectureMLP, 1, false)
	require.NoError(t, err)
	_, _, err = infer.Step(net.Parameters(), [][]float32{image}, []int{1}, grads, 1)
	assert.Error(t, err)

	_, err = nn.NewGraph(nn.ArchitectureMLP, 0, false)
	assert.ErrorIs(t, err, nn.ErrBatchSize)
	_, err = nn.NewGraph("vit", 1, false)
	assert.Error(t, err)
}

func TestGraphPoolReusesGraphs(t *testing.T) {
	pool := nn.NewGraphPool(nn.ArchitectureMLP, false)
	defer pool.Close()

	a, err := pool.Get(4)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Batch())
	pool.Put(a)

	b, err := pool.Get(4)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := pool.Get(2)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	pool.Put(b)
	pool.Put(c)
}

func TestParseArchitecture(t *testing.T) {
	arch, err := nn.ParseArchitecture("MLP")
	require.NoError(t, err)
	assert.Equal(t, nn.ArchitectureMLP, arch)

	arch, err = nn.ParseArchitecture("conv")
	require.NoError(t, err)
	assert.Equal(t, nn.ArchitectureConv, arch)

	_, err = nn.ParseArchitecture("transformer")
	assert.Error(t, err)
}

func overfit(t *testing.T, net *nn.Network, steps int) (first, last float64) {
	rng := rand.New(rand.NewSource(5))
	images := make([][]float32, 8)
	labels := make([]int, 8)
	for i := range images {
		images[i] = randomSlice(rng, nn.InputSize)
		labels[i] = i % nn.NumClasses
	}

	graph, err := nn.NewGraph(net.Architecture(), len(images), true)
	require.NoError(t, err)
	defer graph.Close()

	grads := nn.NewGradients(net.Parameters())
	opt := nn.NewAdam(net.Parameters(), grads, 1e-3)
	for step := 0; step < steps; step++ {
		grads.Zero()
		loss, _, err := graph.Step(net.Parameters(), images, labels, grads, 1)
		require.NoError(t, err)
		require.NoError(t, opt.Step())

		if step == 0 {
			first = loss
		}
		last = loss
	}
	assert.Equal(t, steps, opt.Steps())
	return first, last
}

func TestMLPLearnsSmallBatch(t *testing.T) {
	first, last := overfit(t, nn.NewMLP(rand.New(rand.NewSource(0))), 60)
	assert.Less(t, last, first/2)
}

func TestConvNetLearnsSmallBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	first, last := overfit(t, nn.NewConvNet(rand.New(rand.NewSource(0))), 25)
	assert.Less(t, last, first)
}

func TestLoadStateDict(t *testing.T) {
	src := nn.NewMLP(rand.New(rand.NewSource(1)))
	dst := nn.NewMLP(rand.New(rand.NewSource(2)))

	x := make([]float32, nn.InputSize)
	before, err := dst.Forward(x)
	require.NoError(t, err)

	require.NoError(t, nn.LoadStateDict(dst, nn.StateDict(src)))
	for i, p := range src.Parameters() {
		assert.Equal(t, p.Data(), dst.Parameters()[i].Data())
	}

	expected, err := src.Forward(x)
	require.NoError(t, err)
	after, err := dst.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, expected, after)
	assert.NotEqual(t, before, after)
}

func TestLoadStateDictErrors(t *testing.T) {
	net := nn.NewMLP(rand.New(rand.NewSource(1)))

	state := nn.StateDict(nn.NewMLP(rand.New(rand.NewSource(2))))
	delete(state, "fc2.bias")
	err := nn.LoadStateDict(net, state)
	assert.ErrorIs(t, err, nn.ErrStateDict)
	assert.Contains(t, err.Error(), "fc2.bias")

	state = nn.StateDict(nn.NewMLP(rand.New(rand.NewSource(2))))
	state["fc1.weight"] = tensor.New(tensor.WithShape(784, 128), tensor.WithBacking(make([]float32, 784*128)))
	err = nn.LoadStateDict(net, state)
	assert.ErrorIs(t, err, nn.ErrStateDict)
	assert.Contains(t, err.Error(), "fc1.weight")

	err = nn.LoadStateDict(net, nn.StateDict(nn.NewConvNet(rand.New(rand.NewSource(0)))))
	assert.ErrorIs(t, err, nn.ErrStateDict)
}
