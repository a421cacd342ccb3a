package saliency

import (
	"math/rand/v2"
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/models"
)

func randomInput(t *testing.T, b *device.Backend, seed uint64, shape ...int) *device.Tensor {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	x, err := device.FromSlice(data, tensor.Shape(shape), b)
	require.NoError(t, err)
	return x
}

func convNet(t *testing.T, b *device.Backend) *models.ConvNet {
	t.Helper()
	n, err := models.NewConvNet(&config.Network{
		Name:       "conv2D_net",
		InDim:      []int{1, 12, 12},
		NumClasses: 3,
		ConvUnits: []config.ConvUnit{
			{InChannels: 1, OutChannels: 4, KernelSize: config.Ints{3, 3}, Stride: 1, PoolSize: 2},
		},
	}, b)
	require.NoError(t, err)
	return n
}

func multiInputNet(t *testing.T, b *device.Backend) *models.DenseNet {
	t.Helper()
	conv1D, err := models.NewConvNet(&config.Network{
		Name:      "conv1D_net",
		InDim:     []int{1, 16},
		ConvUnits: []config.ConvUnit{{InChannels: 1, OutChannels: 3, KernelSize: config.Ints{3}, Stride: 1}},
	}, b)
	require.NoError(t, err)
	n, err := models.NewDenseNet(&config.Network{
		Name:       "multi_input_dnn",
		DenseUnits: []int{10},
		NumClasses: 4,
	}, b, convNet(t, b), conv1D)
	require.NoError(t, err)
	return n
}

func TestNewGuidedBackpropRejectsUnknownNetworks(t *testing.T) {
	_, err := NewGuidedBackprop(nil)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedNetwork))
	assert.Contains(t, err.Error(), "network is not a recognized network type")

	var nilConv *models.ConvNet
	_, err = NewGuidedBackprop(nilConv)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedNetwork))
}

func TestGenerateGradientsShapes(t *testing.T) {
	b := device.MustCPU()
	net := multiInputNet(t, b)
	gbp, err := NewGuidedBackprop(net)
	require.NoError(t, err)
	defer gbp.RemoveHooks()
	assert.False(t, net.Training())

	inputs := []*device.Tensor{
		randomInput(t, b, 1, 2, 1, 12, 12),
		randomInput(t, b, 2, 2, 1, 16),
	}
	grads, err := gbp.GenerateGradients(inputs, []int{0, 3})
	require.NoError(t, err)
	require.Len(t, grads, 2)
	for i := range grads {
		assert.Equal(t, inputs[i].Shape(), grads[i].Shape())
	}

	captured, ok := gbp.Gradient(1)
	require.True(t, ok)
	assert.InDeltaSlice(t, grads[1].Data(), captured.Data(), 1e-6)
	_, ok = gbp.Gradient(0)
	assert.True(t, ok)
	_, ok = gbp.Gradient(2)
	assert.False(t, ok)
}

func TestGradientDuplicateLeafNames(t *testing.T) {
	b := device.MustCPU()
	// Leaves: conv2D_net, then multi_input_dnn's conv2D_net and conv1D_net.
	n, err := models.NewDenseNet(&config.Network{
		Name:       "nested_dnn",
		DenseUnits: []int{6},
		NumClasses: 3,
	}, b, convNet(t, b), multiInputNet(t, b))
	require.NoError(t, err)
	leaves := models.Leaves(n)
	require.Len(t, leaves, 3)
	require.Equal(t, leaves[0].Name(), leaves[1].Name())

	gbp, err := NewGuidedBackprop(n)
	require.NoError(t, err)
	defer gbp.RemoveHooks()

	inputs := []*device.Tensor{
		randomInput(t, b, 5, 2, 1, 12, 12),
		randomInput(t, b, 6, 2, 1, 12, 12),
		randomInput(t, b, 7, 2, 1, 16),
	}
	grads, err := gbp.GenerateGradients(inputs, []int{0, 2})
	require.NoError(t, err)
	require.Len(t, grads, 3)
	assert.NotEqual(t, grads[0].Data(), grads[1].Data())

	for i := range leaves {
		captured, ok := gbp.Gradient(i)
		require.True(t, ok, "leaf %d", i)
		assert.InDeltaSlice(t, grads[i].Data(), captured.Data(), 1e-6)
	}
}

func TestGuidedGradientsDifferFromPlain(t *testing.T) {
	b := device.MustCPU()
	net := convNet(t, b)
	x := randomInput(t, b, 4, 1, 1, 12, 12)
	targets := []int{1}

	gbp, err := NewGuidedBackprop(net)
	require.NoError(t, err)
	guided, err := gbp.GenerateGradients([]*device.Tensor{x}, targets)
	require.NoError(t, err)

	gbp.RemoveHooks()
	gbp.RemoveHooks()
	seed, err := device.FromSlice([]float32{0, 1, 0}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)
	plain, err := net.Backprop([]*device.Tensor{x}, seed)
	require.NoError(t, err)

	assert.NotEqual(t, plain[0].Data(), guided[0].Data())
}

func TestGuidedGradientsCropNegativePaths(t *testing.T) {
	b := device.MustCPU()
	// relu(10 - relu(x)): the second unit passes a negative gradient back
	// to the first ReLU, which guided backprop crops to zero.
	n, err := models.NewDenseNet(&config.Network{
		Name:        "relu_chain",
		InDim:       []int{4},
		DenseUnits:  []int{4, 4},
		Initializer: "zeros",
		BiasInit:    "zeros",
	}, b)
	require.NoError(t, err)
	type dense interface {
		Weight() *device.Parameter
		Bias() *device.Parameter
	}
	w0 := n.Units()[0].(dense).Weight().Tensor().Data()
	w1 := n.Units()[1].(dense).Weight().Tensor().Data()
	b1 := n.Units()[1].(dense).Bias().Tensor().Data()
	for i := 0; i < 4; i++ {
		w0[i*4+i] = 1
		w1[i*4+i] = -1
		b1[i] = 10
	}

	x, err := device.FromSlice([]float32{1, -1, 2, -2}, tensor.Shape{1, 4}, b)
	require.NoError(t, err)
	seed, err := device.FromSlice([]float32{1, 0, 0, 0}, tensor.Shape{1, 4}, b)
	require.NoError(t, err)

	plain, err := n.Backprop([]*device.Tensor{x}, seed)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, 0, 0, 0}, plain[0].Data(), 1e-6)

	gbp, err := NewGuidedBackprop(n)
	require.NoError(t, err)
	defer gbp.RemoveHooks()
	guided, err := gbp.GenerateGradients([]*device.Tensor{x}, []int{0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, guided[0].Data(), 1e-6)
}

func TestGenerateGradientsErrors(t *testing.T) {
	b := device.MustCPU()
	net := multiInputNet(t, b)
	gbp, err := NewGuidedBackprop(net)
	require.NoError(t, err)
	defer gbp.RemoveHooks()

	x := randomInput(t, b, 1, 1, 1, 12, 12)
	_, err = gbp.GenerateGradients([]*device.Tensor{x}, []int{0})
	assert.True(t, domain.IsKind(err, domain.KindShapeMismatch))

	inputs := []*device.Tensor{x, randomInput(t, b, 2, 1, 1, 16)}
	_, err = gbp.GenerateGradients(inputs, []int{0, 1})
	assert.True(t, domain.IsKind(err, domain.KindShapeMismatch))

	_, err = gbp.GenerateGradients(inputs, []int{4})
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))
}

func TestNormalize(t *testing.T) {
	b := device.MustCPU()
	g, err := device.FromSlice([]float32{-2, 0, 2, 6}, tensor.Shape{1, 4}, b)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.25, 0.5, 1}, Normalize(g).Data(), 1e-6)

	flat, err := device.FromSlice([]float32{3, 3}, tensor.Shape{1, 2}, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, Normalize(flat).Data())
}
