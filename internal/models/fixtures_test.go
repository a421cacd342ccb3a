package models

import (
	"math/rand/v2"
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/device"
)

func dropout(p float64) *float64 { return &p }

func conv1DConfig() *config.Network {
	return &config.Network{
		Name:  "conv1D_net",
		Type:  config.TypeConv,
		InDim: []int{1, 28},
		ConvUnits: []config.ConvUnit{
			{InChannels: 1, OutChannels: 24, KernelSize: config.Ints{5}, Stride: 2, PoolSize: 2, Dropout: dropout(0.1)},
			{InChannels: 24, OutChannels: 64, KernelSize: config.Ints{5}, Stride: 1, PoolSize: 2},
		},
	}
}

func conv2DConfig() *config.Network {
	return &config.Network{
		Name:  "conv2D_net",
		Type:  config.TypeConv,
		InDim: []int{1, 28, 28},
		ConvUnits: []config.ConvUnit{
			{InChannels: 1, OutChannels: 24, KernelSize: config.Ints{5, 5}, Stride: 2, PoolSize: 2, Dropout: dropout(0.1)},
			{InChannels: 24, OutChannels: 64, KernelSize: config.Ints{5, 5}, Stride: 1, PoolSize: 2},
		},
	}
}

func conv3DConfig() *config.Network {
	return &config.Network{
		Name:  "conv3D_net",
		Type:  config.TypeConv,
		InDim: []int{1, 28, 28, 28},
		ConvUnits: []config.ConvUnit{
			{InChannels: 1, OutChannels: 16, KernelSize: config.Ints{5, 5, 5}, Stride: 2},
			{InChannels: 16, OutChannels: 64, KernelSize: config.Ints{5, 5, 5}, Stride: 1},
		},
	}
}

func newConv1D(t *testing.T, b *device.Backend) *ConvNet {
	t.Helper()
	n, err := NewConvNet(conv1DConfig(), b)
	require.NoError(t, err)
	return n
}

func newConv2D(t *testing.T, b *device.Backend) *ConvNet {
	t.Helper()
	n, err := NewConvNet(conv2DConfig(), b)
	require.NoError(t, err)
	return n
}

func newConv3D(t *testing.T, b *device.Backend) *ConvNet {
	t.Helper()
	n, err := NewConvNet(conv3DConfig(), b)
	require.NoError(t, err)
	return n
}

// newMultiInputDNN consumes a 1D and a 2D conv net.
func newMultiInputDNN(t *testing.T, b *device.Backend) *DenseNet {
	t.Helper()
	n, err := NewDenseNet(&config.Network{
		Name:       "multi_input_dnn",
		Type:       config.TypeDense,
		DenseUnits: []int{100, 50},
		Dropout:    config.Floats{0.5},
	}, b, newConv1D(t, b), newConv2D(t, b))
	require.NoError(t, err)
	return n
}

// newMultiInputCNN consumes a 2D conv net, a 3D conv net and the multi-input
// DNN.
func newMultiInputCNN(t *testing.T, b *device.Backend) *ConvNet {
	t.Helper()
	n, err := NewConvNet(&config.Network{
		Name:       "multi_input_cnn",
		Type:       config.TypeConv,
		NumClasses: 10,
		ConvUnits: []config.ConvUnit{
			{InChannels: 1, OutChannels: 16, KernelSize: config.Ints{3, 3, 3}, Stride: 2},
		},
	}, b, newConv2D(t, b), newConv3D(t, b), newMultiInputDNN(t, b))
	require.NoError(t, err)
	return n
}

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
