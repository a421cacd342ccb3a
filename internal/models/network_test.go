package models

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

func TestConvNetOutputShapes(t *testing.T) {
	b := device.MustCPU()
	cases := []struct {
		name string
		net  *ConvNet
		in   []int
		out  []int
	}{
		{"conv1D", newConv1D(t, b), []int{1, 28}, []int{64, 1}},
		{"conv2D", newConv2D(t, b), []int{1, 28, 28}, []int{64, 1, 1}},
		{"conv3D", newConv3D(t, b), []int{1, 28, 28, 28}, []int{64, 8, 8, 8}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.in, tc.net.InDim())
			assert.Equal(t, tc.out, tc.net.OutDim())
			assert.Equal(t, len(tc.in)-1, tc.net.ConvDim())

			x := randomInput(t, b, 1, append([]int{1}, tc.in...)...)
			y := tc.net.Forward(x)
			assert.Equal(t, tensor.Shape(append([]int{1}, tc.out...)), y.Shape())
		})
	}
}

func TestMultiInputDNN(t *testing.T) {
	b := device.MustCPU()
	dnn := newMultiInputDNN(t, b)

	assert.Equal(t, []int{128}, dnn.InDim())
	assert.Equal(t, []int{50}, dnn.OutDim())
	assert.Equal(t, 2, dnn.NumInputs())
	require.Len(t, dnn.InputNetworks(), 2)

	in, ok := dnn.InputNetwork("conv2D_net")
	require.True(t, ok)
	assert.Equal(t, "conv2D_net", in.Name())
	_, ok = dnn.InputNetwork("missing")
	assert.False(t, ok)

	y := dnn.ForwardInputs([]*device.Tensor{
		randomInput(t, b, 1, 2, 1, 28),
		randomInput(t, b, 2, 2, 1, 28, 28),
	})
	assert.Equal(t, tensor.Shape{2, 50}, y.Shape())
}

func TestMultiInputCNN(t *testing.T) {
	b := device.MustCPU()
	cnn := newMultiInputCNN(t, b)

	assert.Equal(t, []int{129, 50, 8, 8}, cnn.InDim())
	assert.Equal(t, []int{10}, cnn.OutDim())
	assert.Equal(t, 4, cnn.NumInputs())
	assert.Equal(t, 129, cnn.Units()[0].(interface{ InChannels() int }).InChannels())

	y := cnn.ForwardInputs([]*device.Tensor{
		randomInput(t, b, 1, 1, 1, 28, 28),
		randomInput(t, b, 2, 1, 1, 28, 28, 28),
		randomInput(t, b, 3, 1, 1, 28),
		randomInput(t, b, 4, 1, 1, 28, 28),
	})
	assert.Equal(t, tensor.Shape{1, 10}, y.Shape())
}

func TestForwardInputsWrongCount(t *testing.T) {
	b := device.MustCPU()
	dnn := newMultiInputDNN(t, b)
	assert.Panics(t, func() {
		dnn.ForwardInputs([]*device.Tensor{randomInput(t, b, 1, 1, 1, 28)})
	})
	assert.Panics(t, func() {
		dnn.Forward(randomInput(t, b, 1, 1, 1, 28))
	})
}

func TestDenseNetRejectsWrongWidth(t *testing.T) {
	b := device.MustCPU()
	n, err := NewDenseNet(&config.Network{Name: "d", InDim: []int{6}, DenseUnits: []int{3}}, b)
	require.NoError(t, err)
	assert.Panics(t, func() { n.Forward(randomInput(t, b, 1, 2, 5)) })

	y := n.Forward(randomInput(t, b, 1, 2, 2, 3))
	assert.Equal(t, tensor.Shape{2, 3}, y.Shape())
}

func TestAddInputNetwork(t *testing.T) {
	b := device.MustCPU()
	dnn, err := NewDenseNet(&config.Network{
		Name:       "grow",
		DenseUnits: []int{10},
		NumClasses: 3,
	}, b, newConv1D(t, b))
	require.NoError(t, err)
	require.Equal(t, []int{64}, dnn.InDim())

	require.NoError(t, dnn.AddInputNetwork(newConv2D(t, b)))
	assert.Equal(t, []int{128}, dnn.InDim())
	assert.Equal(t, 2, dnn.NumInputs())
	assert.Equal(t, 128, dnn.Units()[0].(interface{ InFeatures() int }).InFeatures())
	assert.Len(t, dnn.Config().InputNetworks, 2)

	y := dnn.ForwardInputs([]*device.Tensor{
		randomInput(t, b, 1, 2, 1, 28),
		randomInput(t, b, 2, 2, 1, 28, 28),
	})
	assert.Equal(t, tensor.Shape{2, 3}, y.Shape())

	err = dnn.AddInputNetwork(newConv1D(t, b))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))
	assert.Equal(t, 2, dnn.NumInputs())
}

func TestAddInputNetworkToConvNet(t *testing.T) {
	b := device.MustCPU()
	cnn, err := NewConvNet(&config.Network{
		Name:       "grow_cnn",
		NumClasses: 2,
		ConvUnits:  []config.ConvUnit{{InChannels: 1, OutChannels: 4, KernelSize: config.Ints{1, 1}, Stride: 1}},
	}, b, newConv2D(t, b))
	require.NoError(t, err)
	assert.Equal(t, []int{64, 1, 1}, cnn.InDim())

	require.NoError(t, cnn.AddInputNetwork(newMultiInputDNN(t, b)))
	assert.Equal(t, []int{65, 50, 1}, cnn.InDim())
	assert.Equal(t, 3, cnn.NumInputs())

	y := cnn.ForwardInputs([]*device.Tensor{
		randomInput(t, b, 1, 1, 1, 28, 28),
		randomInput(t, b, 2, 1, 1, 28),
		randomInput(t, b, 3, 1, 1, 28, 28),
	})
	assert.Equal(t, tensor.Shape{1, 2}, y.Shape())
}

func TestUnrecognizedInputNetwork(t *testing.T) {
	b := device.MustCPU()
	var nilNet *DenseNet
	_, err := NewDenseNet(&config.Network{Name: "d", DenseUnits: []int{2}}, b, nilNet)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedNetwork))

	n, err := NewDenseNet(&config.Network{Name: "d", InDim: []int{4}, DenseUnits: []int{2}}, b)
	require.NoError(t, err)
	err = n.AddInputNetwork(nil)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedNetwork))
	assert.Contains(t, err.Error(), "network is not a recognized network type")
}

func TestConstructorErrors(t *testing.T) {
	b := device.MustCPU()

	_, err := NewDenseNet(nil, b)
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))

	_, err = NewDenseNet(&config.Network{Name: "d", InDim: []int{4}, DenseUnits: []int{2}}, nil)
	assert.True(t, domain.IsKind(err, domain.KindDevice))

	_, err = NewConvNet(&config.Network{Name: "c", Type: config.TypeDense, InDim: []int{4}, DenseUnits: []int{2}}, b)
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))

	// A 5x5 kernel does not fit a 4x4 input.
	_, err = NewConvNet(&config.Network{
		Name:      "c",
		InDim:     []int{1, 4, 4},
		ConvUnits: []config.ConvUnit{{InChannels: 1, OutChannels: 2, KernelSize: config.Ints{5, 5}, Stride: 1}},
	}, b)
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))

	_, err = NewDenseNet(&config.Network{Name: "same"}, b, newConv1D(t, b), newConv1D(t, b))
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))

	_, err = NewConvNet(&config.Network{
		Name:      "c",
		InDim:     []int{3, 8, 8},
		ConvUnits: []config.ConvUnit{{InChannels: 1, OutChannels: 2, KernelSize: config.Ints{3, 3}, Stride: 1}},
	}, b)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))
	assert.Contains(t, err.Error(), "in_channels 1 does not match in_dim channels 3")
}

func TestPredictAppliesSoftmax(t *testing.T) {
	b := device.MustCPU()
	n, err := NewDenseNet(&config.Network{Name: "clf", InDim: []int{8}, DenseUnits: []int{6}, NumClasses: 4, Dropout: config.Floats{0.5}}, b)
	require.NoError(t, err)
	require.True(t, n.Training())

	x := randomInput(t, b, 7, 3, 8)
	p := n.Predict([]*device.Tensor{x})
	require.Equal(t, tensor.Shape{3, 4}, p.Shape())
	for _, row := range splitRows(p) {
		sum := float32(0)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, float32(0))
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
	assert.True(t, n.Training(), "Predict restores the training flag")

	// Eval mode disables dropout, so predictions are repeatable.
	again := n.Predict([]*device.Tensor{x})
	assert.InDeltaSlice(t, p.Data(), again.Data(), 1e-6)
}

func TestStateDictNames(t *testing.T) {
	b := device.MustCPU()
	dnn := newMultiInputDNN(t, b)
	state := dnn.StateDict()

	assert.Contains(t, state, "units.0.weight")
	assert.Contains(t, state, "units.1.bias")
	assert.Contains(t, state, "input_networks.conv1D_net.units.0.weight")
	assert.Contains(t, state, "input_networks.conv2D_net.units.1.bias")
	assert.Len(t, dnn.Parameters(), len(state))
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	b := device.MustCPU()
	small, err := NewDenseNet(&config.Network{Name: "d", InDim: []int{4}, DenseUnits: []int{2}}, b)
	require.NoError(t, err)
	big, err := NewDenseNet(&config.Network{Name: "d", InDim: []int{5}, DenseUnits: []int{2}}, b)
	require.NoError(t, err)

	err = small.LoadStateDict(big.StateDict())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindShapeMismatch))
}

func TestSummary(t *testing.T) {
	b := device.MustCPU()
	dnn := newMultiInputDNN(t, b)
	rows := Summary(dnn)

	require.Len(t, rows, 6)
	assert.Equal(t, "conv1D_net", rows[0].Network)
	assert.Equal(t, "conv1d", rows[0].Kind)
	assert.Equal(t, []int{24, 6}, rows[0].OutputShape)
	assert.Equal(t, "multi_input_dnn", rows[5].Network)
	assert.Equal(t, []int{50}, rows[5].OutputShape)
	assert.Equal(t, 100*50+50, rows[5].Params)

	total := 0
	for _, r := range rows {
		total += r.Params
	}
	assert.Equal(t, ParameterCount(dnn), total)
	assert.Contains(t, FormatSummary(rows), "total parameters")
}
