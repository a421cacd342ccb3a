package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/vulcan/internal/domain"
)

func TestLoadMultiInput(t *testing.T) {
	n, err := Load(filepath.Join("testdata", "multi_input_cnn.yaml"))
	require.NoError(t, err)

	assert.Equal(t, TypeConv, n.Type)
	assert.Equal(t, CrossEntropy, n.Criterion)
	assert.Equal(t, "softmax", n.PredActivation)
	assert.Equal(t, Adam, n.Optimizer.Name)
	assert.Equal(t, []float64{0.9, 0.999}, n.Optimizer.Betas)
	require.Len(t, n.InputNetworks, 2)

	conv2D := n.InputNetworks[0]
	assert.Equal(t, 2, conv2D.ConvDim())
	assert.Equal(t, Ints{5, 5}, conv2D.ConvUnits[0].KernelSize)
	assert.InDelta(t, 0.1, conv2D.DropoutAt(0), 1e-12)
	assert.Zero(t, conv2D.DropoutAt(1))
	assert.Equal(t, 1, conv2D.ConvUnits[1].Stride)
	assert.Equal(t, MSE, conv2D.Criterion)
	assert.Equal(t, "none", conv2D.PredActivation)

	dnn := n.InputNetworks[1]
	assert.InDelta(t, 0.5, dnn.DropoutAt(1), 1e-12)
	require.Len(t, dnn.InputNetworks, 2)
	assert.Equal(t, Ints{5}, dnn.InputNetworks[0].ConvUnits[0].KernelSize)
	assert.Equal(t, Floats{0.2}, dnn.InputNetworks[1].Dropout)
}

func TestLoadSELU(t *testing.T) {
	n, err := Load(filepath.Join("testdata", "selu_dense.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "selu", n.Activation)
	assert.Equal(t, uint64(7), n.Seed)
	assert.Equal(t, "cpu", n.Device)
	assert.InDelta(t, 0.3, n.DropoutAt(0), 1e-12)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		file string
		kind domain.ErrorKind
		msg  string
	}{
		{"missing.yaml", domain.KindNotFound, "missing.yaml"},
		{"malformed.yaml", domain.KindInvalidConfig, "malformed.yaml"},
		{"invalid_dropout.yaml", domain.KindInvalidConfig, "dropout"},
		{"duplicate_inputs.yaml", domain.KindInvalidConfig, `duplicate network name "child"`},
	}
	for _, tc := range cases {
		t.Run(tc.file, func(t *testing.T) {
			_, err := Load(filepath.Join("testdata", tc.file))
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tc.kind), err.Error())
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() Network {
		return Network{Name: "n", Type: TypeDense, InDim: []int{4}, DenseUnits: []int{3}}
	}

	cases := map[string]func(n *Network){
		"unknown type":        func(n *Network) { n.Type = "rnn" },
		"missing in_dim":      func(n *Network) { n.InDim = nil },
		"unknown activation":  func(n *Network) { n.Activation = "swish" },
		"unknown initializer": func(n *Network) { n.Initializer = "he" },
		"ce without classes":  func(n *Network) { n.Criterion = CrossEntropy },
		"bad lr":              func(n *Network) { n.Optimizer.LR = -1 },
		"no units":            func(n *Network) { n.DenseUnits = nil },
		"conv dims": func(n *Network) {
			n.Type = TypeConv
			n.DenseUnits = nil
			n.InDim = []int{1, 2, 2, 2, 2}
			n.ConvUnits = []ConvUnit{{OutChannels: 1, KernelSize: Ints{1}, Stride: 1}}
		},
		"conv chain": func(n *Network) {
			n.Type = TypeConv
			n.DenseUnits = nil
			n.InDim = []int{1, 8}
			n.ConvUnits = []ConvUnit{
				{OutChannels: 4, KernelSize: Ints{3}, Stride: 1},
				{InChannels: 3, OutChannels: 4, KernelSize: Ints{3}, Stride: 1},
			}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			n := base()
			n.ApplyDefaults()
			mutate(&n)
			err := n.Validate()
			assert.True(t, domain.IsKind(err, domain.KindInvalidConfig), "got %v", err)
		})
	}

	n := base()
	n.ApplyDefaults()
	assert.NoError(t, n.Validate())
}

func TestMarshalRoundTrip(t *testing.T) {
	n, err := Load(filepath.Join("testdata", "multi_input_cnn.yaml"))
	require.NoError(t, err)

	b, err := Marshal(n)
	require.NoError(t, err)
	assert.Contains(t, string(b), "dropout: 0.5")

	again, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, n, again)
}

func TestScalarOrList(t *testing.T) {
	var v struct {
		A Floats `yaml:"a"`
		B Ints   `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: [0.1, 0.2]\nb: 3\n"), &v))
	assert.Equal(t, Floats{0.1, 0.2}, v.A)
	assert.Equal(t, Ints{3}, v.B)

	assert.Error(t, yaml.Unmarshal([]byte("a: {x: 1}\n"), &v))
}

func TestClone(t *testing.T) {
	n, err := Load(filepath.Join("testdata", "multi_input_cnn.yaml"))
	require.NoError(t, err)

	c := n.Clone()
	require.Equal(t, n, c)

	*c.InputNetworks[0].ConvUnits[0].Dropout = 0.9
	c.InputNetworks[1].DenseUnits[0] = 1
	assert.InDelta(t, 0.1, *n.InputNetworks[0].ConvUnits[0].Dropout, 1e-12)
	assert.Equal(t, 100, n.InputNetworks[1].DenseUnits[0])
}
