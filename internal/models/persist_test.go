package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

func TestSaveLoadMultiInput(t *testing.T) {
	b := device.MustCPU()
	dnn, err := NewDenseNet(&config.Network{
		Name:       "multi_input_dnn",
		DenseUnits: []int{20},
		NumClasses: 3,
	}, b, newConv1D(t, b), newConv2D(t, b))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, Save(dnn, path))

	loaded, err := Load(path, b)
	require.NoError(t, err)
	require.IsType(t, &DenseNet{}, loaded)
	assert.Equal(t, dnn.InDim(), loaded.InDim())
	assert.Equal(t, dnn.OutDim(), loaded.OutDim())
	assert.Equal(t, 2, loaded.NumInputs())

	want := dnn.StateDict()
	got := loaded.StateDict()
	require.Len(t, got, len(want))
	for k, v := range want {
		require.Contains(t, got, k)
		assert.Equal(t, v.AsFloat32(), got[k].AsFloat32(), k)
	}

	inputs := dnnInputs(t, b, 2)
	assert.InDeltaSlice(t, dnn.Predict(inputs).Data(), loaded.Predict(inputs).Data(), 1e-6)
}

func TestSaveLoadConvNet(t *testing.T) {
	b := device.MustCPU()
	cfg := conv2DConfig()
	cfg.NumClasses = 4
	cfg.Norm = "batch"
	net, err := NewConvNet(cfg, b)
	require.NoError(t, err)

	// Train briefly so the batch norm running statistics move.
	labels := []float32{0, 1, 2, 3}
	loader, err := datasets.NewLoader(datasets.Filled([]int{1, 28, 28}, 4, 0.5, labels), datasets.LoaderOptions{BatchSize: 4})
	require.NoError(t, err)
	_, err = net.Fit(context.Background(), loader, nil, 1)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "conv.born")
	require.NoError(t, Save(net, path))
	loaded, err := Load(path, b)
	require.NoError(t, err)
	require.IsType(t, &ConvNet{}, loaded)

	x := randomInput(t, b, 9, 2, 1, 28, 28)
	assert.InDeltaSlice(t, net.Predict([]*device.Tensor{x}).Data(), loaded.Predict([]*device.Tensor{x}).Data(), 1e-5)
}

func TestLoadErrors(t *testing.T) {
	b := device.MustCPU()
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.born"), b)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	junk := filepath.Join(dir, "junk.born")
	require.NoError(t, os.WriteFile(junk, []byte("not a model"), 0o600))
	_, err = Load(junk, b)
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))

	assert.True(t, domain.IsKind(Save(nil, filepath.Join(dir, "nil.born")), domain.KindUnsupportedNetwork))
}

func TestBuild(t *testing.T) {
	b := device.MustCPU()
	cfg, err := config.Load("../config/testdata/multi_input_cnn.yaml")
	require.NoError(t, err)

	net, err := Build(cfg, b)
	require.NoError(t, err)
	require.IsType(t, &ConvNet{}, net)
	require.Len(t, net.InputNetworks(), 2)
	assert.Equal(t, 3, net.NumInputs())
	assert.Equal(t, []int{65, 50, 1}, net.InDim())

	dnn, ok := net.InputNetwork("multi_input_dnn")
	require.True(t, ok)
	assert.Equal(t, config.TypeDense, dnn.Type())
	// conv1D (24, 6) flattened plus the dense input's 8 features.
	assert.Equal(t, []int{24*6 + 8}, dnn.InDim())

	var leaves []string
	for _, l := range Leaves(net) {
		leaves = append(leaves, l.Name())
	}
	assert.Equal(t, []string{"conv2D_net", "conv1D_net", "dense_in"}, leaves)

	bad := cfg.Clone()
	bad.Type = "rnn"
	_, err = Build(bad, b)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedNetwork))
}
