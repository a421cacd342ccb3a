package layers

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
)

const (
	bnMomentum = 0.1
	bnEpsilon  = 1e-5
)

// BatchNorm normalizes features (dense input [N, F]) or channels (conv input
// [N, C, ...]). Training uses batch statistics and updates the running
// estimates; eval uses the running estimates.
type BatchNorm struct {
	features    int
	gamma       *device.Parameter
	beta        *device.Parameter
	runningMean []float32
	runningVar  []float32
	training    bool
}

// NewBatchNorm creates a batch norm over features channels with gamma=1, beta=0.
func NewBatchNorm(features int, b *device.Backend) *BatchNorm {
	runningVar := make([]float32, features)
	for i := range runningVar {
		runningVar[i] = 1
	}
	return &BatchNorm{
		features:    features,
		gamma:       nn.NewParameter("gamma", tensor.Ones[float32](tensor.Shape{features}, b)),
		beta:        nn.NewParameter("beta", tensor.Zeros[float32](tensor.Shape{features}, b)),
		runningMean: make([]float32, features),
		runningVar:  runningVar,
		training:    true,
	}
}

// SetTraining selects batch or running statistics.
func (bn *BatchNorm) SetTraining(training bool) { bn.training = training }

// Parameters returns gamma and beta.
func (bn *BatchNorm) Parameters() []*device.Parameter {
	return []*device.Parameter{bn.gamma, bn.beta}
}

// Forward normalizes along dim 1.
func (bn *BatchNorm) Forward(x *device.Tensor) *device.Tensor {
	shape := x.Shape()
	if len(shape) < 2 || shape[1] != bn.features {
		panic(fmt.Sprintf("batchnorm: expected %d features on dim 1, got shape %v", bn.features, shape))
	}
	if len(shape) == 2 {
		return bn.forward2D(x)
	}

	// Move channels last, normalize rows, move them back.
	rank := len(shape)
	toLast := make([]int, 0, rank)
	toLast = append(toLast, 0)
	for i := 2; i < rank; i++ {
		toLast = append(toLast, i)
	}
	toLast = append(toLast, 1)
	fromLast := make([]int, rank)
	for i, ax := range toLast {
		fromLast[ax] = i
	}

	moved := x.Transpose(toLast...)
	movedShape := moved.Shape()
	rows := moved.Reshape(numElements(movedShape)/bn.features, bn.features)
	y := bn.forward2D(rows)
	return y.Reshape(movedShape...).Transpose(fromLast...)
}

func (bn *BatchNorm) forward2D(x *device.Tensor) *device.Tensor {
	b := x.Backend()
	n := x.Shape()[0]
	gamma := bn.gamma.Tensor().Reshape(1, bn.features)
	beta := bn.beta.Tensor().Reshape(1, bn.features)

	if !bn.training {
		mean := make([]float32, bn.features)
		inv := make([]float32, bn.features)
		for i := range mean {
			mean[i] = bn.runningMean[i]
			inv[i] = float32(1 / math.Sqrt(float64(bn.runningVar[i])+bnEpsilon))
		}
		shape := tensor.Shape{1, bn.features}
		return x.Sub(constant(mean, shape, b)).Mul(constant(inv, shape, b)).Mul(gamma).Add(beta)
	}

	avg := device.Constant(tensor.Shape{1, n}, 1/float32(n), b)
	mean := avg.MatMul(x)
	centered := x.Sub(mean)
	variance := avg.MatMul(centered.Mul(centered))
	std := variance.Add(device.Constant(tensor.Shape{1, bn.features}, bnEpsilon, b)).Sqrt()
	out := centered.Div(std).Mul(gamma).Add(beta)

	bn.track(mean.Data(), variance.Data(), n)
	return out
}

func (bn *BatchNorm) track(mean, variance []float32, n int) {
	unbias := float32(1)
	if n > 1 {
		unbias = float32(n) / float32(n-1)
	}
	for i := range bn.runningMean {
		bn.runningMean[i] = (1-bnMomentum)*bn.runningMean[i] + bnMomentum*mean[i]
		bn.runningVar[i] = (1-bnMomentum)*bn.runningVar[i] + bnMomentum*variance[i]*unbias
	}
}

// StateDict returns learnable parameters and running buffers.
func (bn *BatchNorm) StateDict() map[string]*tensor.RawTensor {
	b := bn.gamma.Tensor().Backend()
	shape := tensor.Shape{bn.features}
	return map[string]*tensor.RawTensor{
		"gamma":        bn.gamma.Tensor().Raw(),
		"beta":         bn.beta.Tensor().Raw(),
		"running_mean": constant(append([]float32(nil), bn.runningMean...), shape, b).Raw(),
		"running_var":  constant(append([]float32(nil), bn.runningVar...), shape, b).Raw(),
	}
}

// LoadStateDict restores parameters and running buffers.
func (bn *BatchNorm) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := copyInto("norm.gamma", bn.gamma.Tensor(), state["gamma"]); err != nil {
		return err
	}
	if err := copyInto("norm.beta", bn.beta.Tensor(), state["beta"]); err != nil {
		return err
	}
	b := bn.gamma.Tensor().Backend()
	shape := tensor.Shape{bn.features}
	mean := tensor.Zeros[float32](shape, b)
	variance := tensor.Zeros[float32](shape, b)
	if err := copyInto("norm.running_mean", mean, state["running_mean"]); err != nil {
		return err
	}
	if err := copyInto("norm.running_var", variance, state["running_var"]); err != nil {
		return err
	}
	copy(bn.runningMean, mean.Data())
	copy(bn.runningVar, variance.Data())
	return nil
}
