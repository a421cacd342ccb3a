// Package activations maps configuration names to differentiable activation
// functions built from Born tape operations.
package activations

import (
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

// Func applies an activation elementwise (softmax works over dim 1).
type Func func(x *device.Tensor) *device.Tensor

// Activation names accepted in unit and network configs.
const (
	ReLU     = "relu"
	SELU     = "selu"
	ELU      = "elu"
	Sigmoid  = "sigmoid"
	Tanh     = "tanh"
	Softmax  = "softmax"
	Identity = "none"
)

// SELU constants from Klambauer et al., "Self-Normalizing Neural Networks".
const (
	SELUAlpha = 1.6732632423543772
	SELUScale = 1.0507009873554805
)

// Normalize canonicalizes an activation name. The empty name selects ReLU.
func Normalize(name string) string {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "":
		return ReLU
	case "identity", "linear":
		return Identity
	default:
		return n
	}
}

// Lookup returns the activation registered under name.
func Lookup(name string) (Func, error) {
	switch Normalize(name) {
	case ReLU:
		return relu, nil
	case SELU:
		return selu, nil
	case ELU:
		return elu, nil
	case Sigmoid:
		return sigmoid, nil
	case Tanh:
		return tanh, nil
	case Softmax:
		return softmax, nil
	case Identity:
		return identity, nil
	default:
		return nil, domain.Errorf("activations.lookup", domain.KindInvalidConfig, name, "unknown activation %q", name)
	}
}

// IsReLU reports whether guided backprop should clamp gradients flowing
// through this activation.
func IsReLU(name string) bool {
	return Normalize(name) == ReLU
}

// IsSELU reports whether name selects the self-normalizing activation.
func IsSELU(name string) bool {
	return Normalize(name) == SELU
}

func relu(x *device.Tensor) *device.Tensor {
	return nn.NewReLU[*device.Backend]().Forward(x)
}

func sigmoid(x *device.Tensor) *device.Tensor {
	return nn.NewSigmoid[*device.Backend]().Forward(x)
}

func tanh(x *device.Tensor) *device.Tensor {
	return nn.NewTanh[*device.Backend]().Forward(x)
}

// softmax normalizes over dim 1. Rows are shifted by their maximum first;
// the result is invariant to the shift so the gradient stays exact.
func softmax(x *device.Tensor) *device.Tensor {
	shape := x.Shape()
	if len(shape) != 2 {
		return x.Softmax(1)
	}
	b := x.Backend()
	n, c := shape[0], shape[1]
	data := x.Data()
	shift := make([]float32, n)
	for i := 0; i < n; i++ {
		m := data[i*c]
		for _, v := range data[i*c+1 : (i+1)*c] {
			m = max(m, v)
		}
		shift[i] = m
	}
	offset, err := device.FromSlice(shift, tensor.Shape{n, 1}, b)
	if err != nil {
		panic(err)
	}

	e := x.Sub(offset).Exp()
	sum := e.MatMul(device.Constant(tensor.Shape{c, 1}, 1, b))
	return e.Div(sum)
}

func identity(x *device.Tensor) *device.Tensor {
	return x
}

func selu(x *device.Tensor) *device.Tensor {
	return expLinear(x, SELUAlpha, SELUScale)
}

func elu(x *device.Tensor) *device.Tensor {
	return expLinear(x, 1, 1)
}

// expLinear computes scale * (x > 0 ? x : alpha*(exp(x)-1)). The exponent
// only ever sees min(x, 0), so the unused branch cannot overflow.
func expLinear(x *device.Tensor, alpha, scale float32) *device.Tensor {
	b := x.Backend()
	shape := x.Shape()
	zeros := tensor.Zeros[float32](shape, b)
	positive := x.Greater(zeros)

	negative := tensor.Where(positive, zeros, x)
	decayed := negative.Exp().
		Sub(device.Constant(shape, 1, b)).
		Mul(device.Constant(shape, alpha, b))

	out := tensor.Where(positive, x, decayed)
	if scale == 1 {
		return out
	}
	return out.Mul(device.Constant(shape, scale, b))
}
