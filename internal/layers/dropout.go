package layers

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/activations"
	"github.com/born-ml/vulcan/internal/device"
)

type dropper interface {
	Forward(x *device.Tensor) *device.Tensor
	SetTraining(training bool)
}

// Dropout zeroes activations with probability P and rescales the survivors
// by 1/(1-P). It is the identity in eval mode.
type Dropout struct {
	P        float64
	training bool
	rng      *rand.Rand
}

// NewDropout creates an inverted dropout layer drawing masks from rng.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, training: true, rng: rng}
}

// SetTraining toggles masking.
func (d *Dropout) SetTraining(training bool) { d.training = training }

// Forward multiplies x by a freshly drawn constant mask.
func (d *Dropout) Forward(x *device.Tensor) *device.Tensor {
	if !d.training || d.P == 0 {
		return x
	}
	shape := x.Shape()
	mask := make([]float32, numElements(shape))
	scale := float32(1 / (1 - d.P))
	for i := range mask {
		if d.rng.Float64() >= d.P {
			mask[i] = scale
		}
	}
	return x.Mul(constant(mask, shape, x.Backend()))
}

// AlphaDropout keeps the mean and variance of SELU activations: dropped
// units are set to the SELU saturation value and the result is affinely
// corrected.
type AlphaDropout struct {
	P        float64
	training bool
	rng      *rand.Rand
}

// NewAlphaDropout creates a SELU-preserving dropout layer.
func NewAlphaDropout(p float64, rng *rand.Rand) *AlphaDropout {
	return &AlphaDropout{P: p, training: true, rng: rng}
}

// SetTraining toggles masking.
func (d *AlphaDropout) SetTraining(training bool) { d.training = training }

// Forward computes a*(x*m + alpha'*(1-m)) + b with alpha' = -lambda*alpha.
func (d *AlphaDropout) Forward(x *device.Tensor) *device.Tensor {
	if !d.training || d.P == 0 {
		return x
	}
	alphaP := -activations.SELUScale * activations.SELUAlpha
	q := 1 - d.P
	a := 1 / math.Sqrt(q+alphaP*alphaP*q*d.P)
	b := -a * alphaP * d.P

	shape := x.Shape()
	scale := make([]float32, numElements(shape))
	shift := make([]float32, len(scale))
	for i := range scale {
		if d.rng.Float64() >= d.P {
			scale[i] = float32(a)
			shift[i] = float32(b)
		} else {
			shift[i] = float32(a*alphaP + b)
		}
	}
	backend := x.Backend()
	return x.Mul(constant(scale, shape, backend)).Add(constant(shift, shape, backend))
}

func constant(data []float32, shape tensor.Shape, b *device.Backend) *device.Tensor {
	t, err := device.FromSlice(data, shape, b)
	if err != nil {
		panic(err)
	}
	return t
}
