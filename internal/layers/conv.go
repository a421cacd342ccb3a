package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

// ConvUnitConfig configures a 1D, 2D or 3D convolutional unit.
type ConvUnitConfig struct {
	BaseConfig
	ConvDim     int
	InChannels  int
	OutChannels int
	// KernelSize holds one size per spatial dim. A single value is used
	// for every dim.
	KernelSize []int
	Stride     int
	Padding    int
	PoolSize   int
}

// ConvUnit is conv -> batch norm -> activation -> max pool -> dropout.
type ConvUnit struct {
	BaseUnit
	convDim     int
	inChannels  int
	outChannels int
	kernelSize  []int
	stride      int
	padding     int
	poolSize    int
	weight      *device.Parameter
	bias        *device.Parameter
}

// NewConvUnit validates cfg and creates an initialized unit.
func NewConvUnit(cfg ConvUnitConfig, b *device.Backend) (*ConvUnit, error) {
	const op = "layers.new_conv_unit"
	if cfg.ConvDim < 1 || cfg.ConvDim > 3 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, cfg.Name, "conv_dim must be 1, 2 or 3, got %d", cfg.ConvDim)
	}
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, cfg.Name,
			"channels must be positive, got in=%d out=%d", cfg.InChannels, cfg.OutChannels)
	}
	kernel, err := expandKernel(cfg.KernelSize, cfg.ConvDim)
	if err != nil {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, cfg.Name, "%v", err)
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Stride < 0 || cfg.Padding < 0 || cfg.PoolSize < 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, cfg.Name,
			"stride, padding and pool_size must not be negative")
	}
	if err := checkNorm(cfg.Norm, cfg.Name); err != nil {
		return nil, err
	}
	base, err := newBaseUnit(op, cfg.BaseConfig, b)
	if err != nil {
		return nil, err
	}
	if cfg.Norm != "" {
		base.norm = NewBatchNorm(cfg.OutChannels, b)
	}

	wshape := append(tensor.Shape{cfg.OutChannels, cfg.InChannels}, kernel...)
	u := &ConvUnit{
		BaseUnit:    base,
		convDim:     cfg.ConvDim,
		inChannels:  cfg.InChannels,
		outChannels: cfg.OutChannels,
		kernelSize:  kernel,
		stride:      cfg.Stride,
		padding:     cfg.Padding,
		poolSize:    cfg.PoolSize,
		weight:      nn.NewParameter("weight", tensor.Zeros[float32](wshape, b)),
		bias:        nn.NewParameter("bias", tensor.Zeros[float32](tensor.Shape{cfg.OutChannels}, b)),
	}
	u.InitWeights()
	u.InitBias()
	return u, nil
}

func expandKernel(sizes []int, dim int) ([]int, error) {
	switch len(sizes) {
	case 0:
		return nil, fmt.Errorf("kernel_size is required")
	case 1:
		out := make([]int, dim)
		for i := range out {
			out[i] = sizes[0]
		}
		sizes = out
	case dim:
		sizes = append([]int(nil), sizes...)
	default:
		return nil, fmt.Errorf("kernel_size has %d values for a %dD convolution", len(sizes), dim)
	}
	for _, k := range sizes {
		if k <= 0 {
			return nil, fmt.Errorf("kernel_size must be positive, got %v", sizes)
		}
	}
	return sizes, nil
}

// ConvDim returns the number of spatial dims.
func (u *ConvUnit) ConvDim() int { return u.convDim }

// InChannels returns the expected input channel count.
func (u *ConvUnit) InChannels() int { return u.inChannels }

// OutChannels returns the produced channel count.
func (u *ConvUnit) OutChannels() int { return u.outChannels }

// KernelSize returns the kernel extent per spatial dim.
func (u *ConvUnit) KernelSize() []int { return append([]int(nil), u.kernelSize...) }

// Stride returns the convolution stride.
func (u *ConvUnit) Stride() int { return u.stride }

// Padding returns the symmetric zero padding.
func (u *ConvUnit) Padding() int { return u.padding }

// PoolSize returns the max pool window, 0 when pooling is off.
func (u *ConvUnit) PoolSize() int { return u.poolSize }

// Weight returns the kernel [out, in, k...].
func (u *ConvUnit) Weight() *device.Parameter { return u.weight }

// Bias returns the bias [out].
func (u *ConvUnit) Bias() *device.Parameter { return u.bias }

// InitWeights re-draws the kernel with the unit's weight initializer.
func (u *ConvUnit) InitWeights() { u.initWeights(u.weight) }

// InitBias re-draws the bias with the unit's bias initializer.
func (u *ConvUnit) InitBias() { u.initBias(u.bias, u.weight) }

// SetInChannels rebuilds the kernel for a new input channel count and
// re-initializes it. Networks use it when input networks change.
func (u *ConvUnit) SetInChannels(channels int) {
	if channels == u.inChannels {
		return
	}
	wshape := append(tensor.Shape{u.outChannels, channels}, u.kernelSize...)
	u.inChannels = channels
	u.weight = nn.NewParameter("weight", tensor.Zeros[float32](wshape, u.backend))
	u.InitWeights()
	u.InitBias()
}

// OutputShape maps (C, spatial...) to the unit's output (C', spatial'...).
func (u *ConvUnit) OutputShape(in []int) []int {
	out := make([]int, 0, len(in))
	out = append(out, u.outChannels)
	for i, d := range in[1:] {
		o := (d+2*u.padding-u.kernelSize[i])/u.stride + 1
		if u.poolSize > 0 {
			o /= u.poolSize
		}
		out = append(out, o)
	}
	return out
}

// Forward maps [N, C, spatial...] to [N, C', spatial'...].
func (u *ConvUnit) Forward(x *device.Tensor) *device.Tensor {
	return u.post(u.transform(x), u.pool())
}

func (u *ConvUnit) transform(x *device.Tensor) *device.Tensor {
	shape := x.Shape()
	if len(shape) != u.convDim+2 || shape[1] != u.inChannels {
		panic(fmt.Sprintf("conv unit %s: expected [N, %d, %dD spatial] input, got %v",
			u.name, u.inChannels, u.convDim, shape))
	}
	for i, k := range u.kernelSize {
		if shape[i+2]+2*u.padding < k {
			panic(fmt.Sprintf("conv unit %s: spatial dims %v smaller than kernel %v", u.name, shape[2:], u.kernelSize))
		}
	}

	w, b := u.weight.Tensor(), u.bias.Tensor()
	var y *device.Tensor
	switch u.convDim {
	case 1:
		y = conv1d(x, w, b, u.stride, u.padding)
	case 2:
		y = conv2d(x, w, b, u.stride, u.padding)
	default:
		y = conv3d(x, w, b, u.stride, u.padding)
	}
	return u.normalize(y)
}

func (u *ConvUnit) pool() func(*device.Tensor) *device.Tensor {
	if u.poolSize <= 1 {
		return nil
	}
	k := u.poolSize
	switch u.convDim {
	case 1:
		return func(x *device.Tensor) *device.Tensor { return pool1d(x, k) }
	case 2:
		return func(x *device.Tensor) *device.Tensor { return pool2d(x, k) }
	default:
		return func(x *device.Tensor) *device.Tensor { return pool3d(x, k) }
	}
}

// Stages splits Forward at the activation.
func (u *ConvUnit) Stages() []Stage {
	pool := u.pool()
	return []Stage{
		{Name: StageKernel, Forward: u.transform},
		{Name: StageActivation, Activation: u.activation, Forward: func(x *device.Tensor) *device.Tensor {
			return u.post(x, pool)
		}},
	}
}

// Parameters returns kernel, bias and norm parameters.
func (u *ConvUnit) Parameters() []*device.Parameter {
	params := []*device.Parameter{u.weight, u.bias}
	if u.norm != nil {
		params = append(params, u.norm.Parameters()...)
	}
	return params
}

// StateDict returns the unit tensors by local name.
func (u *ConvUnit) StateDict() map[string]*tensor.RawTensor {
	return u.stateDict(u.weight, u.bias)
}

// LoadStateDict copies tensors into the unit.
func (u *ConvUnit) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return u.loadStateDict(state, u.weight, u.bias)
}

func (u *ConvUnit) String() string {
	return fmt.Sprintf("ConvUnit(%s, %dD, in=%d, out=%d, kernel=%v, stride=%d, padding=%d, pool=%d, activation=%s, dropout=%g)",
		u.name, u.convDim, u.inChannels, u.outChannels, u.kernelSize, u.stride, u.padding, u.poolSize, u.activation, u.dropout)
}
