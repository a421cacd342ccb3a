package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

// DenseUnitConfig configures a fully connected unit.
type DenseUnitConfig struct {
	BaseConfig
	InFeatures  int
	OutFeatures int
}

// DenseUnit is linear -> batch norm -> activation -> dropout over [N, in].
type DenseUnit struct {
	BaseUnit
	kernel *nn.Linear[*device.Backend]
}

// NewDenseUnit creates a dense unit and initializes its kernel.
func NewDenseUnit(cfg DenseUnitConfig, b *device.Backend) (*DenseUnit, error) {
	if cfg.InFeatures <= 0 || cfg.OutFeatures <= 0 {
		return nil, domain.Errorf("layers.new_dense_unit", domain.KindInvalidConfig, cfg.Name,
			"features must be positive, got in=%d out=%d", cfg.InFeatures, cfg.OutFeatures)
	}
	base, err := newBaseUnit("layers.new_dense_unit", cfg.BaseConfig, b)
	if err != nil {
		return nil, err
	}
	if err := checkNorm(cfg.Norm, cfg.Name); err != nil {
		return nil, err
	}
	if cfg.Norm != "" {
		base.norm = NewBatchNorm(cfg.OutFeatures, b)
	}

	u := &DenseUnit{
		BaseUnit: base,
		kernel:   nn.NewLinear(cfg.InFeatures, cfg.OutFeatures, b),
	}
	u.InitWeights()
	u.InitBias()
	return u, nil
}

// InFeatures returns the input width.
func (u *DenseUnit) InFeatures() int { return u.kernel.InFeatures() }

// OutFeatures returns the output width.
func (u *DenseUnit) OutFeatures() int { return u.kernel.OutFeatures() }

// Weight returns the kernel weight [out, in].
func (u *DenseUnit) Weight() *device.Parameter { return u.kernel.Weight() }

// Bias returns the kernel bias [out].
func (u *DenseUnit) Bias() *device.Parameter { return u.kernel.Bias() }

// InitWeights re-draws the kernel weight with the unit's weight initializer.
func (u *DenseUnit) InitWeights() { u.initWeights(u.Weight()) }

// InitBias re-draws the kernel bias with the unit's bias initializer.
func (u *DenseUnit) InitBias() { u.initBias(u.Bias(), u.Weight()) }

// Forward maps [N, in] to [N, out].
func (u *DenseUnit) Forward(x *device.Tensor) *device.Tensor {
	return u.post(u.transform(x), nil)
}

func (u *DenseUnit) transform(x *device.Tensor) *device.Tensor {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != u.InFeatures() {
		panic(fmt.Sprintf("dense unit %s: expected [N, %d] input, got %v", u.name, u.InFeatures(), shape))
	}
	return u.normalize(u.kernel.Forward(x))
}

// Stages splits Forward at the activation.
func (u *DenseUnit) Stages() []Stage {
	return []Stage{
		{Name: StageKernel, Forward: u.transform},
		{Name: StageActivation, Activation: u.activation, Forward: func(x *device.Tensor) *device.Tensor {
			return u.post(x, nil)
		}},
	}
}

// OutputShape returns (out) for any input shape.
func (u *DenseUnit) OutputShape([]int) []int { return []int{u.OutFeatures()} }

// Parameters returns kernel and norm parameters.
func (u *DenseUnit) Parameters() []*device.Parameter {
	params := u.kernel.Parameters()
	if u.norm != nil {
		params = append(params, u.norm.Parameters()...)
	}
	return params
}

// StateDict returns the unit tensors by local name.
func (u *DenseUnit) StateDict() map[string]*tensor.RawTensor {
	return u.stateDict(u.Weight(), u.Bias())
}

// LoadStateDict copies tensors into the unit.
func (u *DenseUnit) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return u.loadStateDict(state, u.Weight(), u.Bias())
}

func (u *DenseUnit) String() string {
	return fmt.Sprintf("DenseUnit(%s, in=%d, out=%d, activation=%s, dropout=%g)",
		u.name, u.InFeatures(), u.OutFeatures(), u.activation, u.dropout)
}

func checkNorm(norm, name string) error {
	switch norm {
	case "", "batch", "batch_norm":
		return nil
	default:
		return domain.Errorf("layers.norm", domain.KindInvalidConfig, name, "unknown norm %q", norm)
	}
}
