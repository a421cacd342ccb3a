// Package layers implements the dense and convolutional units networks are
// assembled from.
//
// A unit runs kernel -> normalization -> activation -> pooling -> dropout.
// The same pipeline is exposed as a list of stages so a network can replay
// each step on its own during staged backward passes.
package layers

import (
	"math/rand/v2"
	"strings"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/activations"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/initializers"
)

// Stage names reported in hook callbacks.
const (
	StageKernel     = "kernel"
	StageActivation = "activation"
)

// Stage is one replayable step of a forward pass. Activation is set when the
// stage is headed by an activation function.
type Stage struct {
	Name       string
	Activation string
	Forward    func(x *device.Tensor) *device.Tensor
}

// Unit is a building block of dense and convolutional networks.
type Unit interface {
	Name() string
	Forward(x *device.Tensor) *device.Tensor
	Stages() []Stage
	OutputShape(in []int) []int

	Parameters() []*device.Parameter
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error

	InitWeights()
	InitBias()
	SetTraining(training bool)
	Training() bool
}

// BaseConfig holds the options every unit shares.
type BaseConfig struct {
	Name        string
	Activation  string
	Initializer string
	BiasInit    string
	Norm        string
	Dropout     float64
	Seed        uint64
}

// BaseUnit carries the state shared by dense and convolutional units.
type BaseUnit struct {
	name       string
	activation string
	act        activations.Func
	weightInit string
	biasInit   string
	dropout    float64
	drop       dropper
	norm       *BatchNorm
	training   bool
	src        rand.Source
	backend    *device.Backend
}

func newBaseUnit(op string, cfg BaseConfig, b *device.Backend) (BaseUnit, error) {
	if b == nil {
		return BaseUnit{}, domain.Errorf(op, domain.KindDevice, cfg.Name, "backend is nil")
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return BaseUnit{}, domain.Errorf(op, domain.KindInvalidConfig, cfg.Name,
			"dropout must be in [0, 1), got %v", cfg.Dropout)
	}
	act, err := activations.Lookup(cfg.Activation)
	if err != nil {
		return BaseUnit{}, err
	}

	// A SELU unit without explicit initializers is self-normalizing.
	selu := activations.IsSELU(cfg.Activation)
	if selu && cfg.Initializer == "" && cfg.BiasInit == "" {
		cfg.Initializer = initializers.SELU
		cfg.BiasInit = initializers.SELU
	}
	if !initializers.Valid(cfg.Initializer) || !initializers.Valid(cfg.BiasInit) {
		return BaseUnit{}, domain.Errorf(op, domain.KindInvalidConfig, cfg.Name,
			"unknown initializer %q / %q", cfg.Initializer, cfg.BiasInit)
	}

	src := initializers.NewSource(cfg.Seed)
	u := BaseUnit{
		name:       cfg.Name,
		activation: activations.Normalize(cfg.Activation),
		act:        act,
		weightInit: cfg.Initializer,
		biasInit:   cfg.BiasInit,
		dropout:    cfg.Dropout,
		training:   true,
		src:        src,
		backend:    b,
	}
	if cfg.Dropout > 0 {
		rng := rand.New(src)
		if selu {
			u.drop = NewAlphaDropout(cfg.Dropout, rng)
		} else {
			u.drop = NewDropout(cfg.Dropout, rng)
		}
	}
	return u, nil
}

// Name returns the unit name.
func (u *BaseUnit) Name() string { return u.name }

// Activation returns the canonical activation name.
func (u *BaseUnit) Activation() string { return u.activation }

// DropoutRate returns the configured dropout probability.
func (u *BaseUnit) DropoutRate() float64 { return u.dropout }

// WeightInit returns the weight initializer name.
func (u *BaseUnit) WeightInit() string { return u.weightInit }

// BiasInit returns the bias initializer name.
func (u *BaseUnit) BiasInit() string { return u.biasInit }

// SetWeightInit changes the initializer used by the next InitWeights call.
func (u *BaseUnit) SetWeightInit(name string) error {
	if !initializers.Valid(name) {
		return domain.Errorf("layers.set_weight_init", domain.KindInvalidConfig, u.name, "unknown initializer %q", name)
	}
	u.weightInit = name
	return nil
}

// SetBiasInit changes the initializer used by the next InitBias call.
func (u *BaseUnit) SetBiasInit(name string) error {
	if !initializers.Valid(name) {
		return domain.Errorf("layers.set_bias_init", domain.KindInvalidConfig, u.name, "unknown initializer %q", name)
	}
	u.biasInit = name
	return nil
}

// SetTraining switches dropout and batch norm between train and eval behaviour.
func (u *BaseUnit) SetTraining(training bool) {
	u.training = training
	if u.norm != nil {
		u.norm.SetTraining(training)
	}
	if u.drop != nil {
		u.drop.SetTraining(training)
	}
}

// Training reports whether the unit is in training mode.
func (u *BaseUnit) Training() bool { return u.training }

func (u *BaseUnit) initWeights(p *device.Parameter) {
	fn, _ := initializers.Weight(u.weightInit)
	fn(p.Tensor().Data(), initializers.FanOf(p.Tensor().Shape()), u.src)
}

func (u *BaseUnit) initBias(p, weight *device.Parameter) {
	fn, _ := initializers.Bias(u.biasInit)
	fn(p.Tensor().Data(), initializers.FanOf(weight.Tensor().Shape()), u.src)
}

// post runs activation, the optional pool and dropout.
func (u *BaseUnit) post(x *device.Tensor, pool func(*device.Tensor) *device.Tensor) *device.Tensor {
	x = u.act(x)
	if pool != nil {
		x = pool(x)
	}
	if u.drop != nil {
		x = u.drop.Forward(x)
	}
	return x
}

func (u *BaseUnit) normalize(x *device.Tensor) *device.Tensor {
	if u.norm == nil {
		return x
	}
	return u.norm.Forward(x)
}

func (u *BaseUnit) stateDict(weight, bias *device.Parameter) map[string]*tensor.RawTensor {
	state := map[string]*tensor.RawTensor{
		"weight": weight.Tensor().Raw(),
		"bias":   bias.Tensor().Raw(),
	}
	if u.norm != nil {
		for k, v := range u.norm.StateDict() {
			state["norm."+k] = v
		}
	}
	return state
}

func (u *BaseUnit) loadStateDict(state map[string]*tensor.RawTensor, weight, bias *device.Parameter) error {
	if err := copyInto(u.name+".weight", weight.Tensor(), state["weight"]); err != nil {
		return err
	}
	if err := copyInto(u.name+".bias", bias.Tensor(), state["bias"]); err != nil {
		return err
	}
	if u.norm != nil {
		sub := make(map[string]*tensor.RawTensor)
		for k, v := range state {
			if rest, ok := strings.CutPrefix(k, "norm."); ok {
				sub[rest] = v
			}
		}
		if err := u.norm.LoadStateDict(sub); err != nil {
			return err
		}
	}
	return nil
}

// copyInto overwrites dst in place so the tensor identity survives a load.
func copyInto(name string, dst *device.Tensor, src *tensor.RawTensor) error {
	if src == nil {
		return domain.Errorf("layers.load_state_dict", domain.KindNotFound, name, "missing tensor")
	}
	if !src.Shape().Equal(dst.Shape()) {
		return domain.Errorf("layers.load_state_dict", domain.KindShapeMismatch, name,
			"expected shape %v, got %v", dst.Shape(), src.Shape())
	}
	copy(dst.Data(), src.AsFloat32())
	return nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
