// Package models assembles units into dense and convolutional networks that
// can consume the outputs of other networks, and trains, evaluates,
// inspects and persists them.
package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/activations"
	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/layers"
	"github.com/born-ml/vulcan/internal/metrics"
)

// Network is implemented by *DenseNet and *ConvNet only.
type Network interface {
	nn.Module[*device.Backend]

	Name() string
	Type() string
	InDim() []int
	OutDim() []int
	NumClasses() int
	NumInputs() int

	InputNetworks() []Network
	InputNetwork(name string) (Network, bool)
	AddInputNetwork(net Network) error

	ForwardInputs(inputs []*device.Tensor) *device.Tensor
	Predict(inputs []*device.Tensor) *device.Tensor
	Units() []layers.Unit
	Head() *layers.DenseUnit

	SetTraining(training bool)
	Training() bool
	Config() *config.Network
	Backend() *device.Backend

	RegisterBackwardHook(hook BackwardHook) *HookHandle
	Backprop(inputs []*device.Tensor, gradOut *device.Tensor) ([]*device.Tensor, error)

	Fit(ctx context.Context, train, val *datasets.Loader, epochs int, opts ...FitOption) (*History, error)
	Evaluate(ctx context.Context, loader *datasets.Loader) (*metrics.Report, error)
	ForwardPass(ctx context.Context, loader *datasets.Loader, convertToClass bool) ([][]float32, error)
	History() *History

	base() *BaseNetwork
}

// architecture is the part of a network that differs between dense and
// convolutional networks.
type architecture interface {
	// mergedDim derives the per-sample input shape from input network outputs.
	mergedDim(outs [][]int) []int
	// merge combines input network outputs into this network's input.
	merge(outs []*device.Tensor) *device.Tensor
	entryStages() []layers.Stage
	// build creates every unit and the head for inDim.
	build(inDim []int) error
	// adapt resizes the first unit for a new input shape.
	adapt(inDim []int) error
}

// pipeStage is a layers.Stage tagged with the unit it belongs to.
type pipeStage struct {
	unit  string
	stage layers.Stage
	first bool
}

// BaseNetwork holds the state and behaviour shared by every network.
type BaseNetwork struct {
	self     Network
	arch     architecture
	cfg      *config.Network
	backend  *device.Backend
	inputs   []Network
	byName   map[string]int
	inDim    []int
	outDim   []int
	units    []layers.Unit
	head     *layers.DenseUnit
	predAct  activations.Func
	training bool
	hooks    hookRegistry
	history  *History
}

type archNetwork interface {
	Network
	architecture
}

func (n *BaseNetwork) init(kind string, cfg *config.Network, b *device.Backend, self archNetwork, inputs []Network) error {
	op := "models.new_" + kind + "_net"
	if cfg == nil {
		return domain.Errorf(op, domain.KindInvalidConfig, "", "config is nil")
	}
	if b == nil {
		return domain.Errorf(op, domain.KindDevice, cfg.Name, "backend is nil")
	}

	c := cfg.Clone()
	if c.Type == "" {
		c.Type = kind
	}
	c.InputNetworks = nil
	for _, in := range inputs {
		if !recognized(in) {
			return domain.Errorf(op, domain.KindUnsupportedNetwork, cfg.Name, "input network is not a recognized network type")
		}
		c.InputNetworks = append(c.InputNetworks, *in.Config())
	}
	c.ApplyDefaults()
	if c.Type != kind {
		return domain.Errorf(op, domain.KindInvalidConfig, c.Name, "config type %q, want %q", c.Type, kind)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	n.self = self
	n.arch = self
	n.cfg = c
	n.backend = b
	n.training = true
	n.byName = make(map[string]int)
	n.history = &History{}
	n.predAct, _ = activations.Lookup(c.PredActivation)
	for _, in := range inputs {
		if err := n.attach(in); err != nil {
			return err
		}
	}

	inDim := c.InDim
	if len(n.inputs) > 0 {
		inDim = n.arch.mergedDim(n.inputOutDims())
	}
	return n.arch.build(inDim)
}

func recognized(net Network) bool {
	switch v := net.(type) {
	case *DenseNet:
		return v != nil
	case *ConvNet:
		return v != nil
	default:
		return false
	}
}

func (n *BaseNetwork) attach(net Network) error {
	name := net.Name()
	if _, dup := n.byName[name]; dup || name == n.cfg.Name {
		return domain.Errorf("models.add_input_network", domain.KindInvalidConfig, n.cfg.Name,
			"duplicate network name %q", name)
	}
	n.byName[name] = len(n.inputs)
	n.inputs = append(n.inputs, net)
	return nil
}

func (n *BaseNetwork) inputOutDims() [][]int {
	dims := make([][]int, len(n.inputs))
	for i, in := range n.inputs {
		dims[i] = in.OutDim()
	}
	return dims
}

func (n *BaseNetwork) base() *BaseNetwork { return n }

// Name returns the network name.
func (n *BaseNetwork) Name() string { return n.cfg.Name }

// Type returns config.TypeDense or config.TypeConv.
func (n *BaseNetwork) Type() string { return n.cfg.Type }

// InDim returns the per-sample input shape. With input networks it is the
// shape of their merged outputs.
func (n *BaseNetwork) InDim() []int { return append([]int(nil), n.inDim...) }

// OutDim returns the per-sample output shape.
func (n *BaseNetwork) OutDim() []int { return append([]int(nil), n.outDim...) }

// NumClasses returns the head width, 0 without a head.
func (n *BaseNetwork) NumClasses() int { return n.cfg.NumClasses }

// NumInputs returns the number of leaf input tensors the network consumes.
func (n *BaseNetwork) NumInputs() int {
	if len(n.inputs) == 0 {
		return 1
	}
	total := 0
	for _, in := range n.inputs {
		total += in.NumInputs()
	}
	return total
}

// InputNetworks returns the input networks in consumption order.
func (n *BaseNetwork) InputNetworks() []Network { return append([]Network(nil), n.inputs...) }

// InputNetwork looks up a direct input network by name.
func (n *BaseNetwork) InputNetwork(name string) (Network, bool) {
	i, ok := n.byName[name]
	if !ok {
		return nil, false
	}
	return n.inputs[i], true
}

// AddInputNetwork appends net to the inputs and resizes the first unit to
// the new merged input.
func (n *BaseNetwork) AddInputNetwork(net Network) error {
	const op = "models.add_input_network"
	if !recognized(net) {
		return domain.Errorf(op, domain.KindUnsupportedNetwork, n.cfg.Name, "network is not a recognized network type")
	}
	leaf := len(n.inputs) == 0
	if err := n.attach(net); err != nil {
		return err
	}
	inDim := n.arch.mergedDim(n.inputOutDims())

	var err error
	if leaf {
		err = n.arch.build(inDim)
	} else {
		err = n.arch.adapt(inDim)
	}
	if err != nil {
		delete(n.byName, net.Name())
		n.inputs = n.inputs[:len(n.inputs)-1]
		return err
	}
	n.cfg.InputNetworks = append(n.cfg.InputNetworks, *net.Config())
	n.cfg.InDim = nil
	n.SetTraining(n.training)
	return nil
}

// Units returns the hidden units in order.
func (n *BaseNetwork) Units() []layers.Unit { return append([]layers.Unit(nil), n.units...) }

// Head returns the classification layer, nil without num_classes.
func (n *BaseNetwork) Head() *layers.DenseUnit { return n.head }

// Config returns a copy of the configuration, input networks included.
func (n *BaseNetwork) Config() *config.Network { return n.cfg.Clone() }

// Backend returns the backend the network computes on.
func (n *BaseNetwork) Backend() *device.Backend { return n.backend }

// History returns the epochs recorded by every Fit call so far.
func (n *BaseNetwork) History() *History { return n.history }

// SetTraining switches the network and its input networks between training
// and evaluation behaviour.
func (n *BaseNetwork) SetTraining(training bool) {
	n.training = training
	for _, in := range n.inputs {
		in.SetTraining(training)
	}
	for _, u := range n.units {
		u.SetTraining(training)
	}
	if n.head != nil {
		n.head.SetTraining(training)
	}
}

// Training reports whether the network is in training mode.
func (n *BaseNetwork) Training() bool { return n.training }

// Forward runs a network with exactly one leaf input.
func (n *BaseNetwork) Forward(x *device.Tensor) *device.Tensor {
	return n.ForwardInputs([]*device.Tensor{x})
}

// ForwardInputs runs the network on one tensor per leaf input, ordered
// depth-first through the input networks. It panics on a wrong count.
func (n *BaseNetwork) ForwardInputs(inputs []*device.Tensor) *device.Tensor {
	if len(inputs) != n.NumInputs() {
		panic(fmt.Sprintf("network %s: expected %d inputs, got %d", n.cfg.Name, n.NumInputs(), len(inputs)))
	}
	return n.forward(inputs, nil)
}

// Predict runs the network in eval mode without recording and applies the
// prediction activation.
func (n *BaseNetwork) Predict(inputs []*device.Tensor) *device.Tensor {
	defer n.inference()()
	return n.predAct(n.ForwardInputs(inputs))
}

// inference switches to eval mode and stops tape recording until the
// returned func runs.
func (n *BaseNetwork) inference() func() {
	wasTraining := n.training
	tape := n.backend.Tape()
	wasRecording := tape.IsRecording()
	n.SetTraining(false)
	tape.StopRecording()
	return func() {
		n.SetTraining(wasTraining)
		if wasRecording {
			tape.StartRecording()
		}
	}
}

// trace keeps what a staged backward pass needs to replay a forward pass.
type trace struct {
	stageInputs []*device.Tensor
	childOuts   []*device.Tensor
	children    []*trace
}

func (n *BaseNetwork) forward(inputs []*device.Tensor, tr *trace) *device.Tensor {
	var x *device.Tensor
	if len(n.inputs) == 0 {
		x = inputs[0]
	} else {
		outs := make([]*device.Tensor, len(n.inputs))
		pos := 0
		for i, in := range n.inputs {
			k := in.NumInputs()
			var child *trace
			if tr != nil {
				child = &trace{}
				tr.children = append(tr.children, child)
			}
			outs[i] = in.base().forward(inputs[pos:pos+k], child)
			pos += k
		}
		if tr != nil {
			tr.childOuts = outs
		}
		x = n.arch.merge(outs)
	}

	for _, s := range n.pipeline() {
		if tr != nil {
			tr.stageInputs = append(tr.stageInputs, x)
		}
		x = s.stage.Forward(x)
	}
	return x
}

func (n *BaseNetwork) pipeline() []pipeStage {
	var stages []pipeStage
	for _, s := range n.arch.entryStages() {
		stages = append(stages, pipeStage{unit: "input", stage: s})
	}
	for _, u := range n.units {
		for _, s := range u.Stages() {
			stages = append(stages, pipeStage{unit: u.Name(), stage: s})
		}
	}
	if n.head != nil {
		stages = append(stages, pipeStage{unit: n.head.Name(), stage: layers.Stage{Name: "flatten", Forward: flatten}})
		for _, s := range n.head.Stages() {
			stages = append(stages, pipeStage{unit: n.head.Name(), stage: s})
		}
	}
	if len(n.inputs) == 0 && len(stages) > 0 {
		stages[0].first = true
	}
	return stages
}

// flatten reshapes [N, ...] to [N, prod(...)].
func flatten(x *device.Tensor) *device.Tensor {
	shape := x.Shape()
	if len(shape) == 2 {
		return x
	}
	return x.Reshape(shape[0], product(shape[1:]))
}

func (n *BaseNetwork) newHead(in int) (*layers.DenseUnit, error) {
	if n.cfg.NumClasses == 0 {
		return nil, nil
	}
	return layers.NewDenseUnit(layers.DenseUnitConfig{
		BaseConfig: layers.BaseConfig{
			Name:        n.cfg.Name + ".head",
			Activation:  activations.Identity,
			Initializer: n.cfg.Initializer,
			BiasInit:    n.cfg.BiasInit,
			Seed:        n.cfg.Seed + 1000,
		},
		InFeatures:  in,
		OutFeatures: n.cfg.NumClasses,
	}, n.backend)
}

// Parameters returns input network, unit and head parameters.
func (n *BaseNetwork) Parameters() []*device.Parameter {
	var params []*device.Parameter
	for _, in := range n.inputs {
		params = append(params, in.Parameters()...)
	}
	for _, u := range n.units {
		params = append(params, u.Parameters()...)
	}
	if n.head != nil {
		params = append(params, n.head.Parameters()...)
	}
	return params
}

// StateDict returns every tensor of the network tree under hierarchical
// names such as "units.0.weight" or "input_networks.conv2D.head.bias".
func (n *BaseNetwork) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for _, in := range n.inputs {
		for k, v := range in.StateDict() {
			state["input_networks."+in.Name()+"."+k] = v
		}
	}
	for i, u := range n.units {
		for k, v := range u.StateDict() {
			state[fmt.Sprintf("units.%d.%s", i, k)] = v
		}
	}
	if n.head != nil {
		for k, v := range n.head.StateDict() {
			state["head."+k] = v
		}
	}
	return state
}

// LoadStateDict copies tensors into the network tree in place.
func (n *BaseNetwork) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for _, in := range n.inputs {
		if err := in.LoadStateDict(subState(state, "input_networks."+in.Name()+".")); err != nil {
			return err
		}
	}
	for i, u := range n.units {
		if err := u.LoadStateDict(subState(state, fmt.Sprintf("units.%d.", i))); err != nil {
			return err
		}
	}
	if n.head != nil {
		if err := n.head.LoadStateDict(subState(state, "head.")); err != nil {
			return err
		}
	}
	return nil
}

func subState(state map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	for k, v := range state {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			sub[rest] = v
		}
	}
	return sub
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
