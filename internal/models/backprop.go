package models

import (
	"slices"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

// StageInfo identifies the stage a backward hook is called for.
type StageInfo struct {
	Network    Network
	Unit       string
	Stage      string
	Activation string
	// First is set for the stage that consumes a leaf network's raw input.
	First bool
}

// BackwardHook sees the gradient with respect to a stage's input during
// Backprop. A non-nil return replaces that gradient.
type BackwardHook func(info StageInfo, grad *device.Tensor) *device.Tensor

type hookEntry struct {
	id int
	fn BackwardHook
}

type hookRegistry struct {
	next    int
	entries []hookEntry
}

// HookHandle unregisters a hook.
type HookHandle struct {
	registry *hookRegistry
	id       int
}

// Remove unregisters the hook. Calling it again is a no-op.
func (h *HookHandle) Remove() {
	if h == nil || h.registry == nil {
		return
	}
	h.registry.entries = slices.DeleteFunc(h.registry.entries, func(e hookEntry) bool { return e.id == h.id })
	h.registry = nil
}

func (r *hookRegistry) list() []BackwardHook {
	hooks := make([]BackwardHook, len(r.entries))
	for i, e := range r.entries {
		hooks[i] = e.fn
	}
	return hooks
}

// RegisterBackwardHook adds a hook that runs for every stage of this network
// and of its input networks during Backprop.
func (n *BaseNetwork) RegisterBackwardHook(hook BackwardHook) *HookHandle {
	n.hooks.next++
	n.hooks.entries = append(n.hooks.entries, hookEntry{id: n.hooks.next, fn: hook})
	return &HookHandle{registry: &n.hooks, id: n.hooks.next}
}

// Backprop propagates gradOut, the gradient with respect to the network
// output, back to the inputs and returns one gradient per leaf input in
// ForwardInputs order.
//
// The forward pass runs in eval mode without recording. Each stage is then
// replayed on the tape in reverse order and its input gradient passed
// through the registered hooks before reaching the previous stage. The
// backend's tape is cleared.
func (n *BaseNetwork) Backprop(inputs []*device.Tensor, gradOut *device.Tensor) ([]*device.Tensor, error) {
	const op = "models.backprop"
	if len(inputs) != n.NumInputs() {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, n.cfg.Name,
			"expected %d inputs, got %d", n.NumInputs(), len(inputs))
	}
	if gradOut == nil {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, n.cfg.Name, "output gradient is nil")
	}

	restore := n.inference()
	defer restore()
	tape := n.backend.Tape()
	tape.Clear()

	tr := &trace{}
	out := n.forward(inputs, tr)
	if !out.Shape().Equal(gradOut.Shape()) {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, n.cfg.Name,
			"output gradient has shape %v, output has %v", gradOut.Shape(), out.Shape())
	}
	return n.backward(tr, gradOut, nil), nil
}

func (n *BaseNetwork) backward(tr *trace, grad *device.Tensor, inherited []BackwardHook) []*device.Tensor {
	hooks := append(slices.Clone(inherited), n.hooks.list()...)

	stages := n.pipeline()
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		x := tr.stageInputs[i]
		grad = n.vjp([]*device.Tensor{x}, grad, func() *device.Tensor { return s.stage.Forward(x) })[0]

		info := StageInfo{
			Network:    n.self,
			Unit:       s.unit,
			Stage:      s.stage.Name,
			Activation: s.stage.Activation,
			First:      s.first,
		}
		for _, h := range hooks {
			if g := h(info, grad); g != nil {
				grad = g
			}
		}
	}

	if len(n.inputs) == 0 {
		return []*device.Tensor{grad}
	}
	childGrads := n.vjp(tr.childOuts, grad, func() *device.Tensor { return n.arch.merge(tr.childOuts) })
	var out []*device.Tensor
	for i, in := range n.inputs {
		out = append(out, in.base().backward(tr.children[i], childGrads[i], hooks)...)
	}
	return out
}

// vjp records f on a fresh tape and returns the gradient of each wrt tensor
// given grad, the gradient of f's output. The output is multiplied by ones
// so the seeded tensor is always the last recorded op, also when f records
// nothing.
func (n *BaseNetwork) vjp(wrt []*device.Tensor, grad *device.Tensor, f func() *device.Tensor) []*device.Tensor {
	b := n.backend
	tape := b.Tape()
	tape.Clear()
	tape.StartRecording()
	y := f()
	y = y.Mul(device.Constant(y.Shape(), 1, b))
	tape.StopRecording()
	grads := tape.Backward(grad.Raw(), b)
	tape.Clear()

	out := make([]*device.Tensor, len(wrt))
	for i, x := range wrt {
		if g, ok := grads[x.Raw()]; ok && g != nil {
			out[i] = tensor.New[float32](g, b)
		} else {
			out[i] = tensor.Zeros[float32](x.Shape(), b)
		}
	}
	return out
}
