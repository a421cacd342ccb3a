// Package saliency computes guided backpropagation maps: input gradients of
// a class score where every ReLU lets only positive gradients through.
package saliency

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/activations"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/logger"
	"github.com/born-ml/vulcan/internal/models"
)

// GuidedBackprop holds the hooks installed on a network. Call RemoveHooks
// when done to restore plain gradients.
type GuidedBackprop struct {
	net       models.Network
	hooks     []*models.HookHandle
	leaves    map[models.Network]int
	gradients []*device.Tensor
}

// NewGuidedBackprop puts net in eval mode and hooks its ReLU stages and the
// first stage of every leaf network.
func NewGuidedBackprop(net models.Network) (*GuidedBackprop, error) {
	switch v := net.(type) {
	case *models.DenseNet:
		if v == nil {
			return nil, unsupported()
		}
	case *models.ConvNet:
		if v == nil {
			return nil, unsupported()
		}
	default:
		return nil, unsupported()
	}

	leaves := models.Leaves(net)
	g := &GuidedBackprop{
		net:       net,
		leaves:    make(map[models.Network]int, len(leaves)),
		gradients: make([]*device.Tensor, len(leaves)),
	}
	for i, leaf := range leaves {
		g.leaves[leaf] = i
	}
	net.SetTraining(false)
	g.cropNegativeGradients()
	g.hookTopLayers()
	return g, nil
}

func unsupported() error {
	return domain.Errorf("saliency.new_guided_backprop", domain.KindUnsupportedNetwork, "",
		"network is not a recognized network type")
}

// cropNegativeGradients clamps the gradient leaving every ReLU stage at 0.
func (g *GuidedBackprop) cropNegativeGradients() {
	h := g.net.RegisterBackwardHook(func(info models.StageInfo, grad *device.Tensor) *device.Tensor {
		if !activations.IsReLU(info.Activation) {
			return nil
		}
		return nn.NewReLU[*device.Backend]().Forward(grad)
	})
	g.hooks = append(g.hooks, h)
}

// hookTopLayers records the gradient reaching each leaf network's input,
// keyed by the leaf's position in models.Leaves so equal names never collide.
func (g *GuidedBackprop) hookTopLayers() {
	h := g.net.RegisterBackwardHook(func(info models.StageInfo, grad *device.Tensor) *device.Tensor {
		if !info.First {
			return nil
		}
		if i, ok := g.leaves[info.Network]; ok {
			g.gradients[i] = grad
		}
		return nil
	})
	g.hooks = append(g.hooks, h)
}

// RemoveHooks unregisters every hook this GuidedBackprop installed.
func (g *GuidedBackprop) RemoveHooks() {
	for _, h := range g.hooks {
		h.Remove()
	}
	g.hooks = nil
}

// GenerateGradients backpropagates the one-hot encoding of targets from the
// network logits and returns one gradient per input, each shaped like its
// input including the batch axis.
func (g *GuidedBackprop) GenerateGradients(inputs []*device.Tensor, targets []int) ([]*device.Tensor, error) {
	const op = "saliency.generate_gradients"
	if len(inputs) != g.net.NumInputs() {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, g.net.Name(),
			"expected %d inputs, got %d", g.net.NumInputs(), len(inputs))
	}
	out := g.net.OutDim()
	if len(out) != 1 {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, g.net.Name(),
			"guided backprop needs a [N, classes] output, network produces %v", out)
	}
	n := inputs[0].Shape()[0]
	if len(targets) != n {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, g.net.Name(),
			"%d targets for a batch of %d", len(targets), n)
	}

	classes := out[0]
	oneHot := make([]float32, n*classes)
	for i, c := range targets {
		if c < 0 || c >= classes {
			return nil, domain.Errorf(op, domain.KindInvalidConfig, g.net.Name(),
				"target %d out of range [0, %d)", c, classes)
		}
		oneHot[i*classes+c] = 1
	}
	seed, err := device.FromSlice(oneHot, tensor.Shape{n, classes}, g.net.Backend())
	if err != nil {
		return nil, err
	}

	clear(g.gradients)
	grads, err := g.net.Backprop(inputs, seed)
	if err != nil {
		return nil, err
	}
	logger.L().Debug("saliency.gradients", "network", g.net.Name(), "inputs", len(grads), "batch", n)
	return grads, nil
}

// Gradient returns the input gradient captured for the leaf at index leaf of
// models.Leaves by the last GenerateGradients call.
func (g *GuidedBackprop) Gradient(leaf int) (*device.Tensor, bool) {
	if leaf < 0 || leaf >= len(g.gradients) || g.gradients[leaf] == nil {
		return nil, false
	}
	return g.gradients[leaf], true
}

// Normalize rescales grad to [0, 1] for display. A constant gradient maps
// to zeros.
func Normalize(grad *device.Tensor) *device.Tensor {
	data := grad.Data()
	lo, hi := data[0], data[0]
	for _, v := range data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := make([]float32, len(data))
	if span := hi - lo; span > 0 {
		for i, v := range data {
			out[i] = (v - lo) / span
		}
	}
	t, err := device.FromSlice(out, grad.Shape(), grad.Backend())
	if err != nil {
		panic(err)
	}
	return t
}
