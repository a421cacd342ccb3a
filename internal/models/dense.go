package models

import (
	"fmt"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/layers"
)

// DenseNet is a stack of dense units over flattened inputs, optionally
// followed by a linear classification head.
type DenseNet struct {
	BaseNetwork
}

// NewDenseNet builds a dense network from cfg. The outputs of inputs are
// flattened and concatenated in order to form the network input; without
// inputs the network reads tensors of shape [N, cfg.InDim...].
func NewDenseNet(cfg *config.Network, b *device.Backend, inputs ...Network) (*DenseNet, error) {
	n := &DenseNet{}
	if err := n.init(config.TypeDense, cfg, b, n, inputs); err != nil {
		return nil, err
	}
	return n, nil
}

func (d *DenseNet) mergedDim(outs [][]int) []int {
	total := 0
	for _, o := range outs {
		total += product(o)
	}
	return []int{total}
}

func (d *DenseNet) merge(outs []*device.Tensor) *device.Tensor {
	flat := make([]*device.Tensor, len(outs))
	for i, o := range outs {
		flat[i] = flatten(o)
	}
	return concatChannels(flat)
}

func (d *DenseNet) entryStages() []layers.Stage {
	width := product(d.inDim)
	return []layers.Stage{{Name: "flatten", Forward: func(x *device.Tensor) *device.Tensor {
		shape := x.Shape()
		if len(shape) < 2 || product(shape[1:]) != width {
			panic(fmt.Sprintf("network %s: expected [N, %v] input, got %v", d.cfg.Name, d.inDim, shape))
		}
		return flatten(x)
	}}}
}

func (d *DenseNet) unitConfig(i, in int) layers.DenseUnitConfig {
	return layers.DenseUnitConfig{
		BaseConfig: layers.BaseConfig{
			Name:        fmt.Sprintf("%s.dense%d", d.cfg.Name, i),
			Activation:  d.cfg.Activation,
			Initializer: d.cfg.Initializer,
			BiasInit:    d.cfg.BiasInit,
			Norm:        d.cfg.Norm,
			Dropout:     d.cfg.DropoutAt(i),
			Seed:        d.cfg.Seed + uint64(i),
		},
		InFeatures:  in,
		OutFeatures: d.cfg.DenseUnits[i],
	}
}

func (d *DenseNet) build(inDim []int) error {
	in := product(inDim)
	units := make([]layers.Unit, 0, len(d.cfg.DenseUnits))
	for i := range d.cfg.DenseUnits {
		u, err := layers.NewDenseUnit(d.unitConfig(i, in), d.backend)
		if err != nil {
			return err
		}
		units = append(units, u)
		in = u.OutFeatures()
	}
	head, err := d.newHead(in)
	if err != nil {
		return err
	}

	d.inDim = append([]int(nil), inDim...)
	d.units = units
	d.head = head
	d.outDim = []int{in}
	if head != nil {
		d.outDim = []int{d.cfg.NumClasses}
	}
	return nil
}

func (d *DenseNet) adapt(inDim []int) error {
	in := product(inDim)
	if len(d.units) == 0 {
		head, err := d.newHead(in)
		if err != nil {
			return err
		}
		d.head = head
		if head == nil {
			d.outDim = []int{in}
		}
	} else {
		u, err := layers.NewDenseUnit(d.unitConfig(0, in), d.backend)
		if err != nil {
			return err
		}
		d.units[0] = u
	}
	d.inDim = append([]int(nil), inDim...)
	return nil
}

// concatChannels joins [N, C_i, ...] tensors along axis 1. Each part is
// zero-padded to the combined width at its offset and the parts are summed,
// which keeps the join on the gradient tape.
func concatChannels(parts []*device.Tensor) *device.Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	total := 0
	for _, p := range parts {
		total += p.Shape()[1]
	}
	var out *device.Tensor
	offset := 0
	for _, p := range parts {
		padded := layers.PadAxis(p, 1, total, offset)
		if out == nil {
			out = padded
		} else {
			out = out.Add(padded)
		}
		offset += p.Shape()[1]
	}
	return out
}
