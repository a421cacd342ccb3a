package models

import (
	"fmt"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/layers"
)

// ConvNet is a stack of 1D, 2D or 3D conv units, optionally followed by a
// flatten and linear classification head.
type ConvNet struct {
	BaseNetwork
}

// NewConvNet builds a convolutional network from cfg. Input network outputs
// are lifted to the highest spatial rank among them, zero-padded at the end
// of every spatial axis to the largest extent and stacked on channels. The
// first unit then takes the stacked channel count whatever its config says;
// without input networks a configured in_channels must match in_dim.
func NewConvNet(cfg *config.Network, b *device.Backend, inputs ...Network) (*ConvNet, error) {
	n := &ConvNet{}
	if err := n.init(config.TypeConv, cfg, b, n, inputs); err != nil {
		return nil, err
	}
	return n, nil
}

// ConvDim returns the spatial rank the units convolve over.
func (c *ConvNet) ConvDim() int { return len(c.inDim) - 1 }

// liftDims returns (C, spatial...) for an input network output. Dense
// outputs (F) become (1, F).
func liftDims(out []int) []int {
	if len(out) == 1 {
		return []int{1, out[0]}
	}
	return out
}

func (c *ConvNet) mergedDim(outs [][]int) []int {
	rank := 1
	for _, o := range outs {
		rank = max(rank, len(liftDims(o))-1)
	}
	merged := make([]int, rank+1)
	for i := 1; i <= rank; i++ {
		merged[i] = 1
	}
	for _, o := range outs {
		l := liftDims(o)
		merged[0] += l[0]
		for i, d := range l[1:] {
			merged[i+1] = max(merged[i+1], d)
		}
	}
	return merged
}

func (c *ConvNet) merge(outs []*device.Tensor) *device.Tensor {
	rank := len(c.inDim) + 1
	parts := make([]*device.Tensor, len(outs))
	for i, o := range outs {
		shape := o.Shape()
		if len(shape) < rank {
			lifted := make([]int, 0, rank)
			lifted = append(lifted, shape[0])
			if len(shape) == 2 {
				lifted = append(lifted, 1)
			}
			lifted = append(lifted, shape[1:]...)
			for len(lifted) < rank {
				lifted = append(lifted, 1)
			}
			o = o.Reshape(lifted...)
		}
		for axis := 2; axis < rank; axis++ {
			o = layers.PadAxis(o, axis, c.inDim[axis-1], 0)
		}
		parts[i] = o
	}
	return concatChannels(parts)
}

func (c *ConvNet) entryStages() []layers.Stage { return nil }

func (c *ConvNet) unitConfig(i, dim, in int) layers.ConvUnitConfig {
	u := c.cfg.ConvUnits[i]
	return layers.ConvUnitConfig{
		BaseConfig: layers.BaseConfig{
			Name:        fmt.Sprintf("%s.conv%d", c.cfg.Name, i),
			Activation:  c.cfg.Activation,
			Initializer: c.cfg.Initializer,
			BiasInit:    c.cfg.BiasInit,
			Norm:        c.cfg.Norm,
			Dropout:     c.cfg.DropoutAt(i),
			Seed:        c.cfg.Seed + uint64(i),
		},
		ConvDim:     dim,
		InChannels:  in,
		OutChannels: u.OutChannels,
		KernelSize:  u.KernelSize,
		Stride:      u.Stride,
		Padding:     u.Padding,
		PoolSize:    u.PoolSize,
	}
}

func (c *ConvNet) build(inDim []int) error {
	const op = "models.new_conv_net"
	dim := len(inDim) - 1
	if dim < 1 || dim > 3 {
		return domain.Errorf(op, domain.KindInvalidConfig, c.cfg.Name, "conv input must have 1 to 3 spatial dims, got %v", inDim)
	}

	if len(c.inputs) == 0 && len(c.cfg.ConvUnits) > 0 {
		if want := c.cfg.ConvUnits[0].InChannels; want > 0 && want != inDim[0] {
			return domain.Errorf(op, domain.KindInvalidConfig, c.cfg.Name,
				"conv_units[0].in_channels %d does not match in_dim channels %d", want, inDim[0])
		}
	}

	units := make([]layers.Unit, 0, len(c.cfg.ConvUnits))
	shape := append([]int(nil), inDim...)
	for i := range c.cfg.ConvUnits {
		u, err := layers.NewConvUnit(c.unitConfig(i, dim, shape[0]), c.backend)
		if err != nil {
			return err
		}
		if shape, err = c.checkedOutput(u, i, shape); err != nil {
			return err
		}
		units = append(units, u)
	}
	head, err := c.newHead(product(shape))
	if err != nil {
		return err
	}

	c.inDim = append([]int(nil), inDim...)
	c.units = units
	c.head = head
	c.outDim = shape
	if head != nil {
		c.outDim = []int{c.cfg.NumClasses}
	}
	return nil
}

func (c *ConvNet) checkedOutput(u layers.Unit, i int, in []int) ([]int, error) {
	out := u.OutputShape(in)
	for _, d := range out[1:] {
		if d <= 0 {
			return nil, domain.Errorf("models.conv_net", domain.KindInvalidConfig, c.cfg.Name,
				"unit %d maps %v to %v", i, in, out)
		}
	}
	return out, nil
}

func (c *ConvNet) adapt(inDim []int) error {
	if len(inDim) != len(c.inDim) || len(c.units) == 0 {
		return c.build(inDim)
	}

	shape := append([]int(nil), inDim...)
	for i, u := range c.units {
		var err error
		if shape, err = c.checkedOutput(u, i, shape); err != nil {
			return err
		}
	}
	if c.head != nil && product(shape) != c.head.InFeatures() {
		head, err := c.newHead(product(shape))
		if err != nil {
			return err
		}
		c.head = head
	}

	c.units[0].(*layers.ConvUnit).SetInChannels(inDim[0])
	c.inDim = append([]int(nil), inDim...)
	if c.head == nil {
		c.outDim = shape
	}
	return nil
}
