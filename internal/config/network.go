// Package config describes networks as YAML documents: architecture,
// initialization, optimizer and the input networks a network consumes.
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/vulcan/internal/activations"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/initializers"
)

// Network types.
const (
	TypeDense = "dense"
	TypeConv  = "conv"
)

// Criteria.
const (
	CrossEntropy = "cross_entropy"
	MSE          = "mse"
)

// Optimizers.
const (
	Adam = "adam"
	SGD  = "sgd"
)

// Network describes one network and, recursively, the networks feeding it.
type Network struct {
	Name           string     `yaml:"name"`
	Type           string     `yaml:"type"`
	InDim          []int      `yaml:"in_dim,omitempty"`
	NumClasses     int        `yaml:"num_classes,omitempty"`
	Activation     string     `yaml:"activation,omitempty"`
	PredActivation string     `yaml:"pred_activation,omitempty"`
	DenseUnits     []int      `yaml:"dense_units,omitempty"`
	ConvUnits      []ConvUnit `yaml:"conv_units,omitempty"`
	Dropout        Floats     `yaml:"dropout,omitempty"`
	Initializer    string     `yaml:"initializer,omitempty"`
	BiasInit       string     `yaml:"bias_init,omitempty"`
	Norm           string     `yaml:"norm,omitempty"`
	Optimizer      Optimizer  `yaml:"optimizer,omitempty"`
	Criterion      string     `yaml:"criterion,omitempty"`
	Device         string     `yaml:"device,omitempty"`
	Seed           uint64     `yaml:"seed,omitempty"`
	InputNetworks  []Network  `yaml:"input_networks,omitempty"`
}

// ConvUnit describes one convolutional unit. KernelSize holds one value per
// spatial dim, or a single value for all of them.
type ConvUnit struct {
	InChannels  int      `yaml:"in_channels,omitempty"`
	OutChannels int      `yaml:"out_channels"`
	KernelSize  Ints     `yaml:"kernel_size"`
	Stride      int      `yaml:"stride,omitempty"`
	Padding     int      `yaml:"padding,omitempty"`
	PoolSize    int      `yaml:"pool_size,omitempty"`
	Dropout     *float64 `yaml:"dropout,omitempty"`
}

// Optimizer selects and tunes the training optimizer.
type Optimizer struct {
	Name     string    `yaml:"name,omitempty"`
	LR       float64   `yaml:"lr,omitempty"`
	Betas    []float64 `yaml:"betas,omitempty"`
	Eps      float64   `yaml:"eps,omitempty"`
	Momentum float64   `yaml:"momentum,omitempty"`
}

// ConvDim returns the spatial dimensionality of a conv network's input.
func (n *Network) ConvDim() int {
	return len(n.InDim) - 1
}

// NumUnits returns the number of hidden units.
func (n *Network) NumUnits() int {
	if n.Type == TypeConv {
		return len(n.ConvUnits)
	}
	return len(n.DenseUnits)
}

// DropoutAt returns the dropout probability of hidden unit i. A conv unit's
// own dropout wins over the network-level value.
func (n *Network) DropoutAt(i int) float64 {
	if n.Type == TypeConv && i < len(n.ConvUnits) && n.ConvUnits[i].Dropout != nil {
		return *n.ConvUnits[i].Dropout
	}
	switch len(n.Dropout) {
	case 0:
		return 0
	case 1:
		return n.Dropout[0]
	default:
		if i < len(n.Dropout) {
			return n.Dropout[i]
		}
		return 0
	}
}

// ApplyDefaults fills unset fields in place, recursively.
func (n *Network) ApplyDefaults() {
	n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	if n.Activation == "" {
		n.Activation = activations.ReLU
	}
	if n.PredActivation == "" {
		if n.NumClasses > 0 {
			n.PredActivation = activations.Softmax
		} else {
			n.PredActivation = activations.Identity
		}
	}
	if n.Optimizer.Name == "" {
		n.Optimizer.Name = Adam
	}
	n.Optimizer.Name = strings.ToLower(n.Optimizer.Name)
	if n.Optimizer.LR == 0 {
		n.Optimizer.LR = 0.001
	}
	if n.Optimizer.Name == Adam && len(n.Optimizer.Betas) == 0 {
		n.Optimizer.Betas = []float64{0.9, 0.999}
	}
	if n.Optimizer.Name == Adam && n.Optimizer.Eps == 0 {
		n.Optimizer.Eps = 1e-8
	}
	if n.Criterion == "" {
		if n.NumClasses > 0 {
			n.Criterion = CrossEntropy
		} else {
			n.Criterion = MSE
		}
	}
	if n.Device == "" {
		n.Device = "cpu"
	}
	for i := range n.ConvUnits {
		u := &n.ConvUnits[i]
		if u.Stride == 0 {
			u.Stride = 1
		}
	}
	for i := range n.InputNetworks {
		n.InputNetworks[i].ApplyDefaults()
	}
}

// Validate checks the network and its input networks. Call ApplyDefaults
// first.
func (n *Network) Validate() error {
	return n.validate(n.Name)
}

func (n *Network) validate(path string) error {
	if strings.TrimSpace(n.Name) == "" {
		return invalidField(path, "name", "network name is required")
	}
	switch n.Type {
	case TypeDense, TypeConv:
	default:
		return invalidField(path, "type", fmt.Sprintf("unknown network type %q (want %q or %q)", n.Type, TypeDense, TypeConv))
	}

	if len(n.InputNetworks) == 0 {
		if len(n.InDim) == 0 {
			return invalidField(path, "in_dim", "in_dim is required without input networks")
		}
		for _, d := range n.InDim {
			if d <= 0 {
				return invalidField(path, "in_dim", fmt.Sprintf("dimensions must be positive, got %v", n.InDim))
			}
		}
		if n.Type == TypeConv && (n.ConvDim() < 1 || n.ConvDim() > 3) {
			return invalidField(path, "in_dim", fmt.Sprintf("conv input must be (channels, 1 to 3 spatial dims), got %v", n.InDim))
		}
	}
	if n.NumClasses < 0 {
		return invalidField(path, "num_classes", "must not be negative")
	}
	if n.NumUnits() == 0 && n.NumClasses == 0 {
		return invalidField(path, "units", "network has neither hidden units nor a classification head")
	}

	for _, name := range []string{n.Activation, n.PredActivation} {
		if _, err := activations.Lookup(name); err != nil {
			return invalidField(path, "activation", err.Error())
		}
	}
	if !initializers.Valid(n.Initializer) {
		return invalidField(path, "initializer", fmt.Sprintf("unknown initializer %q", n.Initializer))
	}
	if !initializers.Valid(n.BiasInit) {
		return invalidField(path, "bias_init", fmt.Sprintf("unknown initializer %q", n.BiasInit))
	}
	switch n.Norm {
	case "", "batch", "batch_norm":
	default:
		return invalidField(path, "norm", fmt.Sprintf("unknown norm %q", n.Norm))
	}

	if len(n.Dropout) > 1 && len(n.Dropout) != n.NumUnits() {
		return invalidField(path, "dropout", fmt.Sprintf("%d values for %d units", len(n.Dropout), n.NumUnits()))
	}
	for i := range n.NumUnits() {
		if p := n.DropoutAt(i); p < 0 || p >= 1 {
			return invalidField(path, "dropout", fmt.Sprintf("unit %d: %v not in [0, 1)", i, p))
		}
	}

	if n.Type == TypeDense {
		if len(n.ConvUnits) > 0 {
			return invalidField(path, "conv_units", "dense network cannot have conv units")
		}
		for i, u := range n.DenseUnits {
			if u <= 0 {
				return invalidField(path, fmt.Sprintf("dense_units[%d]", i), "must be positive")
			}
		}
	} else {
		if len(n.DenseUnits) > 0 {
			return invalidField(path, "dense_units", "conv network cannot have dense units")
		}
		if err := n.validateConvUnits(path); err != nil {
			return err
		}
	}

	if err := n.Optimizer.validate(path); err != nil {
		return err
	}
	switch n.Criterion {
	case CrossEntropy:
		if n.NumClasses == 0 {
			return invalidField(path, "criterion", "cross_entropy needs num_classes")
		}
	case MSE:
	default:
		return invalidField(path, "criterion", fmt.Sprintf("unknown criterion %q", n.Criterion))
	}

	seen := map[string]bool{n.Name: true}
	for i := range n.InputNetworks {
		in := &n.InputNetworks[i]
		if seen[in.Name] {
			return invalidField(path, "input_networks", fmt.Sprintf("duplicate network name %q", in.Name))
		}
		seen[in.Name] = true
		if err := in.validate(path + "/" + in.Name); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) validateConvUnits(path string) error {
	dim := n.ConvDim()
	for i, u := range n.ConvUnits {
		field := fmt.Sprintf("conv_units[%d]", i)
		if u.OutChannels <= 0 {
			return invalidField(path, field+".out_channels", "must be positive")
		}
		if len(n.InputNetworks) == 0 && (len(u.KernelSize) != 1 && len(u.KernelSize) != dim) {
			return invalidField(path, field+".kernel_size", fmt.Sprintf("need 1 or %d values, got %v", dim, u.KernelSize))
		}
		if slices.ContainsFunc(u.KernelSize, func(k int) bool { return k <= 0 }) || len(u.KernelSize) == 0 {
			return invalidField(path, field+".kernel_size", "must be positive")
		}
		if u.Stride < 1 || u.Padding < 0 || u.PoolSize < 0 {
			return invalidField(path, field, "stride must be positive, padding and pool_size non-negative")
		}
		if i > 0 && u.InChannels != 0 && u.InChannels != n.ConvUnits[i-1].OutChannels {
			return invalidField(path, field+".in_channels",
				fmt.Sprintf("%d does not match previous out_channels %d", u.InChannels, n.ConvUnits[i-1].OutChannels))
		}
	}
	return nil
}

func (o *Optimizer) validate(path string) error {
	switch o.Name {
	case Adam:
		if len(o.Betas) != 2 {
			return invalidField(path, "optimizer.betas", "adam needs two betas")
		}
	case SGD:
	default:
		return invalidField(path, "optimizer.name", fmt.Sprintf("unknown optimizer %q", o.Name))
	}
	if o.LR <= 0 {
		return invalidField(path, "optimizer.lr", "must be positive")
	}
	return nil
}

func invalidField(path, field, msg string) error {
	return domain.Errorf("config.validate", domain.KindInvalidConfig, path, "%s: %s", field, msg)
}

// Clone returns a deep copy of n.
func (n *Network) Clone() *Network {
	c := *n
	c.InDim = slices.Clone(n.InDim)
	c.DenseUnits = slices.Clone(n.DenseUnits)
	c.Dropout = slices.Clone(n.Dropout)
	c.Optimizer.Betas = slices.Clone(n.Optimizer.Betas)
	c.ConvUnits = make([]ConvUnit, len(n.ConvUnits))
	for i, u := range n.ConvUnits {
		u.KernelSize = slices.Clone(u.KernelSize)
		if u.Dropout != nil {
			p := *u.Dropout
			u.Dropout = &p
		}
		c.ConvUnits[i] = u
	}
	if n.ConvUnits == nil {
		c.ConvUnits = nil
	}
	c.InputNetworks = nil
	for i := range n.InputNetworks {
		c.InputNetworks = append(c.InputNetworks, *n.InputNetworks[i].Clone())
	}
	return &c
}
