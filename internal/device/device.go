// Package device selects the compute backend networks run on.
//
// Every backend is wrapped in Born's autodiff decorator so the same network
// can be trained (tape recording) and inspected (staged backward) without
// changing type.
package device

import (
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/domain"
)

// Backend is the autodiff-enabled backend shared by all vulcan networks.
type Backend = autodiff.Backend[tensor.Backend]

// Tensor is the float32 tensor type networks consume and produce.
type Tensor = tensor.Tensor[float32, *Backend]

// Parameter is a trainable tensor owned by a unit.
type Parameter = nn.Parameter[*Backend]

// Device names accepted by New.
const (
	CPU    = "cpu"
	WebGPU = "webgpu"
)

// New creates the named backend. The returned release function frees device
// resources and is always non-nil on success.
func New(name string) (*Backend, func(), error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CPU:
		return autodiff.New[tensor.Backend](cpu.New()), func() {}, nil
	case WebGPU, "gpu":
		inner, release, err := newWebGPU()
		if err != nil {
			return nil, nil, err
		}
		return autodiff.New[tensor.Backend](inner), release, nil
	default:
		return nil, nil, domain.Errorf("device.new", domain.KindInvalidConfig, name,
			"unknown device %q (want %q or %q)", name, CPU, WebGPU)
	}
}

// MustCPU returns a fresh CPU backend. Intended for tests and examples.
func MustCPU() *Backend {
	b, _, err := New(CPU)
	if err != nil {
		panic(err)
	}
	return b
}

// Constant returns an untracked tensor filled with value.
func Constant(shape tensor.Shape, value float32, b *Backend) *Tensor {
	return tensor.Full[float32](shape, value, b)
}

// FromSlice wraps data in an untracked tensor of the given shape.
func FromSlice(data []float32, shape tensor.Shape, b *Backend) (*Tensor, error) {
	t, err := tensor.FromSlice[float32](data, shape, b)
	if err != nil {
		return nil, &domain.OpError{Op: "device.from_slice", Kind: domain.KindShapeMismatch, Err: err}
	}
	return t, nil
}
