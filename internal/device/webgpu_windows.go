//go:build windows

package device

import (
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/domain"
)

func newWebGPU() (tensor.Backend, func(), error) {
	if !webgpu.IsAvailable() {
		return nil, nil, domain.Errorf("device.new", domain.KindDevice, WebGPU, "no compatible GPU adapter")
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, nil, &domain.OpError{Op: "device.new", Kind: domain.KindDevice, Name: WebGPU, Err: err}
	}
	return gpu, func() { gpu.Release() }, nil
}
