//go:build !windows

package device

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/domain"
)

// Born only ships its WebGPU backend for windows builds.
func newWebGPU() (tensor.Backend, func(), error) {
	return nil, nil, domain.Errorf("device.new", domain.KindDevice, WebGPU, "webgpu backend is not available on this platform")
}
