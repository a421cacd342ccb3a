package models

import (
	"errors"
	"os"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/buildinfo"
	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

// Checkpoint model types and metadata keys.
const (
	ModelTypeDense = "vulcan.DenseNet"
	ModelTypeConv  = "vulcan.ConvNet"

	MetaConfig  = "vulcan.config"
	MetaVersion = "vulcan.version"
)

// Build creates the network tree described by cfg, input networks first.
func Build(cfg *config.Network, b *device.Backend) (Network, error) {
	if cfg == nil {
		return nil, domain.Errorf("models.build", domain.KindInvalidConfig, "", "config is nil")
	}
	inputs := make([]Network, 0, len(cfg.InputNetworks))
	for i := range cfg.InputNetworks {
		in, err := Build(&cfg.InputNetworks[i], b)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}

	switch cfg.Type {
	case config.TypeDense:
		return NewDenseNet(cfg, b, inputs...)
	case config.TypeConv:
		return NewConvNet(cfg, b, inputs...)
	default:
		return nil, domain.Errorf("models.build", domain.KindUnsupportedNetwork, cfg.Name, "unknown network type %q", cfg.Type)
	}
}

func modelType(net Network) (string, error) {
	switch net.(type) {
	case *DenseNet:
		return ModelTypeDense, nil
	case *ConvNet:
		return ModelTypeConv, nil
	default:
		return "", domain.Errorf("models.save", domain.KindUnsupportedNetwork, "", "network is not a recognized network type")
	}
}

// Save writes net's weights to a .born file with its configuration in the
// header metadata.
func Save(net Network, path string) error {
	if !recognized(net) {
		return domain.Errorf("models.save", domain.KindUnsupportedNetwork, path, "network is not a recognized network type")
	}
	kind, err := modelType(net)
	if err != nil {
		return err
	}
	cfg, err := config.Marshal(net.Config())
	if err != nil {
		return err
	}
	meta := map[string]string{
		MetaConfig:  string(cfg),
		MetaVersion: buildinfo.Version(),
	}
	if err := nn.Save[*device.Backend](net, path, kind, meta); err != nil {
		return &domain.OpError{Op: "models.save", Kind: domain.KindNotFound, Name: path, Err: err}
	}
	return nil
}

// stateCapture receives the state dict nn.Load reads before the network it
// belongs to can be built.
type stateCapture struct {
	state map[string]*tensor.RawTensor
}

func (c *stateCapture) Forward(x *device.Tensor) *device.Tensor { return x }
func (c *stateCapture) Parameters() []*device.Parameter         { return nil }
func (c *stateCapture) StateDict() map[string]*tensor.RawTensor { return c.state }

func (c *stateCapture) LoadStateDict(state map[string]*tensor.RawTensor) error {
	c.state = state
	return nil
}

// Load rebuilds a network saved by Save on backend b.
func Load(path string, b *device.Backend) (Network, error) {
	const op = "models.load"
	if _, err := os.Stat(path); err != nil {
		return nil, &domain.OpError{Op: op, Kind: domain.KindNotFound, Name: path, Err: err}
	}
	capture := &stateCapture{}
	header, err := nn.Load[*device.Backend](path, b, capture)
	if err != nil {
		return nil, &domain.OpError{Op: op, Kind: domain.KindInvalidConfig, Name: path, Err: err}
	}
	if header.ModelType != ModelTypeDense && header.ModelType != ModelTypeConv {
		return nil, domain.Errorf(op, domain.KindUnsupportedNetwork, path, "model type %q", header.ModelType)
	}
	raw, ok := header.Metadata[MetaConfig]
	if !ok {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, path, "checkpoint has no %s metadata", MetaConfig)
	}
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		var opErr *domain.OpError
		if errors.As(err, &opErr) && opErr.Name == "" {
			opErr.Name = path
		}
		return nil, err
	}

	net, err := Build(cfg, b)
	if err != nil {
		return nil, err
	}
	if err := net.LoadStateDict(capture.state); err != nil {
		return nil, err
	}
	return net, nil
}
