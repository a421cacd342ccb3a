package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/vulcan/internal/domain"
)

// Load reads, defaults and validates a network file.
func Load(path string) (*Network, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.OpError{
			Op:   "config.load",
			Kind: domain.KindNotFound,
			Name: path,
			Err:  err,
		}
	}

	n, err := Parse(b)
	if err != nil {
		var oe *domain.OpError
		if errors.As(err, &oe) && oe.Name == "" {
			oe.Name = path
		}
		return nil, err
	}
	return n, nil
}

// Parse decodes, defaults and validates a network document.
func Parse(b []byte) (*Network, error) {
	var n Network
	if err := yaml.Unmarshal(b, &n); err != nil {
		return nil, &domain.OpError{
			Op:   "config.parse",
			Kind: domain.KindInvalidConfig,
			Err:  err,
		}
	}
	n.ApplyDefaults()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Marshal encodes the network as YAML.
func Marshal(n *Network) ([]byte, error) {
	b, err := yaml.Marshal(n)
	if err != nil {
		return nil, &domain.OpError{Op: "config.marshal", Kind: domain.KindInvalidConfig, Name: n.Name, Err: err}
	}
	return b, nil
}
