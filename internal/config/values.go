package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Floats decodes from a scalar or a sequence, so `dropout: 0.5` and
// `dropout: [0.5, 0.2]` are both accepted.
type Floats []float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Floats) UnmarshalYAML(value *yaml.Node) error {
	v, err := scalarOrList[float64](value)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// MarshalYAML writes a single value as a scalar.
func (f Floats) MarshalYAML() (any, error) {
	if len(f) == 1 {
		return f[0], nil
	}
	return []float64(f), nil
}

// Ints decodes from a scalar or a sequence, as in `kernel_size: 5`.
type Ints []int

// UnmarshalYAML implements yaml.Unmarshaler.
func (i *Ints) UnmarshalYAML(value *yaml.Node) error {
	v, err := scalarOrList[int](value)
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// MarshalYAML writes a single value as a scalar.
func (i Ints) MarshalYAML() (any, error) {
	if len(i) == 1 {
		return i[0], nil
	}
	return []int(i), nil
}

func scalarOrList[T any](value *yaml.Node) ([]T, error) {
	switch value.Kind {
	case yaml.ScalarNode:
		var v T
		if err := value.Decode(&v); err != nil {
			return nil, err
		}
		return []T{v}, nil
	case yaml.SequenceNode:
		var v []T
		if err := value.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: expected a scalar or a list", value.Line)
	}
}
