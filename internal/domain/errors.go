// Package domain holds the error vocabulary shared by every vulcan package.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for broad classification.
var (
	ErrInvalidConfig      = errors.New("invalid config")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrNotFound           = errors.New("not found")
	ErrDevice             = errors.New("device unavailable")
)

// ErrorKind is a coarse-grained categorization for errors.
type ErrorKind string

const (
	KindInvalidConfig      ErrorKind = "invalid_config"
	KindUnsupportedNetwork ErrorKind = "unsupported_network"
	KindShapeMismatch      ErrorKind = "shape_mismatch"
	KindNotFound           ErrorKind = "not_found"
	KindDevice             ErrorKind = "device"
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidConfig:      ErrInvalidConfig,
	KindUnsupportedNetwork: ErrUnsupportedNetwork,
	KindShapeMismatch:      ErrShapeMismatch,
	KindNotFound:           ErrNotFound,
	KindDevice:             ErrDevice,
}

// OpError wraps an underlying error with operation context and a kind.
type OpError struct {
	Op   string
	Kind ErrorKind
	Name string // Optional: network, unit or file the error refers to
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}

	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Name != "" {
		base += fmt.Sprintf(" (%s)", e.Name)
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel error of the same kind, so callers can use
// errors.Is(err, domain.ErrInvalidConfig) without unwrapping by hand.
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	return kindSentinels[e.Kind] == target
}

// Errorf builds an OpError whose cause is a formatted message.
func Errorf(op string, kind ErrorKind, name, format string, args ...any) *OpError {
	return &OpError{
		Op:   op,
		Kind: kind,
		Name: name,
		Err:  fmt.Errorf(format, args...),
	}
}

// IsKind helps callers classify errors without depending on the producing package.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}
