package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedBackbone matches every UnsupportedBackboneError via errors.Is.
var ErrUnsupportedBackbone = errors.New("unsupported backbone")

// UnsupportedBackboneError reports a backbone name outside the allow-list.
type UnsupportedBackboneError struct {
	Name      string
	Supported []string
}

func (e *UnsupportedBackboneError) Error() string {
	return fmt.Sprintf("%s %q (supported: %s)", ErrUnsupportedBackbone, e.Name, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedBackboneError) Is(target error) bool {
	return target == ErrUnsupportedBackbone
}

// ErrIncompatibleBackbone is returned when an instantiated backbone does not
// have the structure its variant declares.
var ErrIncompatibleBackbone = errors.New("backbone does not have the layout its variant declares")
