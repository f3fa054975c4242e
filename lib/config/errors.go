package config

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every error returned for malformed construction or mutation input
// (empty names, zero sizes, duplicate pool names, dangling pool references).
var ErrValidation = errors.New("validation error")

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
