package transform

import (
	"errors"
	"fmt"
)

var (
	ErrNoTransform   = errors.New("no transform registered")
	ErrUnknownKind   = errors.New("unknown step type")
	ErrNoDocument    = errors.New("no input document")
	ErrSettingsKind  = errors.New("settings do not match step type")
	ErrInvalidOption = errors.New("invalid settings")
)

func invalid(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidOption, kind, fmt.Sprintf(format, args...))
}
