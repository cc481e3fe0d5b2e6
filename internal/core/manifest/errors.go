// Package manifest parses and validates compose-style stack manifests.
// All functions are pure with no I/O.
package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrMalformedManifest is matched by every error returned from Parse and Validate.
	ErrMalformedManifest = errors.New("malformed manifest")

	ErrEmptyInput         = errors.New("manifest is empty")
	ErrInvalidYAML        = errors.New("invalid YAML syntax")
	ErrNotMapping         = errors.New("manifest must be a mapping")
	ErrNoServices         = errors.New("manifest must define at least one service")
	ErrInvalidServiceName = errors.New("invalid service name")
	ErrServiceNoImage     = errors.New("service must define an image")
	ErrInvalidPort        = errors.New("invalid port configuration")
	ErrInvalidVolume      = errors.New("invalid volume configuration")
	ErrInvalidEnvironment = errors.New("invalid environment configuration")
	ErrInvalidRestart     = errors.New("invalid restart policy")
	ErrUnknownDependency  = errors.New("service depends on an undefined service")
	ErrCircularDependency = errors.New("circular dependency detected")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is makes every ParseError match ErrMalformedManifest.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedManifest
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
