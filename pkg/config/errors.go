package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates the optional override file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrInvalidValue indicates an env var or YAML field has an invalid value.
	ErrInvalidValue = errors.New("invalid configuration value")
)

// LoadError wraps configuration loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
