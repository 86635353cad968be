package config

import (
	"errors"
	"fmt"
)

// Sentinel configuration errors.
var (
	ErrInvalidYAML = errors.New("invalid YAML")
	ErrInvalid     = errors.New("invalid configuration")
)

// LoadError wraps a failure to load one configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
