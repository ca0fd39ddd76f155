package config

import "errors"

var (
	// ErrInvalidConfig is returned when a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownPlatform is returned for an unsupported platform kind.
	ErrUnknownPlatform = errors.New("unknown platform kind")
)
