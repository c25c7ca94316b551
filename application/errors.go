package application

import "errors"

var (
	ErrEmergencyActive  = errors.New("valve: emergency active")
	ErrInvalidConfig    = errors.New("config: invalid device config")
	ErrConfigNotFound   = errors.New("config: no persisted config")
	ErrUnauthorized     = errors.New("valve: unauthorized")
	ErrNotActive        = errors.New("protocol: not active")
	ErrUnsupportedCheck = errors.New("update: unsupported checksum")
)
