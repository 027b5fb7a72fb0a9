package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceAlreadyExists = errors.New("device already exists")
	ErrDeviceInactive      = errors.New("device is inactive")

	// Ingest errors.
	ErrMalformedFrame = errors.New("malformed uplink frame")
	ErrStrayTelemetry = errors.New("uplink from unregistered SIM")

	// Control errors.
	ErrControlInProgress    = errors.New("remote control already in progress")
	ErrControlNotFound      = errors.New("remote control request not found")
	ErrNoControlTerminal    = errors.New("DO terminal not configured on device")
	ErrPublisherUnavailable = errors.New("command publisher unavailable")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
