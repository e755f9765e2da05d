// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for compile-time and deployment failures
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrConflictingKey   = errors.New("conflicting match key")
	ErrDanglingTunnel   = errors.New("dangling tunnel id")
	ErrAlreadyExists    = errors.New("entry already exists")
	ErrNotFound         = errors.New("entry not found")
	ErrTimeout          = errors.New("rpc timed out")
	ErrUnavailable      = errors.New("device unavailable")
	ErrNotConnected     = errors.New("device not connected")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrValidationFailed = errors.New("validation failed")
)

// ErrorKind classifies the outcome of a single device RPC.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindAlreadyExists ErrorKind = "already-exists"
	KindNotFound      ErrorKind = "not-found"
	KindTimeout       ErrorKind = "timeout"
	KindUnavailable   ErrorKind = "unavailable"
	KindCancelled     ErrorKind = "cancelled"
	KindOther         ErrorKind = "other"
)

// UnknownDeviceError is returned when a route references a device that the
// topology does not declare.
type UnknownDeviceError struct {
	Device string
	Ref    string // what referenced it, e.g. "direct route 10.0.2.2/32"
}

func (e *UnknownDeviceError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("unknown device '%s'", e.Device)
	}
	return fmt.Sprintf("%s references unknown device '%s'", e.Ref, e.Device)
}

func (e *UnknownDeviceError) Unwrap() error {
	return ErrUnknownDevice
}

// NewUnknownDeviceError creates an unknown device error
func NewUnknownDeviceError(device, ref string) *UnknownDeviceError {
	return &UnknownDeviceError{Device: device, Ref: ref}
}

// ConflictingKeyError reports two entries that claim the same match key on
// the same device and cannot be ordered by priority.
type ConflictingKeyError struct {
	Device string
	Key    string
	First  string
	Second string
}

func (e *ConflictingKeyError) Error() string {
	return fmt.Sprintf("device %s: key %s defined by both %s and %s", e.Device, e.Key, e.First, e.Second)
}

func (e *ConflictingKeyError) Unwrap() error {
	return ErrConflictingKey
}

// NewConflictingKeyError creates a conflicting key error
func NewConflictingKeyError(device, key, first, second string) *ConflictingKeyError {
	return &ConflictingKeyError{Device: device, Key: key, First: first, Second: second}
}

// DanglingTunnelError reports a tunnel id used by an ingress route with no
// usable path behind it.
type DanglingTunnelError struct {
	TunnelID uint32
	Device   string
	Reason   string
}

func (e *DanglingTunnelError) Error() string {
	return fmt.Sprintf("tunnel %d referenced on %s: %s", e.TunnelID, e.Device, e.Reason)
}

func (e *DanglingTunnelError) Unwrap() error {
	return ErrDanglingTunnel
}

// ValidationError represents one or more validation failures. Causes keeps
// the typed errors that were added so callers can still errors.As them.
type ValidationError struct {
	Errors []string
	Causes []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Unwrap exposes ErrValidationFailed and every typed cause.
func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrValidationFailed}, e.Causes...)
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
	causes []error
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// AddCause records a typed error; its message becomes part of the report.
func (v *ValidationBuilder) AddCause(err error) *ValidationBuilder {
	if err == nil {
		return v
	}
	v.errors = append(v.errors, err.Error())
	v.causes = append(v.causes, err)
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors, Causes: v.causes}
}
