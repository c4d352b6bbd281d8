// Package errs classifies the failures the capture pipeline distinguishes.
//
// Each kind maps to one handling policy:
//   - TransientDevice: log, skip the tick, continue
//   - Configuration: log, keep the previous configuration, ask for a settings refresh
//   - Store: segments retry on the next tick, features stop advancing for this run
//   - Saturation: informational, the segment is still committed with is_good=false
//   - Fatal: exit non-zero
package errs

import (
	"errors"
	"fmt"
)

// Kind is the classification of an error for handling purposes
type Kind int

const (
	KindTransientDevice Kind = iota
	KindConfiguration
	KindStore
	KindSaturation
	KindFatal
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTransientDevice:
		return "transient_device"
	case KindConfiguration:
		return "configuration"
	case KindStore:
		return "store"
	case KindSaturation:
		return "saturation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	ErrNoData            = errors.New("device returned no data")
	ErrMalformedValue    = errors.New("malformed device value")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrUnknownProcedure  = errors.New("unknown procedure")
	ErrUnknownGroup      = errors.New("unknown sampling group")
	ErrUnknownChannel    = errors.New("channel label not in sampling group")
	ErrDeprecatedKey     = errors.New("deprecated configuration key")
	ErrInvalidArgs       = errors.New("invalid process arguments")
)

// Error wraps an error with its classification
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Component != "" {
		return fmt.Sprintf("%s %s.%s: %s", e.Kind, e.Component, e.Operation, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, err error, component, operation, message string) error {
	if err == nil {
		err = errors.New(message)
		message = ""
	}
	return &Error{Kind: kind, Component: component, Operation: operation, Message: message, Err: err}
}

// Transient classifies err as a transient device error
func Transient(err error, component, operation, message string) error {
	return wrap(KindTransientDevice, err, component, operation, message)
}

// Config classifies err as a configuration error
func Config(err error, component, operation, message string) error {
	return wrap(KindConfiguration, err, component, operation, message)
}

// Store classifies err as a store error
func Store(err error, component, operation, message string) error {
	return wrap(KindStore, err, component, operation, message)
}

// Saturation reports a window where every channel is saturated
func Saturation(component, operation, message string) error {
	return wrap(KindSaturation, nil, component, operation, message)
}

// Fatal classifies err as unrecoverable
func Fatal(err error, component, operation, message string) error {
	return wrap(KindFatal, err, component, operation, message)
}

// KindOf returns the classification of err and whether it carried one
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsTransient reports whether err is a transient device error
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return is(err, KindTransientDevice) || errors.Is(err, ErrNoData) || errors.Is(err, ErrMalformedValue)
}

// IsConfiguration reports whether err is a configuration error
func IsConfiguration(err error) bool {
	return err != nil && is(err, KindConfiguration)
}

// IsStore reports whether err is a store error
func IsStore(err error) bool {
	return err != nil && is(err, KindStore)
}

// IsSaturation reports whether err is a saturation artefact
func IsSaturation(err error) bool {
	return err != nil && is(err, KindSaturation)
}

// IsFatal reports whether err should stop the process
func IsFatal(err error) bool {
	return err != nil && (is(err, KindFatal) || errors.Is(err, ErrInvalidArgs))
}
