package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrModelInit         = errors.New("model initialization failed")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTimeout           = errors.New("timeout")
	ErrProcessing        = errors.New("processing failed")
	ErrCancelled         = errors.New("cancelled")
	ErrNotImplemented    = errors.New("not implemented")
)

func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func ModelInit(cause error) error {
	return fmt.Errorf("%w: %w", ErrModelInit, cause)
}

func ResourceExhausted(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// Processing wraps cause as a retryable generation failure unless it already
// carries a class of its own.
func Processing(cause error) error {
	if cause == nil {
		return nil
	}
	if Classified(cause) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrProcessing, cause)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

func IsModelInit(err error) bool {
	return errors.Is(err, ErrModelInit)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func IsNotImplemented(err error) bool {
	return errors.Is(err, ErrNotImplemented)
}

// IsTransient reports whether the failure is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProcessing)
}

func Classified(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrValidation, ErrModelInit, ErrResourceExhausted,
		ErrTimeout, ErrProcessing, ErrCancelled, ErrNotImplemented,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
