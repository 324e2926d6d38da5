package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/eugenenazirov/aeih-state/internal/store"
)

var (
	// ErrValidation is returned when the caller supplied an unusable id or payload.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound is returned when the module record does not exist.
	ErrNotFound = errors.New("module not found")
	// ErrTransport is returned when the document store could not complete the call.
	ErrTransport = errors.New("document store failure")
)

// ErrorKind classifies a failed operation so callers can react without
// inspecting messages.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindNotFound
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// KindOf reports the kind of err. Errors not produced by this package are
// treated as transport failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindTransport
	}
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// classify wraps a store error with the matching package sentinel.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrInvalidDocument):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: operation timed out: %w", ErrTransport, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
