package engine

import (
	"context"
	"errors"

	"chatcore/models"
)

// Error kinds. An *OpError matches its kind and its cause with errors.Is.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNetwork               = errors.New("message store unavailable")
	ErrForbidden             = models.ErrForbidden
	ErrNotFound              = models.ErrNotFound
	ErrTimeout               = errors.New("operation timed out")
	ErrEncryptionUnavailable = errors.New("encryption unavailable")
	ErrIdentity              = errors.New("local identity unavailable")
	ErrDecryption            = errors.New("message could not be decrypted")
	ErrDisposed              = errors.New("engine disposed")
)

// OpError describes a failed engine operation.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *OpError of the given kind.
func NewError(op string, kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// classify maps a collaborator failure onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(op, ErrTimeout, err)
	case errors.Is(err, models.ErrForbidden):
		return NewError(op, ErrForbidden, err)
	case errors.Is(err, models.ErrNotFound):
		return NewError(op, ErrNotFound, err)
	default:
		return NewError(op, ErrNetwork, err)
	}
}
