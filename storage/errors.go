package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is against a *StoreError.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInvalid     = errors.New("invalid argument")
	ErrUnavailable = errors.New("store unavailable")
	ErrTimeout     = errors.New("store timeout")
)

// ErrorKind classifies store failures so callers can decide whether to retry.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindInvalid     ErrorKind = "invalid"
	KindUnavailable ErrorKind = "unavailable"
	KindTimeout     ErrorKind = "timeout"
	KindInternal    ErrorKind = "internal"
)

// StoreError is returned by every Store operation.
type StoreError struct {
	Op   string
	Kind ErrorKind
	ID   string
	Err  error
}

func (e *StoreError) Error() string {
	msg := "storage: " + e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is maps the error kind onto the package sentinels.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrInvalid:
		return e.Kind == KindInvalid
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func newError(op string, kind ErrorKind, id string, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, ID: id, Err: err}
}

func notFound(op, id string) *StoreError {
	return newError(op, KindNotFound, id, nil)
}

func invalid(op, id, format string, args ...any) *StoreError {
	return newError(op, KindInvalid, id, fmt.Errorf(format, args...))
}

// wrapError classifies err unless it is already a StoreError.
func wrapError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(op, KindTimeout, id, err)
	}
	return newError(op, KindInternal, id, err)
}

// IsNotFound reports whether err is a not-found store error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Kind {
	case KindConflict, KindUnavailable, KindTimeout:
		return true
	}
	return false
}
