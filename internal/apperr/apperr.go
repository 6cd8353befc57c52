// Package apperr defines the sandbox's unified error taxonomy.
//
// Every error that crosses a component boundary (network provisioner, VM
// launcher, pool, dispatcher) is classified into one of a fixed set of
// kinds. Callers compare kinds with errors.Is against the sentinel
// variables below; they never type-assert on classifiedError directly.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrIO                  = errors.New("io")
	ErrHTTP                = errors.New("http")
	ErrRequest             = errors.New("request")
	ErrJSON                = errors.New("json")
	ErrNetwork             = errors.New("network")
	ErrVM                  = errors.New("vm")
	ErrExecution           = errors.New("execution")
	ErrTimeout             = errors.New("timeout")
	ErrValidation          = errors.New("validation")
	ErrResourceUnavailable = errors.New("resource_unavailable")
	ErrSystem              = errors.New("system")
	ErrConfig              = errors.New("config")
)

type classifiedError struct {
	kind error
	msg  string
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.kind }

func classify(kind error, format string, args ...any) error {
	return &classifiedError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func IOErrorf(format string, args ...any) error       { return classify(ErrIO, format, args...) }
func HTTPErrorf(format string, args ...any) error      { return classify(ErrHTTP, format, args...) }
func RequestErrorf(format string, args ...any) error   { return classify(ErrRequest, format, args...) }
func JSONErrorf(format string, args ...any) error      { return classify(ErrJSON, format, args...) }
func NetworkErrorf(format string, args ...any) error   { return classify(ErrNetwork, format, args...) }
func VMErrorf(format string, args ...any) error        { return classify(ErrVM, format, args...) }
func ExecutionErrorf(format string, args ...any) error { return classify(ErrExecution, format, args...) }
func TimeoutErrorf(format string, args ...any) error   { return classify(ErrTimeout, format, args...) }
func ValidationErrorf(format string, args ...any) error {
	return classify(ErrValidation, format, args...)
}
func ResourceUnavailableErrorf(format string, args ...any) error {
	return classify(ErrResourceUnavailable, format, args...)
}
func SystemErrorf(format string, args ...any) error { return classify(ErrSystem, format, args...) }
func ConfigErrorf(format string, args ...any) error { return classify(ErrConfig, format, args...) }

func Is(err error, kind error) bool { return errors.Is(err, kind) }

// Wrap attaches a kind to an arbitrary error, preserving it via Unwrap so
// errors.Is(wrapped, originalErr) still holds alongside the kind check.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return &wrappedError{kind: kind, err: err}
}

type wrappedError struct {
	kind error
	err  error
}

func (e *wrappedError) Error() string { return e.err.Error() }

func (e *wrappedError) Unwrap() []error { return []error{e.kind, e.err} }
