package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported by the remote generation API.
type ErrorKind string

const (
	KindTransport        ErrorKind = "transport"
	KindNoModelAvailable ErrorKind = "no_model_available"
	KindSubmissionFailed ErrorKind = "submission_failed"
	KindGenerationFailed ErrorKind = "generation_failed"
)

var (
	ErrTransport        = errors.New("transport failure")
	ErrNoModelAvailable = errors.New("no model available")
	ErrSubmissionFailed = errors.New("submission failed")
	ErrGenerationFailed = errors.New("generation failed")
)

// APIError is returned by every remote operation. It matches the sentinel for
// its kind with errors.Is.
type APIError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *APIError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.sentinel(), e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *APIError) sentinel() error {
	switch e.Kind {
	case KindNoModelAvailable:
		return ErrNoModelAvailable
	case KindSubmissionFailed:
		return ErrSubmissionFailed
	case KindGenerationFailed:
		return ErrGenerationFailed
	default:
		return ErrTransport
	}
}

// NewAPIError builds an APIError for the given operation.
func NewAPIError(kind ErrorKind, op string, err error) *APIError {
	return &APIError{Kind: kind, Op: op, Err: err}
}

// FatalStartupError ends a single worker before it produced anything.
type FatalStartupError struct {
	CredentialPrefix string
	Err              error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("key %s...: startup failed: %v", e.CredentialPrefix, e.Err)
}

func (e *FatalStartupError) Unwrap() error { return e.Err }
