package mail

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass is the retry classification of a provider failure
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassAuthExpired
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "TransientProviderError"
	case ClassAuthExpired:
		return "AuthExpiredError"
	case ClassPermanent:
		return "PermanentMessageError"
	}
	return "UnknownError"
}

var (
	// ErrAttachmentTooLarge marks a message the destination cannot accept because of attachment size
	ErrAttachmentTooLarge = errors.New("attachment exceeds destination size limit")
	// ErrNotFound is returned for unknown folders or messages
	ErrNotFound = errors.New("not found")
)

// ProviderError is a classified failure from a provider API call
type ProviderError struct {
	Class      ErrorClass
	Op         string
	StatusCode int
	// RetryAfter is the server-requested delay, zero when absent
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure
func Transient(op string, err error) error {
	return &ProviderError{Class: ClassTransient, Op: op, Err: err}
}

// AuthExpired wraps err as an expired/invalid credential failure
func AuthExpired(op string, err error) error {
	return &ProviderError{Class: ClassAuthExpired, Op: op, Err: err}
}

// Permanent wraps err as a failure that no retry will fix
func Permanent(op string, err error) error {
	return &ProviderError{Class: ClassPermanent, Op: op, Err: err}
}

// FromStatus classifies an HTTP status code the way every REST provider
// variant does: 401 is auth, 408/429/5xx are transient, other 4xx permanent.
func FromStatus(op string, status int, retryAfter time.Duration, err error) error {
	class := ClassPermanent
	switch {
	case status == 401:
		class = ClassAuthExpired
	case status == 408 || status == 429 || status >= 500:
		class = ClassTransient
	case status == 413:
		err = fmt.Errorf("%w: %v", ErrAttachmentTooLarge, err)
	}
	return &ProviderError{Class: class, Op: op, StatusCode: status, RetryAfter: retryAfter, Err: err}
}

// ClassOf returns the classification of err. Unclassified errors (dial
// failures, timeouts, reset connections) are transient.
func ClassOf(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, ErrAttachmentTooLarge) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	return ClassTransient
}

// RetryAfterOf returns the server-requested delay carried by err, if any
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// AlreadyExistsError is returned by CreateFolder when the name is taken
type AlreadyExistsError struct {
	FolderID string
	Name     string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("folder %q already exists (%s)", e.Name, e.FolderID)
}
