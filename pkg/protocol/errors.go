package protocol

import "errors"

// ErrorClass partitions step failures for retry decisions.
type ErrorClass int

const (
	// ErrorClassTransient failures (timeouts, rate limits) are retried.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassPermanent failures (validation, unknown action) are not.
	ErrorClassPermanent
)

// ClassifiedError lets executors tag a failure as transient or permanent.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &ClassifiedError{Class: ErrorClassTransient, Err: err}
}

// Permanent wraps err as a terminal failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &ClassifiedError{Class: ErrorClassPermanent, Err: err}
}

// Classify returns the error class, treating anything unclassified as
// transient: safer to retry than to silently drop.
func Classify(err error) ErrorClass {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}

	return ErrorClassTransient
}

// IsPermanent reports whether err was classified as a terminal failure.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ErrorClassPermanent
}
