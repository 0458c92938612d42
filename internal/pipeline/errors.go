// Package pipeline runs uploaded messages through extraction and journals
// every attempt on its Record.
package pipeline

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Business failure kinds. A *Failure unwraps to exactly one of these.
var (
	ErrInvalidMessageFormat       = eris.New("invalid message format")
	ErrNoSenderFound              = eris.New("no sender found")
	ErrNoStrategyFound            = eris.New("no strategy found")
	ErrExtractionValidationFailed = eris.New("extraction validation failed")
	ErrCustomerPersistenceFailed  = eris.New("customer persistence failed")
)

// Failure is a business outcome: the message was read but could not become
// a customer. It is recorded on the Record and never retried.
type Failure struct {
	Kind   error
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

func (f *Failure) Unwrap() error { return f.Kind }

func fail(kind error, reason string) *Failure {
	return &Failure{Kind: kind, Reason: reason}
}

// IsBusinessFailure reports whether err carries a *Failure.
func IsBusinessFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// unexpectedReason is the error message stored for non-business failures.
func unexpectedReason(err error) string {
	return "job failed: " + err.Error()
}
