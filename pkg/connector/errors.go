package connector

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownConnector is returned when a name has no registered spec.
var ErrUnknownConnector = errors.New("connector: unknown connector")

// ErrRateLimited is returned when a call cannot proceed within its rate
// budget.
var ErrRateLimited = errors.New("connector: rate limited")

// Kind classifies a source failure. Only fatal kinds disable a connector for
// the rest of a run; everything else is an isolated invocation failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindMalformed   Kind = "malformed"
	KindCancelled   Kind = "cancelled"
)

// Retryable reports whether an invocation may be retried in place.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Fatal reports whether the failure disables the connector for the rest of
// the run.
func (k Kind) Fatal() bool {
	return k == KindAuth || k == KindNotFound || k == KindMalformed
}

// SourceError is a classified connector failure.
type SourceError struct {
	Source string
	Kind   Kind
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connector %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("connector %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewSourceError builds a classified failure.
func NewSourceError(source string, kind Kind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

// Classify wraps err as a SourceError, mapping context errors to their
// kinds. Errors already classified pass through with the source filled in.
func Classify(source string, err error) *SourceError {
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		if srcErr.Source == "" {
			srcErr.Source = source
		}
		return srcErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewSourceError(source, KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewSourceError(source, KindCancelled, err)
	case errors.Is(err, ErrRateLimited):
		return NewSourceError(source, KindRateLimited, err)
	default:
		return NewSourceError(source, KindTransient, err)
	}
}
