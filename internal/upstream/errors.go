// Package upstream classifies failures of calls to external AI services
// (transcription, generation, embedding) and bounded storage queries.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrTimeout is returned when an external call exceeded its deadline.
	ErrTimeout = errors.New("upstream timeout")
	// ErrFailure is returned when an external call completed without success.
	ErrFailure = errors.New("upstream failure")
)

// StatusError is returned when a service answers with a non-success HTTP status.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Code, e.Body)
}

// Is makes every StatusError match ErrFailure.
func (e *StatusError) Is(target error) bool {
	return target == ErrFailure
}

// Classify tags err as ErrTimeout or ErrFailure so callers can pick a
// recovery strategy with errors.Is. Already classified errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrFailure) {
		return err
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrFailure, err)
}

// IsTimeout reports whether err was caused by an exceeded deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Call runs fn with its own deadline and classifies the returned error.
// A non-positive timeout leaves the parent deadline in charge.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, Classify(err)
	}
	return v, nil
}
