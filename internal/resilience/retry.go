package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy controls [Retry].
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	// Default: 1.
	MaxAttempts int

	// Backoff is the delay before the second attempt. It doubles each
	// attempt up to MaxBackoff. Default: 500ms.
	Backoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a [Permanent] error or
// [ErrCircuitOpen], the attempts run out, or ctx ends. attempt starts at 1.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}

	delay := p.Backoff
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("resilience: retry interrupted: %w", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
		delay *= 2
		if delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
	}
	return fmt.Errorf("resilience: gave up after %d attempts: %w", p.MaxAttempts, err)
}
