package catalog

import (
	"context"
	"errors"
	"time"
)

// Retry bounds the attempts made against one URL.
type Retry struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetry is used for any zero field.
var DefaultRetry = Retry{Attempts: 3, Initial: 500 * time.Millisecond, Max: 8 * time.Second, Multiplier: 2}

// WithDefaults fills zero fields from DefaultRetry.
func (r Retry) WithDefaults() Retry {
	if r.Attempts <= 0 {
		r.Attempts = DefaultRetry.Attempts
	}
	if r.Initial <= 0 {
		r.Initial = DefaultRetry.Initial
	}
	if r.Max <= 0 {
		r.Max = DefaultRetry.Max
	}
	if r.Multiplier < 1 {
		r.Multiplier = DefaultRetry.Multiplier
	}
	return r
}

// permanentError stops the retry loop; the wrapped error is returned unchanged.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return permanentError{err: err} }

// Do calls fn until it succeeds, returns a permanent error, or the attempts run out. It returns the
// number of attempts made with the last error.
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	r = r.WithDefaults()
	delay := r.Initial
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		var stop permanentError
		if errors.As(err, &stop) {
			return attempt, stop.err
		}
		if attempt >= r.Attempts {
			return attempt, err
		}
		if !sleep(ctx, delay) {
			return attempt, errors.Join(err, ctx.Err())
		}
		delay = min(time.Duration(float64(delay)*r.Multiplier), r.Max)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
