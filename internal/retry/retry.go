// Package retry implements jittered exponential backoff for the
// transport collaborator's periodic loops (spec §7(a): transport errors
// are retried silently, no backoff escalation beyond this package).
package retry

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	log        zerolog.Logger
}

func New(initialMs, maxMs, maxRetries int, log zerolog.Logger) *Retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs <= 0 {
		maxMs = initialMs
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		log:        log,
	}
}

func (r *Retrier) Do(fn func() error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := BackoffWithJitter(r.initial, r.max, attempt)
		r.log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying operation")
		time.Sleep(delay)
		attempt++
	}
}

func BackoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func IsRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr StatusError
	return errors.As(err, &statusErr)
}

func IsRetryableStatus(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode >= 500 && resp.StatusCode < 600 {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests
}

// StatusError wraps a non-2xx HTTP response so callers can classify it
// through the same errors.As path as a transport-level net.Error.
type StatusError struct {
	Status int
}

func (e StatusError) Error() string {
	return http.StatusText(e.Status)
}
