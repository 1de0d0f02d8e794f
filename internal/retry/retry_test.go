package retry

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := BackoffWithJitter(initial, maxDelay, attempt)
		if delay < initial/2 {
			t.Fatalf("delay below jitter floor: %v", delay)
		}
		if delay > maxDelay {
			t.Fatalf("delay exceeded max: %v", delay)
		}
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := New(100, 200, 3, zerolog.Nop())
	var attempts int
	err := r.Do(func() error {
		attempts++
		if attempts < 2 {
			return StatusError{Status: 503}
		}
		return nil
	}, IsRetryableHTTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestIsRetryableHTTP(t *testing.T) {
	if IsRetryableHTTP(nil) {
		t.Fatal("nil error should not be retryable")
	}
	if !IsRetryableHTTP(StatusError{Status: 503}) {
		t.Fatal("retryable status error should be retryable")
	}
	if IsRetryableHTTP(errors.New("generic")) {
		t.Fatal("generic error should not be retryable")
	}
	if !IsRetryableHTTP(&net.DNSError{IsTemporary: true}) {
		t.Fatal("temporary net error should be retryable")
	}
}
