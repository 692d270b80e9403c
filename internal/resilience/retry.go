package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy controls exponential backoff. Delay for attempt n is
// InitialDelay * 2^(n-1), capped at MaxDelay when set.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	return p
}

// Retry executes fn up to MaxAttempts times, backing off between attempts.
// Non-transient errors are returned immediately without further attempts.
// It stops early if the context is canceled.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	p := policy.withDefaults()
	delay := p.InitialDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err = fn(ctx); err == nil {
			return nil
		}

		if !IsTransient(err) || attempt == p.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// IsTransient classifies an error as a retryable infrastructure fault:
// timeouts, refused/reset connections, DNS failures and the transient
// Postgres error classes (connection failures, serialization conflicts,
// operator-initiated shutdown).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientPgCode(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

func isTransientPgCode(code string) bool {
	// Class 08: connection exceptions.
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "40001", "40P01": // serialization failure, deadlock detected
		return true
	case "57P01", "57P02", "57P03": // admin shutdown, crash shutdown, cannot connect now
		return true
	}
	return false
}
