package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnNonTransientError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	fatal := errors.New("constraint violation")

	calls := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, InitialDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.Equal(t, 4, calls)
}

func TestRetryBackoffDoubles(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	var stamps []time.Time
	_ = Retry(context.Background(), policy, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return syscall.ECONNREFUSED
	})

	require.Len(t, stamps, 4)
	// 10ms, then 20ms, then capped at 20ms.
	require.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	require.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
	require.Less(t, stamps[3].Sub(stamps[2]), 100*time.Millisecond)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, policy, func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"timeout sentinel", ErrTimeout, true},
		{"deadline", context.DeadlineExceeded, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "db"}, true},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg shutting down", &pgconn.PgError{Code: "57P01"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

func TestGuardFeedsBreakerOncePerInvocation(t *testing.T) {
	breaker := NewBreaker("store", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	guard := NewGuard(breaker, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := guard.Do(context.Background(), func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.Equal(t, 3, calls)
	// Three retried attempts still count as a single breaker failure.
	require.Equal(t, StateClosed, breaker.State())

	err = guard.Do(context.Background(), func(context.Context) error {
		return syscall.ECONNREFUSED
	})
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.Equal(t, StateOpen, breaker.State())
}
