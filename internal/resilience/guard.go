package resilience

import "context"

// Guard composes a circuit breaker with a retry policy. Retries run inside
// a single breaker invocation, so the breaker records one outcome per
// guarded call regardless of how many attempts the retry loop made.
type Guard struct {
	breaker *Breaker
	policy  RetryPolicy
}

func NewGuard(breaker *Breaker, policy RetryPolicy) *Guard {
	return &Guard{breaker: breaker, policy: policy}
}

func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return Retry(ctx, g.policy, fn)
	})
}

func (g *Guard) Breaker() *Breaker { return g.breaker }

// Registry holds the per-dependency guards for one process instance.
// It is constructed once at startup and passed to every component that
// calls out of process.
type Registry struct {
	Store  *Guard
	Cache  *Guard
	PubSub *Guard
}
