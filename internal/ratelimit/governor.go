package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"livepoll/internal/metrics"
	"livepoll/internal/resilience"
)

// Class names an action bucket with its own window and ceiling.
type Class string

const (
	ClassGlobal Class = "global"
	ClassVote   Class = "vote"
	ClassCreate Class = "create"
)

// Limit is a fixed-window ceiling: at most Max requests per Window per IP.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits are enforced cluster-wide through the shared cache.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassGlobal: {Max: 100, Window: 15 * time.Minute},
		ClassVote:   {Max: 10, Window: time.Minute},
		ClassCreate: {Max: 5, Window: time.Hour},
	}
}

// Decision is the outcome of a rate check. RetryAfter is the remaining
// window for a denied request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AuditEvent records a rate-limit violation. Events are emitted
// fire-and-forget; auditing never blocks or fails the rejection path.
type AuditEvent struct {
	IP    string
	Class Class
	At    time.Time
}

// Governor enforces fixed-window counters in the shared cache so every
// instance sees the same cluster-wide count. When the cache is
// unreachable it degrades to an in-process limiter: a weaker guarantee,
// but it fails open rather than blocking all traffic.
type Governor struct {
	rdb      redis.Cmdable
	guard    *resilience.Guard
	limits   map[Class]Limit
	audit    chan<- AuditEvent
	fallback map[Class]*localLimiter
	logger   *slog.Logger
}

func NewGovernor(rdb redis.Cmdable, guard *resilience.Guard, audit chan<- AuditEvent) *Governor {
	limits := DefaultLimits()
	fallback := make(map[Class]*localLimiter, len(limits))
	for class, lim := range limits {
		fallback[class] = newLocalLimiter(lim, 10*time.Minute)
	}
	return &Governor{
		rdb:      rdb,
		guard:    guard,
		limits:   limits,
		audit:    audit,
		fallback: fallback,
		logger:   slog.Default(),
	}
}

// SetLimit overrides one class ceiling (startup configuration and tests).
func (g *Governor) SetLimit(class Class, lim Limit) {
	g.limits[class] = lim
	g.fallback[class] = newLocalLimiter(lim, 10*time.Minute)
}

// Allow checks and consumes one request from ip's window for the class.
func (g *Governor) Allow(ctx context.Context, class Class, ip string) Decision {
	lim, ok := g.limits[class]
	if !ok {
		return Decision{Allowed: true}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, ip)

	var count int64
	var remaining time.Duration
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		count, err = g.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		if count == 1 {
			// First hit opens the window.
			if err := g.rdb.Expire(ctx, key, lim.Window).Err(); err != nil {
				return err
			}
			remaining = lim.Window
			return nil
		}
		ttl, err := g.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			// Counter without expiry (e.g. a crashed EXPIRE); reopen it.
			if err := g.rdb.Expire(ctx, key, lim.Window).Err(); err != nil {
				return err
			}
			ttl = lim.Window
		}
		remaining = ttl
		return nil
	})
	if err != nil {
		return g.allowLocal(class, ip, lim)
	}

	if count > int64(lim.Max) {
		g.reject(class, ip)
		return Decision{Allowed: false, RetryAfter: remaining}
	}
	return Decision{Allowed: true}
}

// allowLocal is the degraded path: per-instance counting only.
func (g *Governor) allowLocal(class Class, ip string, lim Limit) Decision {
	metrics.IncRateLimitFallback()
	if g.fallback[class].allow(ip) {
		return Decision{Allowed: true}
	}
	g.reject(class, ip)
	return Decision{Allowed: false, RetryAfter: lim.Window}
}

func (g *Governor) reject(class Class, ip string) {
	metrics.IncRateLimitRejection(string(class))
	if g.audit == nil {
		return
	}
	select {
	case g.audit <- AuditEvent{IP: ip, Class: class, At: time.Now().UTC()}:
	default:
		// Audit channel full; dropping beats blocking the rejection path.
	}
}
