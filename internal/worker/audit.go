package worker

import (
	"context"
	"log/slog"

	"livepoll/internal/ratelimit"
)

// AuditWorker drains rate-limit violation events off the governor's
// channel. Auditing is fire-and-forget: the governor drops events when
// the channel is full rather than block a rejection.
type AuditWorker struct {
	Ch     <-chan ratelimit.AuditEvent
	logger *slog.Logger
}

func NewAuditWorker(ch <-chan ratelimit.AuditEvent) *AuditWorker {
	return &AuditWorker{Ch: ch, logger: slog.Default()}
}

func (w *AuditWorker) Run(ctx context.Context) {
	w.logger.Info("audit worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("audit worker stopped")
			return
		case ev := <-w.Ch:
			w.logger.Warn("rate limit violation",
				"ip", ev.IP,
				"class", ev.Class,
				"at", ev.At,
			)
		}
	}
}
