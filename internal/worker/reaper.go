package worker

import (
	"context"
	"log/slog"
	"time"

	"livepoll/internal/domain/poll"
)

// Reaper garbage-collects closed polls (and, via cascade, their votes
// and participants) once they age past the retention window.
type Reaper struct {
	polls     *poll.Service
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

func NewReaper(polls *poll.Service, interval, retention time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		polls:     polls,
		interval:  interval,
		retention: retention,
		logger:    slog.Default(),
	}
}

func (w *Reaper) Run(ctx context.Context) {
	w.logger.Info("poll reaper started", "interval", w.interval, "retention", w.retention)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("poll reaper stopped")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.retention)
			deleted, err := w.polls.ReapExpired(ctx, cutoff)
			if err != nil {
				w.logger.Warn("poll reap failed", "err", err)
				continue
			}
			if deleted > 0 {
				w.logger.Info("reaped expired polls", "deleted", deleted)
			}
		}
	}
}
