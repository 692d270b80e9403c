package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"livepoll/internal/metrics"
	"livepoll/internal/resilience"
)

const channelPrefix = "poll:events:"

func channelFor(roomCode string) string {
	return channelPrefix + roomCode
}

// Fabric bridges room events across process instances over Redis pub/sub.
// Publishes that fail are dropped with a warning; clients catch up on the
// next event or a refresh.
type Fabric struct {
	client *redis.Client
	guard  *resilience.Guard
	hub    *Hub
	logger *slog.Logger
}

func NewFabric(client *redis.Client, guard *resilience.Guard, hub *Hub) *Fabric {
	return &Fabric{
		client: client,
		guard:  guard,
		hub:    hub,
		logger: slog.Default(),
	}
}

func (f *Fabric) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("broadcast marshal failed", "type", ev.Type, "room", ev.RoomCode, "err", err)
		return
	}

	err = f.guard.Do(ctx, func(ctx context.Context) error {
		return f.client.Publish(ctx, channelFor(ev.RoomCode), raw).Err()
	})
	if err != nil {
		f.logger.Warn("broadcast dropped, pub/sub unavailable",
			"type", ev.Type, "room", ev.RoomCode, "err", err)
		metrics.IncBroadcast(true)
		return
	}
	metrics.IncBroadcast(false)
}

// Run subscribes to every room channel and forwards incoming events to
// the local hub until the context is canceled. go-redis reconnects the
// subscription transparently after broker outages.
func (f *Fabric) Run(ctx context.Context) error {
	sub := f.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				f.logger.Warn("dropping malformed broadcast", "channel", msg.Channel, "err", err)
				continue
			}
			f.hub.Deliver(ev)
		}
	}
}
