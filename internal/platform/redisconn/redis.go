package redisconn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// New connects to the shared cache / pub-sub broker and waits for it to
// become reachable before returning, mirroring the Postgres connector.
func New(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	deadline := time.Now().Add(15 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = client.Close()
			return nil, err
		}
		time.Sleep(500 * time.Millisecond)
	}

	return client, nil
}
