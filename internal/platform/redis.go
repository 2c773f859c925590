package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpenRedis connects to the Redis instance backing the provisioning
// idempotency lock (see internal/provisioning). Ping failure is fatal at
// construction, same as OpenDB.
func OpenRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("platform: redis_url is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("platform: parse redis_url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("platform: ping redis: %w", err)
	}

	return client, nil
}
