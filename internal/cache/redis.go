package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the Redis client used for quota window counters.
type Redis struct {
	Client *redis.Client
}

// New creates a new Redis client from a redis:// URL.
func New(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Info().Msg("Redis connection established")

	return &Redis{Client: client}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	err := r.Client.Close()
	log.Info().Msg("Redis connection closed")
	return err
}

// Health checks if Redis is reachable.
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
