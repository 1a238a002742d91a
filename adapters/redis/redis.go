// Package redis keeps event streams and consumer versions in Redis. Writes
// are Lua scripts, so every check-and-set runs atomically on the server.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const ConnectTimeout = 5 * time.Second

type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix of every key (default: "sequent").
	Prefix string
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return "sequent"
	}
	return prefix
}
