package health

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// Database pings the connection pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis pings the kill switch and scheduler lock backend.
func Redis(client redisPinger) Checker {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
