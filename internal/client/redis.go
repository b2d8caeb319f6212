package client

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisClient owns the connection pool used by the event journal.
type RedisClient struct {
	client *redis.Client
	addr   string
	logger *logrus.Entry
}

// NewRedisClient creates a new RedisClient. No connection is made until Connect.
func NewRedisClient(addr, password string, logger *logrus.Entry) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	})

	return &RedisClient{
		client: client,
		addr:   addr,
		logger: logger,
	}
}

// Connect establishes connection to Redis with a timeout.
func (r *RedisClient) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := r.client.Ping(connectCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", r.addr, err)
	}

	r.logger.Infof("connected to Redis at %s", r.addr)
	return nil
}

// Client exposes the underlying go-redis client for the journal.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks the Redis connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	r.logger.Info("closing Redis connection...")
	return r.client.Close()
}
