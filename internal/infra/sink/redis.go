// Package sink forwards accepted threat events to systems outside the mesh:
// a Redis pub/sub channel for live consumers and a PostgreSQL archive.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "cyphermesh:events"

const publishTimeout = 2 * time.Second

// publisher is the subset of *redis.Client the sink uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes each accepted event, in its wire form, to a channel.
type Redis struct {
	client  publisher
	channel string
	logger  logrus.FieldLogger
}

// NewRedis connects to redisURL (redis://host:port/db) and verifies the
// connection with PING.
func NewRedis(redisURL, channel string, logger logrus.FieldLogger) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger != nil {
		logger.WithField("addr", opt.Addr).Info("connected to redis")
	}
	return newRedis(client, channel, logger), nil
}

func newRedis(client publisher, channel string, logger logrus.FieldLogger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	logger = logutil.OrDiscard(logger)
	return &Redis{client: client, channel: channel, logger: logger}
}

// Publish sends e to the channel.
func (r *Redis) Publish(e *domain.ThreatEvent) error {
	data, err := json.Marshal(e.Wire())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	receivers, err := r.client.Publish(ctx, r.channel, data).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"event": e.ID, "receivers": receivers}).Debug("published event")
	return nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
