// Package broker implements the pipeline's message channels on Redis streams.
// Every channel is one stream consumed through a shared consumer group; messages
// carry their JSON document in a single field.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel names besides the per-category ones (which are the category names).
const (
	ChannelStatus = "Status"
	ChannelGraph  = "Graph"
)

// BodyField is the stream entry field holding the JSON document.
const BodyField = "body"

const (
	defaultGroup      = "mediaflow"
	defaultBlock      = 5 * time.Second
	defaultBatchSize  = 10
	defaultRetryDelay = time.Second
	connectTimeout    = 5 * time.Second
)

// Config holds connection and consumer settings.
type Config struct {
	Addr     string
	Password string `json:"-"`
	DB       int

	Group      string        // consumer group shared by every consumer of a channel
	Consumer   string        // unique per process; pending entries are tracked per consumer
	Block      time.Duration // how long a read waits for new entries
	BatchSize  int64         // entries per read
	MaxLen     int64         // approximate stream cap, 0 = unbounded
	RetryDelay time.Duration // pause before re-reading pending entries after a failure
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "mediaflow-" + uuid.NewString()
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Client wraps a Redis client with channel declare/publish/consume operations.
// It is safe for concurrent use, including Reconnect.
type Client struct {
	mu     sync.RWMutex
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to broker", "addr", cfg.Addr, "group", cfg.Group, "consumer", cfg.Consumer)

	return &Client{rdb: rdb, cfg: cfg, logger: logger}, nil
}

func connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func (c *Client) redis() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Reconnect replaces the underlying connection pool with a fresh one.
func (c *Client) Reconnect(ctx context.Context) error {
	rdb, err := connect(ctx, c.cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb = rdb
	c.mu.Unlock()

	_ = old.Close()
	c.logger.Info("reconnected to broker", "addr", c.cfg.Addr)
	return nil
}

// Ping checks that Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis().Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.redis().Close()
}

// Declare ensures the channel's stream and consumer group exist. It is idempotent.
func (c *Client) Declare(ctx context.Context, channel string) error {
	err := c.redis().XGroupCreateMkStream(ctx, channel, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare channel %s: %w", channel, err)
	}
	return nil
}

// Publish appends a raw JSON document to the channel and returns the entry id.
func (c *Client) Publish(ctx context.Context, channel string, body []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: channel,
		Values: map[string]any{BodyField: body},
	}
	if c.cfg.MaxLen > 0 {
		args.MaxLen = c.cfg.MaxLen
		args.Approx = true
	}

	id, err := c.redis().XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return id, nil
}

// PublishJSON encodes v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, channel string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message for %s: %w", channel, err)
	}
	return c.Publish(ctx, channel, body)
}

// Ack acknowledges entries so they leave the consumer's pending list.
func (c *Client) Ack(ctx context.Context, channel string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.redis().XAck(ctx, channel, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), channel, err)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries on a channel.
func (c *Client) Pending(ctx context.Context, channel string) (int64, error) {
	p, err := c.redis().XPending(ctx, channel, c.cfg.Group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("pending on %s: %w", channel, err)
	}
	return p.Count, nil
}
