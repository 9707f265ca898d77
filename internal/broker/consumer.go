package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
)

// Message is one entry read from a channel.
type Message struct {
	ID      string
	Channel string
	Body    []byte
}

// Decode unmarshals the message body. Failures wrap ErrDecode.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: %s entry %s has no %s field", ErrDecode, m.Channel, m.ID, BodyField)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %s entry %s: %v", ErrDecode, m.Channel, m.ID, err)
	}
	return nil
}

// Handler processes one message. Returning nil acknowledges it. See ErrDecode,
// ErrMissingField and ErrAckDeferred for the other outcomes; any other error
// leaves the message pending and it is redelivered after RetryDelay.
type Handler func(ctx context.Context, msg Message) error

type consumeOptions struct {
	pool *ants.Pool
}

// ConsumeOption configures Consume.
type ConsumeOption func(*consumeOptions)

// WithPool handles the messages of each batch concurrently on pool.
// Consume waits for the whole batch before reading the next one.
func WithPool(pool *ants.Pool) ConsumeOption {
	return func(o *consumeOptions) {
		o.pool = pool
	}
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeHold
	outcomeRetry
)

// Consume declares the channel and runs the read loop until ctx is cancelled.
// The consumer's own pending entries are replayed first, so messages delivered
// to a previous run of this consumer are not lost across restarts.
func (c *Client) Consume(ctx context.Context, channel string, h Handler, opts ...ConsumeOption) error {
	var o consumeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := c.Declare(ctx, channel); err != nil {
		return err
	}
	c.logger.Info("consuming channel", "channel", channel, "group", c.cfg.Group, "consumer", c.cfg.Consumer)

	// pendingFrom is the pending-list cursor; empty means read new entries.
	pendingFrom := "0"
	for ctx.Err() == nil {
		id, block := ">", c.cfg.Block
		if pendingFrom != "" {
			id, block = pendingFrom, -1
		}

		streams, err := c.redis().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{channel, id},
			Count:    c.cfg.BatchSize,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				pendingFrom = ""
				continue
			}
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("read channel failed", "channel", channel, "error", err)
			if !sleep(ctx, c.cfg.RetryDelay) {
				break
			}
			if err := c.Reconnect(ctx); err != nil {
				c.logger.Warn("reconnect failed", "error", err)
			}
			continue
		}

		var msgs []Message
		for _, s := range streams {
			for _, m := range s.Messages {
				msgs = append(msgs, toMessage(channel, m))
			}
		}
		if pendingFrom != "" {
			if len(msgs) == 0 {
				pendingFrom = ""
				continue
			}
			pendingFrom = msgs[len(msgs)-1].ID
		}

		if c.dispatch(ctx, channel, msgs, h, o.pool) {
			pendingFrom = "0"
			if !sleep(ctx, c.cfg.RetryDelay) {
				break
			}
		}
	}

	c.logger.Info("stopped consuming channel", "channel", channel)
	return nil
}

// dispatch handles a batch and acknowledges what can be acknowledged.
// It reports whether any message asked for a retry.
func (c *Client) dispatch(ctx context.Context, channel string, msgs []Message, h Handler, pool *ants.Pool) bool {
	results := make([]outcome, len(msgs))

	if pool == nil {
		for i, m := range msgs {
			results[i] = c.handle(ctx, m, h)
		}
	} else {
		var wg sync.WaitGroup
		for i, m := range msgs {
			wg.Add(1)
			task := func() {
				defer wg.Done()
				results[i] = c.handle(ctx, m, h)
			}
			if err := pool.Submit(task); err != nil {
				c.logger.Warn("worker pool rejected message, handling inline", "channel", channel, "error", err)
				task()
			}
		}
		wg.Wait()
	}

	var ack []string
	retry := false
	for i, r := range results {
		switch r {
		case outcomeAck:
			ack = append(ack, msgs[i].ID)
		case outcomeRetry:
			retry = true
		}
	}
	// Acks go through even when ctx is already cancelled; the work is done.
	if err := c.Ack(context.WithoutCancel(ctx), channel, ack...); err != nil {
		c.logger.Error("ack failed", "channel", channel, "error", err)
		retry = true
	}
	return retry
}

func (c *Client) handle(ctx context.Context, m Message, h Handler) outcome {
	err := h(ctx, m)
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, ErrAckDeferred):
		return outcomeHold
	case IsPermanent(err):
		c.logger.Warn("dropping message", "channel", m.Channel, "id", m.ID, "error", err)
		return outcomeAck
	default:
		c.logger.Error("handle message failed, will retry", "channel", m.Channel, "id", m.ID, "error", err)
		return outcomeRetry
	}
}

func toMessage(channel string, m redis.XMessage) Message {
	msg := Message{ID: m.ID, Channel: channel}
	switch v := m.Values[BodyField].(type) {
	case string:
		msg.Body = []byte(v)
	case []byte:
		msg.Body = v
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
