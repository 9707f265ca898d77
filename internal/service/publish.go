package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// Publisher sends self-describing messages to named broker channels.
// *broker.Client implements it.
type Publisher interface {
	Declare(ctx context.Context, channel string) error
	Reconnect(ctx context.Context) error
	Publish(ctx context.Context, channel string, body []byte) (string, error)
}

// channelPublisher declares each channel once before its first publish and
// retries a failed declare or publish once after reconnecting.
type channelPublisher struct {
	pub    Publisher
	logger *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

func newChannelPublisher(pub Publisher, logger *slog.Logger) *channelPublisher {
	return &channelPublisher{pub: pub, logger: logger, declared: make(map[string]bool)}
}

func (p *channelPublisher) declare(ctx context.Context, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[channel] {
		return nil
	}
	if err := p.pub.Declare(ctx, channel); err != nil {
		return err
	}
	p.declared[channel] = true
	return nil
}

func (p *channelPublisher) forget() {
	p.mu.Lock()
	clear(p.declared)
	p.mu.Unlock()
}

func (p *channelPublisher) attempt(ctx context.Context, channel string, body []byte) error {
	if err := p.declare(ctx, channel); err != nil {
		return fmt.Errorf("declare %s: %w", channel, err)
	}
	if _, err := p.pub.Publish(ctx, channel, body); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// publish sends body to channel.
func (p *channelPublisher) publish(ctx context.Context, channel string, body []byte) error {
	err := p.attempt(ctx, channel, body)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed, reconnecting", "channel", channel, "error", err)
	p.forget()
	if rerr := p.pub.Reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, rerr)
	}
	return p.attempt(ctx, channel, body)
}

func (p *channelPublisher) publishJSON(ctx context.Context, channel string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", channel, err)
	}
	return p.publish(ctx, channel, body)
}

// StatusSink receives status events for the correlator.
type StatusSink interface {
	Report(ctx context.Context, ev models.StatusEvent) error
}

// BrokerStatusSink publishes status events to the status channel.
type BrokerStatusSink struct {
	pub *channelPublisher
}

// NewBrokerStatusSink creates a sink publishing through pub.
func NewBrokerStatusSink(pub Publisher, logger *slog.Logger) *BrokerStatusSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerStatusSink{pub: newChannelPublisher(pub, logger)}
}

// Report implements StatusSink.
func (s *BrokerStatusSink) Report(ctx context.Context, ev models.StatusEvent) error {
	return s.pub.publishJSON(ctx, broker.ChannelStatus, ev)
}
