package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// GraphRunner consumes the graph channel into the assembler.
type GraphRunner struct {
	assembler *Assembler
	consumer  Consumer
	sink      StatusSink
	collector *metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewGraphRunner creates a graph runner. Failures are reported to sink.
func NewGraphRunner(assembler *Assembler, consumer Consumer, sink StatusSink, collector *metrics.Collector, logger *slog.Logger) *GraphRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphRunner{
		assembler: assembler,
		consumer:  consumer,
		sink:      sink,
		collector: collector,
		logger:    logger.With("component", "graph"),
		attempts:  make(map[string]int),
	}
}

// Run consumes until ctx is cancelled.
func (g *GraphRunner) Run(ctx context.Context) error {
	return g.consumer.Consume(ctx, broker.ChannelGraph, g.Handle)
}

// Handle assembles one graph message. It implements broker.Handler.
func (g *GraphRunner) Handle(ctx context.Context, msg broker.Message) error {
	var gm models.GraphMessage
	if err := msg.Decode(&gm); err != nil {
		g.collector.DecodeDrop(msg.Channel)
		return err
	}
	if gm.ContentID == "" && len(gm.Elements) == 0 {
		return fmt.Errorf("%w: graph message %s has no content id", broker.ErrMissingField, msg.ID)
	}

	var err error
	switch gm.Kind {
	case models.GraphKindImage:
		_, err = g.assembler.AssembleImage(ctx, gm)
	case models.GraphKindEntities, "":
		_, err = g.assembler.Assemble(ctx, gm)
	default:
		err = fmt.Errorf("%w: unknown graph message kind %q", ErrMalformedSequence, gm.Kind)
	}
	if err == nil {
		g.clearAttempts(msg.ID)
		return nil
	}

	if !errors.Is(err, ErrMalformedSequence) && g.attempt(msg.ID) < maxAttempts {
		return err
	}
	g.clearAttempts(msg.ID)
	g.logger.Error("graph message failed", "id", msg.ID, "content_id", gm.ContentID, "error", err)

	category := models.CategoryDocument
	if gm.Kind == models.GraphKindImage {
		category = models.CategoryImage
	}
	ev := models.NewStatusEvent(graphItem(gm, gm.ContentID, category), models.StatusFailed, err.Error(), models.StageGraph)
	if rerr := g.sink.Report(context.WithoutCancel(ctx), ev); rerr != nil {
		g.logger.Error("report graph failure failed", "content_id", gm.ContentID, "error", rerr)
	}
	return nil
}

func (g *GraphRunner) attempt(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts[id]++
	return g.attempts[id]
}

func (g *GraphRunner) clearAttempts(id string) {
	g.mu.Lock()
	delete(g.attempts, id)
	g.mu.Unlock()
}

// StatusRunner consumes the status channel into the correlator.
type StatusRunner struct {
	correlator *Correlator
	consumer   Consumer
}

// NewStatusRunner creates a status runner.
func NewStatusRunner(correlator *Correlator, consumer Consumer) *StatusRunner {
	return &StatusRunner{correlator: correlator, consumer: consumer}
}

// Run consumes until ctx is cancelled.
func (s *StatusRunner) Run(ctx context.Context) error {
	return s.consumer.Consume(ctx, broker.ChannelStatus, s.Handle)
}

// Handle records one status message. Append failures are retried.
func (s *StatusRunner) Handle(ctx context.Context, msg broker.Message) error {
	_, err := s.correlator.OnEvent(ctx, msg.Body)
	return err
}
