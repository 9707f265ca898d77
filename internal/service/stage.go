package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/raphaelgruber/mediaflow/internal/blob"
	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// Outcome is what a processor produced for one reassembled item.
type Outcome struct {
	// Message replaces the default status message when set.
	Message string
	// Artifacts are stored in the blob store under the item's content id.
	Artifacts map[string][]byte
	// Graph, when set, is published to the graph channel.
	Graph *models.GraphMessage
}

// Processor transforms one complete content item. location addresses the
// stored payload. A returned error fails the item; it is not retried.
type Processor interface {
	Process(ctx context.Context, item models.ContentItem, location string) (*Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item models.ContentItem, location string) (*Outcome, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, item models.ContentItem, location string) (*Outcome, error) {
	return f(ctx, item, location)
}

// Consumer reads a broker channel. *broker.Client implements it.
type Consumer interface {
	Consume(ctx context.Context, channel string, h broker.Handler, opts ...broker.ConsumeOption) error
}

// PayloadStore keeps processed payloads and their artifacts. *blob.Store implements it.
type PayloadStore interface {
	Put(ctx context.Context, obj blob.Object, payload []byte) (blob.Object, error)
	PutArtifact(ctx context.Context, contentID, name string, data []byte) error
}

// Location returns the blob address of a content item's payload.
func Location(contentID string) string {
	return "blob://" + contentID
}

// maxAttempts is how often an item is tried before infrastructure errors fail it.
const maxAttempts = 2

// errProcessor marks a processor failure, as opposed to an infrastructure one.
var errProcessor = errors.New("processor failed")

// StageRunner binds one category channel to a processor. Fragments go to a
// fragment store shared by every runner of the stage and are acknowledged
// once stored. The delivery completing an item stays pending until the item
// is handled.
type StageRunner struct {
	category    models.Category
	stage       string
	processor   Processor
	consumer    Consumer
	store       PayloadStore
	pub         *channelPublisher
	sink        StatusSink
	reassembler *chunk.Reassembler
	collector   *metrics.Collector
	logger      *slog.Logger

	mu       sync.Mutex
	attempts map[chunk.Key]int
}

// StageRunnerConfig holds the collaborators of a StageRunner.
type StageRunnerConfig struct {
	Category  models.Category
	Processor Processor
	Consumer  Consumer
	Publisher Publisher
	Store     PayloadStore
	// Fragments holds fragments under reassembly. Defaults to an in-memory
	// store, which only serves a single runner per stage.
	Fragments chunk.Store
	Sink      StatusSink
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// NewStageRunner creates a stage runner for cfg.Category.
func NewStageRunner(cfg StageRunnerConfig) *StageRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stage := models.StageFor(cfg.Category)
	logger = logger.With("component", "stage", "stage", stage)

	fragments := cfg.Fragments
	if fragments == nil {
		fragments = chunk.NewMemoryStore()
	}

	r := &StageRunner{
		category:    cfg.Category,
		stage:       stage,
		processor:   cfg.Processor,
		consumer:    cfg.Consumer,
		store:       cfg.Store,
		pub:         newChannelPublisher(cfg.Publisher, logger),
		sink:        cfg.Sink,
		reassembler: chunk.NewReassembler(fragments),
		collector:   cfg.Collector,
		logger:      logger,
		attempts:    make(map[chunk.Key]int),
	}
	cfg.Collector.TrackReassembly(stage, r.reassembler)
	return r
}

// Stage returns the stage name.
func (r *StageRunner) Stage() string { return r.stage }

// Reassembler exposes the runner's reassembly state for operators.
func (r *StageRunner) Reassembler() *chunk.Reassembler { return r.reassembler }

// Run consumes the category channel until ctx is cancelled. A non-nil pool
// handles each read batch concurrently.
func (r *StageRunner) Run(ctx context.Context, pool *ants.Pool) error {
	var opts []broker.ConsumeOption
	if pool != nil {
		opts = append(opts, broker.WithPool(pool))
	}
	return r.consumer.Consume(ctx, string(r.category), r.Handle, opts...)
}

// Handle applies one fragment message. It implements broker.Handler.
func (r *StageRunner) Handle(ctx context.Context, msg broker.Message) error {
	var item models.ContentItem
	if err := msg.Decode(&item); err != nil {
		r.collector.DecodeDrop(msg.Channel)
		return err
	}
	if item.JobID == "" || item.ContentID == "" {
		return fmt.Errorf("%w: %s message %s needs a job id and %s", broker.ErrMissingField, msg.Channel, msg.ID, r.category.IDField())
	}
	if item.Category != r.category {
		return fmt.Errorf("%w: %s message %s carries no %s", broker.ErrMissingField, msg.Channel, msg.ID, r.category.IDField())
	}

	start := time.Now()
	progress, err := r.reassembler.Add(ctx, item, msg.ID)
	r.collector.Time(metrics.OpReassemble, start)
	if errors.Is(err, chunk.ErrInvalidChunk) {
		r.logger.Warn("rejecting fragment", "content_id", item.ContentID, "error", err)
		r.report(ctx, item, models.StatusFailed, err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("reassemble %s: %w", item.ContentID, err)
	}
	if !progress.Complete {
		// Stored fragments are acknowledged right away; the consumer that
		// applies the last one assembles the item.
		if !progress.Duplicate {
			r.logger.Debug("fragment stored", "content_id", item.ContentID, "received", progress.Received, "total", progress.Total)
		}
		return nil
	}

	key := chunk.KeyOf(item)
	if err := r.process(ctx, progress.Item); err != nil {
		if errors.Is(err, errProcessor) || r.attempt(key) >= maxAttempts {
			r.logger.Error("item failed", "content_id", item.ContentID, "error", err)
			r.clearAttempts(key)
			r.report(ctx, progress.Item, models.StatusFailed, err.Error())
			r.finish(ctx, item)
			return nil
		}
		// Left pending: the redelivered fragment reclaims the stored item.
		return err
	}

	r.clearAttempts(key)
	r.finish(ctx, item)
	return nil
}

// finish releases the fragments of a handled item.
func (r *StageRunner) finish(ctx context.Context, item models.ContentItem) {
	if !item.IsChunk() {
		return
	}
	if err := r.reassembler.Finish(context.WithoutCancel(ctx), chunk.KeyOf(item)); err != nil {
		r.logger.Warn("release fragments failed", "content_id", item.ContentID, "error", err)
	}
}

// process stores the payload, runs the processor and publishes its results.
// Processor errors wrap errProcessor; everything else is infrastructure.
func (r *StageRunner) process(ctx context.Context, item models.ContentItem) error {
	start := time.Now()
	defer r.collector.Time(metrics.OpProcess, start)

	obj := blob.Object{
		JobID:     item.JobID,
		ContentID: item.ContentID,
		Category:  string(item.Category),
		FileName:  item.FileName,
		MediaType: item.MediaType,
	}
	if _, err := r.store.Put(ctx, obj, item.Payload); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}

	location := Location(item.ContentID)
	out, err := r.processor.Process(ctx, item, location)
	if err != nil {
		return fmt.Errorf("%w: %w", errProcessor, err)
	}
	if out == nil {
		out = &Outcome{}
	}

	for name, data := range out.Artifacts {
		if err := r.store.PutArtifact(ctx, item.ContentID, name, data); err != nil {
			return fmt.Errorf("store %s artifact: %w", name, err)
		}
	}

	if out.Graph != nil {
		if out.Graph.Location == "" {
			out.Graph.Location = location
		}
		if err := r.pub.publishJSON(ctx, broker.ChannelGraph, out.Graph); err != nil {
			return err
		}
	}

	message := out.Message
	if message == "" {
		message = fmt.Sprintf("Processed in %s stage", item.Category)
	}
	ev := models.NewStatusEvent(item, models.StatusProcessed, message, r.stage)
	if err := r.sink.Report(ctx, ev); err != nil {
		return fmt.Errorf("report status: %w", err)
	}

	r.logger.Info("item processed", "job_id", item.JobID, "content_id", item.ContentID, "file", item.FileName, "bytes", len(item.Payload))
	return nil
}

// report sends a status event without payload. Failures are logged only.
func (r *StageRunner) report(ctx context.Context, item models.ContentItem, status models.Status, message string) {
	ev := models.NewStatusEvent(item, status, message, r.stage)
	if err := r.sink.Report(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Error("report status failed", "content_id", item.ContentID, "status", status, "error", err)
	}
}

func (r *StageRunner) attempt(key chunk.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key]++
	return r.attempts[key]
}

func (r *StageRunner) clearAttempts(key chunk.Key) {
	r.mu.Lock()
	delete(r.attempts, key)
	r.mu.Unlock()
}
