package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// StatusStore persists status records. *db.Client implements it.
type StatusStore interface {
	AppendStatus(ctx context.Context, rec models.StatusRecord) (*models.StatusRecord, error)
	LoadStatus(ctx context.Context, jobID string) ([]models.StatusRecord, error)
	ClearStatus(ctx context.Context) (int, error)
}

// Observer receives every appended status record.
type Observer interface {
	Observe(rec models.StatusRecord) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec models.StatusRecord) error

// Observe implements Observer.
func (f ObserverFunc) Observe(rec models.StatusRecord) error { return f(rec) }

// Correlator merges status events from every stage into one durable record
// stream and pushes each record to live observers.
type Correlator struct {
	store     StatusStore
	collector *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	observers []subscription
	nextID    int

	// sendMu keeps every observer on one delivery order.
	sendMu sync.Mutex
}

type subscription struct {
	id int
	o  Observer
}

// NewCorrelator creates a correlator appending to store.
func NewCorrelator(store StatusStore, collector *metrics.Collector, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:     store,
		collector: collector,
		logger:    logger.With("component", "correlator"),
		now:       time.Now,
	}
}

// Subscribe registers o and returns a function removing it again.
func (c *Correlator) Subscribe(o Observer) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers = append(c.observers, subscription{id: id, o: o})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.observers = slices.DeleteFunc(c.observers, func(s subscription) bool { return s.id == id })
		c.mu.Unlock()
	}
}

// OnEvent decodes one raw status message and records it. Undecodable
// messages are rejected with broker.ErrDecode.
func (c *Correlator) OnEvent(ctx context.Context, raw []byte) (*models.StatusRecord, error) {
	var ev models.StatusEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.collector.DecodeDrop(broker.ChannelStatus)
		return nil, fmt.Errorf("%w: status event: %v", broker.ErrDecode, err)
	}
	return c.Record(ctx, ev)
}

// Record normalizes ev into a status record, appends it and broadcasts it.
// Missing identifiers are recorded as the Unknown placeholders.
func (c *Correlator) Record(ctx context.Context, ev models.StatusEvent) (*models.StatusRecord, error) {
	ref, _ := ev.Ref()
	if ref.ID == "" {
		ref.ID = models.UnknownContentID
	}
	jobID := ev.JobID
	if jobID == "" {
		jobID = models.UnknownJobID
	}

	rec := models.StatusRecord{
		JobID:       jobID,
		ContentID:   ref.ID,
		ContentType: ref.Category.Label(),
		FileName:    ev.FileName,
		Status:      models.NormalizeStatus(ev.Status),
		Message:     ev.Message,
		Stage:       ev.Stage,
	}
	if t, ok := models.ParseEventTime(ev.Time); ok {
		rec.Time = t.UTC()
	} else {
		rec.Time = c.now().UTC()
	}

	stored, err := c.store.AppendStatus(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("append status: %w", err)
	}
	c.collector.StatusEvent(string(stored.Status))
	c.logger.Debug("status recorded", "job_id", stored.JobID, "content_id", stored.ContentID, "status", stored.Status, "stage", stored.Stage)

	c.broadcast(*stored)
	return stored, nil
}

// Report implements StatusSink by recording ev directly.
func (c *Correlator) Report(ctx context.Context, ev models.StatusEvent) error {
	_, err := c.Record(ctx, ev)
	return err
}

// broadcast hands rec to every observer in subscription order. Observers
// must not block.
func (c *Correlator) broadcast(rec models.StatusRecord) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.RLock()
	subs := slices.Clone(c.observers)
	c.mu.RUnlock()

	for _, s := range subs {
		if err := s.o.Observe(rec); err != nil {
			c.logger.Warn("observer failed", "observer", s.id, "content_id", rec.ContentID, "error", err)
		}
	}
}

// LoadAll returns every record, newest first. A non-empty jobID filters to one job.
func (c *Correlator) LoadAll(ctx context.Context, jobID string) ([]models.StatusRecord, error) {
	return c.store.LoadStatus(ctx, jobID)
}

// ClearAll deletes every record and returns how many were removed.
func (c *Correlator) ClearAll(ctx context.Context) (int, error) {
	n, err := c.store.ClearStatus(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("status records cleared", "count", n)
	return n, nil
}
