package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// ItemRoute is the routing outcome of one content item.
type ItemRoute struct {
	ContentID string          `json:"content_id"`
	Category  models.Category `json:"category"`
	FileName  string          `json:"file_name"`
	Chunks    int             `json:"chunks"`
	Error     string          `json:"error,omitempty"`
}

// RouteResult summarizes the routing of one job.
type RouteResult struct {
	JobID  string                  `json:"job_id"`
	Counts map[models.Category]int `json:"counts"`
	Items  []ItemRoute             `json:"items"`
}

// Failed returns the number of items that could not be handed off.
func (r RouteResult) Failed() int {
	n := 0
	for _, it := range r.Items {
		if it.Error != "" {
			n++
		}
	}
	return n
}

// Router publishes the content items of a job to their category channels.
type Router struct {
	pub       *channelPublisher
	maxSize   int
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewRouter creates a router splitting payloads larger than maxSize bytes.
func NewRouter(pub Publisher, maxSize int, collector *metrics.Collector, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")
	return &Router{
		pub:       newChannelPublisher(pub, logger),
		maxSize:   maxSize,
		collector: collector,
		logger:    logger,
	}
}

// Route hands every item of job to its category channel and publishes one
// status event per item. A Processed event means the item was handed off;
// an item whose publish failed gets a Failed event carrying the error text.
// Per-item failures are reported in the result, not returned.
func (r *Router) Route(ctx context.Context, job *models.Job) RouteResult {
	result := RouteResult{JobID: job.ID, Counts: make(map[models.Category]int)}

	for _, c := range models.Categories {
		items := job.Items(c)
		if len(items) == 0 {
			continue
		}
		result.Counts[c] = len(items)
		for _, item := range items {
			result.Items = append(result.Items, r.routeItem(ctx, item))
		}
	}

	r.logger.Info("job routed", "job_id", job.ID, "items", len(result.Items), "failed", result.Failed())
	return result
}

func (r *Router) routeItem(ctx context.Context, item models.ContentItem) ItemRoute {
	frags := chunk.Split(item, r.maxSize)
	route := ItemRoute{
		ContentID: item.ContentID,
		Category:  item.Category,
		FileName:  item.FileName,
		Chunks:    len(frags),
	}

	start := time.Now()
	err := r.publishFragments(ctx, item.Category, frags)
	r.collector.Time(metrics.OpPublish, start)
	r.collector.Routed(string(item.Category), err == nil)

	var ev models.StatusEvent
	if err != nil {
		route.Error = err.Error()
		r.logger.Error("route item failed", "job_id", item.JobID, "content_id", item.ContentID, "error", err)
		ev = models.NewStatusEvent(item, models.StatusFailed, err.Error(), models.StageRouter)
	} else {
		ev = models.NewStatusEvent(item, models.StatusProcessed, handOffMessage(item, len(frags)), models.StageRouter)
	}

	if err := r.pub.publishJSON(ctx, broker.ChannelStatus, ev); err != nil {
		r.logger.Error("publish status failed", "job_id", item.JobID, "content_id", item.ContentID, "error", err)
		if route.Error == "" {
			route.Error = err.Error()
		}
	}
	return route
}

func (r *Router) publishFragments(ctx context.Context, c models.Category, frags []models.ContentItem) error {
	for _, frag := range frags {
		if err := r.pub.publishJSON(ctx, string(c), frag); err != nil {
			if frag.IsChunk() {
				return fmt.Errorf("chunk %d of %d: %w", frag.ChunkNumber, frag.TotalChunks, err)
			}
			return err
		}
	}
	return nil
}

func handOffMessage(item models.ContentItem, chunks int) string {
	msg := fmt.Sprintf("%s %s handed off to the %s stage", item.Category.Label(), item.FileName, models.StageFor(item.Category))
	if chunks > 1 {
		msg += fmt.Sprintf(" in %d chunks", chunks)
	}
	return msg
}
