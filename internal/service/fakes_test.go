package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/db"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

var errBoom = errors.New("boom")

func newBroker(t *testing.T) (*broker.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := broker.New(context.Background(), broker.Config{
		Addr:       mr.Addr(),
		Consumer:   "test-consumer",
		Block:      20 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

// streamBodies returns the JSON bodies published to a miniredis stream.
func streamBodies(t *testing.T, mr *miniredis.Miniredis, channel string) [][]byte {
	t.Helper()
	if !mr.Exists(channel) {
		return nil
	}
	entries, err := mr.Stream(channel)
	require.NoError(t, err)
	var out [][]byte
	for _, e := range entries {
		for i := 0; i+1 < len(e.Values); i += 2 {
			if e.Values[i] == broker.BodyField {
				out = append(out, []byte(e.Values[i+1]))
			}
		}
	}
	return out
}

type published struct {
	channel string
	body    []byte
}

// recordingPublisher is an in-memory Publisher. The first failures publishes
// to a channel listed in failures return errBoom.
type recordingPublisher struct {
	mu         sync.Mutex
	messages   []published
	failures   map[string]int
	reconnects int
}

func (p *recordingPublisher) Declare(context.Context, string) error { return nil }

func (p *recordingPublisher) Reconnect(context.Context) error {
	p.mu.Lock()
	p.reconnects++
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, body []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[channel] > 0 {
		p.failures[channel]--
		return "", errBoom
	}
	p.messages = append(p.messages, published{channel: channel, body: slices.Clone(body)})
	return fmt.Sprintf("%d-0", len(p.messages)), nil
}

func (p *recordingPublisher) on(channel string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, m := range p.messages {
		if m.channel == channel {
			out = append(out, m.body)
		}
	}
	return out
}

// recordingSink collects status events.
type recordingSink struct {
	mu     sync.Mutex
	events []models.StatusEvent
	err    error
}

func (s *recordingSink) Report(_ context.Context, ev models.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []models.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// memStatusStore is an in-memory StatusStore.
type memStatusStore struct {
	mu      sync.Mutex
	records []models.StatusRecord
	err     error
}

func (s *memStatusStore) AppendStatus(_ context.Context, rec models.StatusRecord) (*models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	rec.ID = &surrealmodels.RecordID{Table: "status_event", ID: fmt.Sprintf("s%d", len(s.records)+1)}
	s.records = append(s.records, rec)
	return &rec, nil
}

func (s *memStatusStore) LoadStatus(_ context.Context, jobID string) ([]models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StatusRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if jobID == "" || s.records[i].JobID == jobID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memStatusStore) ClearStatus(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = nil
	return n, nil
}

type memLink struct {
	from, rel, to string
}

// memGraph is an in-memory GraphStore and GraphQuerier.
type memGraph struct {
	mu      sync.Mutex
	nodes   map[string]*models.GraphNode
	order   []string
	links   []memLink
	created int
	err     error
}

func newMemGraph() *memGraph {
	return &memGraph{nodes: make(map[string]*models.GraphNode)}
}

func (g *memGraph) store(id string, in db.NodeInput) *models.GraphNode {
	n := &models.GraphNode{
		ID:             &surrealmodels.RecordID{Table: "node", ID: id},
		Name:           in.Name,
		Labels:         in.Labels,
		ContentID:      in.ContentID,
		Location:       in.Location,
		Profile:        in.Profile,
		PredictedClass: in.PredictedClass,
	}
	if _, ok := g.nodes[id]; !ok {
		g.order = append(g.order, id)
	}
	g.nodes[id] = n
	return n
}

func (g *memGraph) MergeNode(_ context.Context, in db.NodeInput) (*models.GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	id := in.MergeKey()
	if n, ok := g.nodes[id]; ok {
		return n, nil
	}
	return g.store(id, in), nil
}

func (g *memGraph) CreateNode(_ context.Context, in db.NodeInput) (*models.GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	return g.store(fmt.Sprintf("created-%d", g.created), in), nil
}

func (g *memGraph) Relate(_ context.Context, fromID, relType, toID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := memLink{fromID, relType, toID}
	if !slices.Contains(g.links, l) {
		g.links = append(g.links, l)
	}
	return nil
}

func (g *memGraph) TraceFrom(_ context.Context, startID string, excluded []string) ([]models.TraceEdge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var edges []models.TraceEdge
	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	for len(frontier) > 0 {
		var next []string
		for _, l := range g.links {
			if !slices.Contains(frontier, l.from) || slices.Contains(excluded, l.rel) {
				continue
			}
			edges = append(edges, models.TraceEdge{From: g.nodes[l.from].Name, RelType: l.rel, To: g.nodes[l.to].Name})
			if !visited[l.to] {
				visited[l.to] = true
				next = append(next, l.to)
			}
		}
		frontier = next
	}
	return edges, nil
}

func (g *memGraph) FindNodes(_ context.Context, partial string, limit int) ([]models.GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.GraphNode
	for _, id := range g.order {
		if n := g.nodes[id]; containsFold(n.Name, partial) && len(out) < limit {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (g *memGraph) GetNodeByName(_ context.Context, name string) (*models.GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.order {
		if g.nodes[id].Name == name {
			return g.nodes[id], nil
		}
	}
	return nil, fmt.Errorf("node %q: %w", name, db.ErrNotFound)
}

func (g *memGraph) RenameNode(_ context.Context, oldName, newName string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, node := range g.nodes {
		if node.Name == oldName {
			node.Name = newName
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("node %q: %w", oldName, db.ErrNotFound)
	}
	return n, nil
}

func (g *memGraph) byLabel(label string) []models.GraphNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.GraphNode
	for _, id := range g.order {
		if slices.Contains(g.nodes[id].Labels, label) {
			out = append(out, *g.nodes[id])
		}
	}
	return out
}

// fakeConsumer blocks in Consume until ctx is done.
type fakeConsumer struct{}

func (fakeConsumer) Consume(ctx context.Context, _ string, _ broker.Handler, _ ...broker.ConsumeOption) error {
	<-ctx.Done()
	return nil
}

func refOf(ev models.StatusEvent) models.ContentRef {
	ref, _ := ev.Ref()
	return ref
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func message(t *testing.T, channel, id string, v any) broker.Message {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return broker.Message{ID: id, Channel: channel, Body: body}
}
