package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

const defaultFindLimit = 50

// GraphQuerier is the read and rename surface of the graph store. *db.Client implements it.
type GraphQuerier interface {
	FindNodes(ctx context.Context, partial string, limit int) ([]models.GraphNode, error)
	GetNodeByName(ctx context.Context, name string) (*models.GraphNode, error)
	RenameNode(ctx context.Context, oldName, newName string) (int, error)
	TraceFrom(ctx context.Context, startID string, excluded []string) ([]models.TraceEdge, error)
}

// Trace is a node with every edge reachable from it.
type Trace struct {
	Node    models.GraphNode   `json:"node"`
	Edges   []models.TraceEdge `json:"edges"`
	Summary string             `json:"summary"`
}

// GraphAdmin answers administrative graph queries.
type GraphAdmin struct {
	store GraphQuerier
}

// NewGraphAdmin creates a graph admin over store.
func NewGraphAdmin(store GraphQuerier) *GraphAdmin {
	return &GraphAdmin{store: store}
}

// FindNodes returns nodes whose name contains partial, ignoring case.
func (g *GraphAdmin) FindNodes(ctx context.Context, partial string, limit int) ([]models.GraphNode, error) {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return nil, fmt.Errorf("search text is required")
	}
	if limit <= 0 {
		limit = defaultFindLimit
	}
	return g.store.FindNodes(ctx, partial, limit)
}

// Trace looks up the node named name and follows every edge reachable from it.
// Returns db.ErrNotFound when no node has that exact name.
func (g *GraphAdmin) Trace(ctx context.Context, name string) (*Trace, error) {
	node, err := g.store.GetNodeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	id, err := nodeID(node)
	if err != nil {
		return nil, err
	}
	edges, err := g.store.TraceFrom(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", name, err)
	}
	edges = DedupeTrace(edges)
	return &Trace{Node: *node, Edges: edges, Summary: SummarizeTrace(edges)}, nil
}

// RenameNode renames every node called oldName and returns how many changed.
func (g *GraphAdmin) RenameNode(ctx context.Context, oldName, newName string) (int, error) {
	if strings.TrimSpace(newName) == "" {
		return 0, fmt.Errorf("new name is required")
	}
	return g.store.RenameNode(ctx, oldName, newName)
}
