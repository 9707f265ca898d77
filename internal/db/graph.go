package db

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// NodeInput describes a graph node to merge or create.
type NodeInput struct {
	// Key is the record key MergeNode merges under. Empty means NodeID(Name).
	Key            string
	Name           string
	Labels         []string
	ContentID      *string
	Location       *string
	Profile        *string
	PredictedClass *string
}

func (in NodeInput) vars(id string) map[string]any {
	labels := in.Labels
	if labels == nil {
		labels = []string{}
	}
	return map[string]any{
		"id":              id,
		"name":            in.Name,
		"labels":          labels,
		"content_id":      in.ContentID,
		"location":        in.Location,
		"profile":         in.Profile,
		"predicted_class": in.PredictedClass,
	}
}

// NodeID derives the record id a node name merges under.
func NodeID(name string) string {
	if slug := models.Slugify(name); slug != "" {
		return slug
	}
	sum := sha1.Sum([]byte(name))
	return "n" + hex.EncodeToString(sum[:])[:16]
}

// MergeKey returns the record key the node merges under.
func (in NodeInput) MergeKey() string {
	if in.Key != "" {
		return in.Key
	}
	return NodeID(in.Name)
}

// LearnerKey is the record key of the learner node of one content item.
// Learner nodes are per item, so two uploads sharing a file name stay apart.
func LearnerKey(contentID string) string {
	return "learner:" + contentID
}

// MergeNode creates the node keyed by in.MergeKey() or merges into the
// existing one. Labels are unioned; attributes already set are kept.
func (c *Client) MergeNode(ctx context.Context, in NodeInput) (*models.GraphNode, error) {
	rows, err := query[models.GraphNode](ctx, c, `
		UPSERT type::record("node", $id) SET
			name = $name,
			labels = array::union(labels ?? [], $labels),
			content_id = content_id ?? $content_id,
			location = location ?? $location,
			profile = IF profile THEN profile ELSE $profile END,
			predicted_class = predicted_class ?? $predicted_class
		RETURN AFTER
	`, in.vars(in.MergeKey()))
	if err != nil {
		return nil, fmt.Errorf("merge node %q: %w", in.Name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("merge node %q: no result returned", in.Name)
	}
	return &rows[0], nil
}

// CreateNode always creates a new node with a generated id, even if one with
// the same name exists.
func (c *Client) CreateNode(ctx context.Context, in NodeInput) (*models.GraphNode, error) {
	rows, err := query[models.GraphNode](ctx, c, `
		CREATE node SET
			name = $name,
			labels = $labels,
			content_id = $content_id,
			location = $location,
			profile = $profile,
			predicted_class = $predicted_class
		RETURN AFTER
	`, in.vars(""))
	if err != nil {
		return nil, fmt.Errorf("create node %q: %w", in.Name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("create node %q: no result returned", in.Name)
	}
	return &rows[0], nil
}

// Relate creates the edge from -relType-> to between two node ids. An edge that
// already exists is left as is.
func (c *Client) Relate(ctx context.Context, fromID, relType, toID string) error {
	_, err := query[any](ctx, c, `
		RELATE type::record("node", $from)->link->type::record("node", $to) SET rel_type = $rel_type
	`, map[string]any{
		"from":     fromID,
		"to":       toID,
		"rel_type": relType,
	})
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("relate %s -[%s]-> %s: %w", fromID, relType, toID, err)
	}
	return nil
}

// FindNodes returns nodes whose name contains partial, case-insensitively.
func (c *Client) FindNodes(ctx context.Context, partial string, limit int) ([]models.GraphNode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := query[models.GraphNode](ctx, c, `
		SELECT * FROM node
		WHERE string::contains(string::lowercase(name), string::lowercase($q))
		ORDER BY name LIMIT $limit
	`, map[string]any{"q": partial, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	if rows == nil {
		return []models.GraphNode{}, nil
	}
	return rows, nil
}

// GetNodeByName returns the first node with exactly this name, or ErrNotFound.
func (c *Client) GetNodeByName(ctx context.Context, name string) (*models.GraphNode, error) {
	rows, err := query[models.GraphNode](ctx, c, `SELECT * FROM node WHERE name = $name LIMIT 1`,
		map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("node %q: %w", name, ErrNotFound)
	}
	return &rows[0], nil
}

// RenameNode renames every node called oldName. The record ids are unchanged.
// Returns ErrNotFound if no node has that name.
func (c *Client) RenameNode(ctx context.Context, oldName, newName string) (int, error) {
	rows, err := query[models.GraphNode](ctx, c, `UPDATE node SET name = $new WHERE name = $old RETURN AFTER`,
		map[string]any{"old": oldName, "new": newName})
	if err != nil {
		return 0, fmt.Errorf("rename node: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("node %q: %w", oldName, ErrNotFound)
	}
	return len(rows), nil
}

type edgeRow struct {
	FromName string `json:"from_name"`
	RelType  string `json:"rel_type"`
	ToName   string `json:"to_name"`
	ToID     string `json:"to_id"`
}

// maxTraceDepth bounds how many hops TraceFrom follows.
const maxTraceDepth = 64

// TraceFrom walks outgoing links breadth first from the node with id startID,
// skipping relation types in excluded, and returns every edge visited.
// Edges come back as stored; both directions of a pair are included.
func (c *Client) TraceFrom(ctx context.Context, startID string, excluded []string) ([]models.TraceEdge, error) {
	if excluded == nil {
		excluded = []string{}
	}

	var edges []models.TraceEdge
	visited := map[string]bool{startID: true}
	frontier := []string{startID}

	for depth := 0; depth < maxTraceDepth && len(frontier) > 0; depth++ {
		rows, err := query[edgeRow](ctx, c, `
			SELECT in.name AS from_name, rel_type, out.name AS to_name, <string>record::id(out) AS to_id
			FROM link
			WHERE record::id(in) IN $ids AND rel_type NOTINSIDE $excluded
		`, map[string]any{"ids": frontier, "excluded": excluded})
		if err != nil {
			return nil, fmt.Errorf("trace from %s: %w", startID, err)
		}

		var next []string
		for _, r := range rows {
			edges = append(edges, models.TraceEdge{From: r.FromName, RelType: r.RelType, To: r.ToName})
			if !visited[r.ToID] {
				visited[r.ToID] = true
				next = append(next, r.ToID)
			}
		}
		frontier = next
	}
	return edges, nil
}
