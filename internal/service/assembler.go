package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/db"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// ErrMalformedSequence is returned for element sequences that do not follow
// the node, relation, node alternation.
var ErrMalformedSequence = errors.New("malformed element sequence")

// GraphStore is the property graph used by the assembler. *db.Client implements it.
type GraphStore interface {
	MergeNode(ctx context.Context, in db.NodeInput) (*models.GraphNode, error)
	CreateNode(ctx context.Context, in db.NodeInput) (*models.GraphNode, error)
	Relate(ctx context.Context, fromID, relType, toID string) error
	TraceFrom(ctx context.Context, startID string, excluded []string) ([]models.TraceEdge, error)
}

// Assembly summarizes one assembled sequence.
type Assembly struct {
	ContentID string             `json:"content_id"`
	LearnerID string             `json:"learner_id"`
	EdgePairs int                `json:"edge_pairs"`
	Trace     []models.TraceEdge `json:"trace"`
	Summary   string             `json:"summary"`
}

// Assembler materializes extraction sequences as nodes and edges and reports
// completion to the status stream.
type Assembler struct {
	store     GraphStore
	sink      StatusSink
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewAssembler creates an assembler writing to store and reporting to sink.
func NewAssembler(store GraphStore, sink StatusSink, collector *metrics.Collector, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:     store,
		sink:      sink,
		collector: collector,
		logger:    logger.With("component", "assembler"),
	}
}

// imageRelations are left out of the completion traceback.
var imageRelations = []string{
	models.HasRelation(models.ImageRelation),
	models.OfRelation(models.ImageRelation),
}

// Assemble stores the entity sequence of msg. The leading content id element
// is optional. Then comes the learner node, and after it the relation and
// main-topic node pair. Each further (relation, node) pair links to the node
// before it. Consumption stops when fewer than three elements remain from the
// current node. A sequence without elements, or with the learner node alone,
// still stores the learner node.
func (a *Assembler) Assemble(ctx context.Context, msg models.GraphMessage) (*Assembly, error) {
	start := time.Now()
	defer a.collector.Time(metrics.OpAssemble, start)

	contentID, rest := normalizeSequence(msg.ContentID, msg.Elements)
	if contentID == "" {
		return nil, fmt.Errorf("%w: no content id", ErrMalformedSequence)
	}

	learner := models.NodeSpec{Name: msg.FileName, Kind: models.LearnerKind, Subtype: msg.MediaType}
	if len(rest) > 0 {
		if rest[0].Kind != models.ElementNode {
			return nil, fmt.Errorf("%w: element 0 is a %s, want node", ErrMalformedSequence, rest[0].Kind)
		}
		learner = rest[0].Node
	}
	if learner.Name == "" {
		return nil, fmt.Errorf("%w: learner node has no name", ErrMalformedSequence)
	}

	learnerID, err := a.mergeLearner(ctx, learner, contentID, msg.Location)
	if err != nil {
		return nil, err
	}

	out := &Assembly{ContentID: contentID, LearnerID: learnerID}
	prevID := learnerID
	for i := 0; len(rest)-i >= 3; i += 2 {
		rel, node := rest[i+1], rest[i+2]
		if rel.Kind != models.ElementRelation {
			return nil, fmt.Errorf("%w: element %d is a %s, want relation", ErrMalformedSequence, i+1, rel.Kind)
		}
		if node.Kind != models.ElementNode {
			return nil, fmt.Errorf("%w: element %d is a %s, want node", ErrMalformedSequence, i+2, node.Kind)
		}

		nodeID, err := a.mergeEntity(ctx, node.Node)
		if err != nil {
			return nil, err
		}
		if err := a.relatePair(ctx, prevID, rel.Relation, nodeID); err != nil {
			return nil, err
		}
		out.EdgePairs++
		prevID = nodeID
	}

	edges, err := a.store.TraceFrom(ctx, learnerID, imageRelations)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", learner.Name, err)
	}
	out.Trace = DedupeTrace(edges)
	out.Summary = SummarizeTrace(out.Trace)

	ev := models.NewStatusEvent(graphItem(msg, contentID, models.CategoryDocument), models.StatusProcessed,
		"Nodes and relations stored: "+out.Summary, models.StageGraph)
	if err := a.sink.Report(ctx, ev); err != nil {
		return nil, fmt.Errorf("report graph completion: %w", err)
	}

	a.logger.Info("sequence assembled", "content_id", contentID, "learner", learner.Name, "edge_pairs", out.EdgePairs, "trace_edges", len(out.Trace))
	return out, nil
}

// AssembleImage creates one learner node per classified image and links it to
// the node of the job the image came from. Image nodes are always created,
// never merged, so a redelivered message adds duplicates.
func (a *Assembler) AssembleImage(ctx context.Context, msg models.GraphMessage) (int, error) {
	start := time.Now()
	defer a.collector.Time(metrics.OpAssemble, start)

	if msg.ContentID == "" {
		return 0, fmt.Errorf("%w: no content id", ErrMalformedSequence)
	}

	jobName := msg.JobID
	if jobName == "" {
		jobName = models.UnknownContentID
	}
	jobNode, err := a.store.MergeNode(ctx, db.NodeInput{Name: jobName, Labels: []string{models.JobKind}})
	if err != nil {
		return 0, fmt.Errorf("merge job node: %w", err)
	}
	jobID, err := nodeID(jobNode)
	if err != nil {
		return 0, err
	}

	for _, img := range msg.Images {
		name := img.FileName
		if name == "" {
			name = msg.FileName
		}
		contentID := cmpOr(img.ContentID, msg.ContentID)
		location := cmpOr(img.Location, msg.Location)
		labels := []string{models.LearnerKind}
		if img.Format != "" {
			labels = append(labels, img.Format)
		}

		in := db.NodeInput{Name: name, Labels: labels, ContentID: &contentID}
		if location != "" {
			in.Location = &location
		}
		if img.PredictedClass != "" {
			in.PredictedClass = &img.PredictedClass
		}

		node, err := a.store.CreateNode(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("create image node %s: %w", name, err)
		}
		imageID, err := nodeID(node)
		if err != nil {
			return 0, err
		}
		if err := a.relatePair(ctx, jobID, models.ImageRelation, imageID); err != nil {
			return 0, err
		}
	}

	ev := models.NewStatusEvent(graphItem(msg, msg.ContentID, models.CategoryImage), models.StatusProcessed,
		fmt.Sprintf("Image nodes stored: %d", len(msg.Images)), models.StageGraph)
	if err := a.sink.Report(ctx, ev); err != nil {
		return 0, fmt.Errorf("report image completion: %w", err)
	}

	a.logger.Info("images assembled", "content_id", msg.ContentID, "job_id", msg.JobID, "images", len(msg.Images))
	return len(msg.Images), nil
}

// normalizeSequence strips a leading content id element. The message's own
// content id wins over the one in the sequence.
func normalizeSequence(contentID string, elements []models.Element) (string, []models.Element) {
	if len(elements) > 0 && elements[0].Kind == models.ElementContentID {
		if contentID == "" {
			contentID = elements[0].ContentID
		}
		elements = elements[1:]
	}
	return contentID, elements
}

func (a *Assembler) mergeLearner(ctx context.Context, n models.NodeSpec, contentID, location string) (string, error) {
	in := db.NodeInput{Key: db.LearnerKey(contentID), Name: n.Name, Labels: labelsOf(n), ContentID: &contentID}
	if location != "" {
		in.Location = &location
	}
	node, err := a.store.MergeNode(ctx, in)
	if err != nil {
		return "", fmt.Errorf("merge learner node %s: %w", n.Name, err)
	}
	return nodeID(node)
}

func (a *Assembler) mergeEntity(ctx context.Context, n models.NodeSpec) (string, error) {
	if n.Name == "" {
		return "", fmt.Errorf("%w: node without name", ErrMalformedSequence)
	}
	in := db.NodeInput{Name: n.Name, Labels: labelsOf(n)}
	if n.Profile != "" {
		in.Profile = &n.Profile
	}
	node, err := a.store.MergeNode(ctx, in)
	if err != nil {
		return "", fmt.Errorf("merge node %s: %w", n.Name, err)
	}
	return nodeID(node)
}

// relatePair stores the edge pair for (a, rel, b): b -has_rel-> a and a -rel_of-> b.
func (a *Assembler) relatePair(ctx context.Context, aID, rel, bID string) error {
	if rel == "" {
		return fmt.Errorf("%w: empty relation", ErrMalformedSequence)
	}
	if err := a.store.Relate(ctx, bID, models.HasRelation(rel), aID); err != nil {
		return fmt.Errorf("relate %s: %w", models.HasRelation(rel), err)
	}
	if err := a.store.Relate(ctx, aID, models.OfRelation(rel), bID); err != nil {
		return fmt.Errorf("relate %s: %w", models.OfRelation(rel), err)
	}
	return nil
}

func labelsOf(n models.NodeSpec) []string {
	var labels []string
	for _, l := range []string{n.Kind, n.Subtype} {
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func nodeID(n *models.GraphNode) (string, error) {
	if n == nil || n.ID == nil {
		return "", errors.New("stored node has no id")
	}
	return models.RecordIDString(*n.ID)
}

func graphItem(msg models.GraphMessage, contentID string, c models.Category) models.ContentItem {
	return models.ContentItem{JobID: msg.JobID, ContentID: contentID, Category: c, FileName: msg.FileName}
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// DedupeTrace drops edges that repeat the same relation between the same two
// nodes, irrespective of direction. The first occurrence is kept.
func DedupeTrace(edges []models.TraceEdge) []models.TraceEdge {
	type key struct{ a, b, rel string }
	seen := make(map[key]bool, len(edges))
	out := make([]models.TraceEdge, 0, len(edges))
	for _, e := range edges {
		pair := []string{e.From, e.To}
		slices.Sort(pair)
		k := key{pair[0], pair[1], e.RelType}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

// SummarizeTrace renders edges as a comma separated list.
func SummarizeTrace(edges []models.TraceEdge) string {
	parts := make([]string, len(edges))
	for i, e := range edges {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
