package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/raphaelgruber/mediaflow/internal/db"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	learner = models.NodeSpec{Name: "engines.pdf", Kind: models.LearnerKind, Subtype: "pdf"}
	engine  = models.NodeSpec{Name: "Diesel Engine", Kind: "digitalTwin", Subtype: "engine", Profile: "Runs on diesel."}
	gen     = models.NodeSpec{Name: "Electric Generator", Kind: "digitalTwin", Subtype: "generator"}
)

func newAssembler() (*Assembler, *memGraph, *recordingSink) {
	g := newMemGraph()
	sink := &recordingSink{}
	return NewAssembler(g, sink, nil, nil), g, sink
}

func TestAssembleSequences(t *testing.T) {
	tests := []struct {
		name      string
		msg       models.GraphMessage
		wantPairs int
		wantLinks int
		wantNodes int
	}{
		{
			name: "four elements",
			msg: models.GraphMessage{Elements: []models.Element{
				models.ContentIDElement("c1"),
				models.NodeElement(learner),
				models.RelationElement(models.LearnerRelation),
				models.NodeElement(engine),
			}},
			wantPairs: 1,
			wantLinks: 2,
			wantNodes: 2,
		},
		{
			name: "six elements",
			msg: models.GraphMessage{Elements: []models.Element{
				models.ContentIDElement("c1"),
				models.NodeElement(learner),
				models.RelationElement(models.LearnerRelation),
				models.NodeElement(engine),
				models.RelationElement("powers"),
				models.NodeElement(gen),
			}},
			wantPairs: 2,
			wantLinks: 4,
			wantNodes: 3,
		},
		{
			name: "content id on the message",
			msg: models.GraphMessage{ContentID: "c1", Elements: []models.Element{
				models.NodeElement(learner),
				models.RelationElement(models.LearnerRelation),
				models.NodeElement(engine),
			}},
			wantPairs: 1,
			wantLinks: 2,
			wantNodes: 2,
		},
		{
			name: "learner only",
			msg: models.GraphMessage{Elements: []models.Element{
				models.ContentIDElement("c1"),
				models.NodeElement(learner),
				models.RelationElement(models.LearnerRelation),
			}},
			wantPairs: 0,
			wantLinks: 0,
			wantNodes: 1,
		},
		{
			name:      "no elements",
			msg:       models.GraphMessage{ContentID: "c1", FileName: "empty.txt", MediaType: "txt"},
			wantPairs: 0,
			wantLinks: 0,
			wantNodes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, g, sink := newAssembler()

			out, err := a.Assemble(context.Background(), tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPairs, out.EdgePairs)
			assert.Equal(t, "c1", out.ContentID)
			assert.Len(t, g.links, tt.wantLinks)
			assert.Len(t, g.nodes, tt.wantNodes)

			events := sink.all()
			require.Len(t, events, 1)
			assert.Equal(t, string(models.StatusProcessed), events[0].Status)
			assert.Equal(t, models.StageGraph, events[0].Stage)
			assert.Equal(t, models.ContentRef{Category: models.CategoryDocument, ID: "c1"}, refOf(events[0]))
			assert.Equal(t, "Nodes and relations stored: "+out.Summary, events[0].Message)
		})
	}
}

func TestAssembleEdgePairDirections(t *testing.T) {
	a, g, _ := newAssembler()
	out, err := a.Assemble(context.Background(), models.GraphMessage{Elements: []models.Element{
		models.ContentIDElement("c1"),
		models.NodeElement(learner),
		models.RelationElement(models.LearnerRelation),
		models.NodeElement(engine),
	}})
	require.NoError(t, err)

	learnerID, engineID := db.LearnerKey("c1"), db.NodeID(engine.Name)
	assert.ElementsMatch(t, []memLink{
		{from: engineID, rel: "has_learnerObject", to: learnerID},
		{from: learnerID, rel: "learnerObject_of", to: engineID},
	}, g.links)

	assert.Equal(t, "engines.pdf - [learnerObject_of] -> Diesel Engine, Diesel Engine - [has_learnerObject] -> engines.pdf", out.Summary)

	stored := g.nodes[learnerID]
	require.NotNil(t, stored.ContentID)
	assert.Equal(t, "c1", *stored.ContentID)
	require.NotNil(t, g.nodes[engineID].Profile)
	assert.Equal(t, engine.Profile, *g.nodes[engineID].Profile)
	assert.Equal(t, []string{"digitalTwin", "engine"}, g.nodes[engineID].Labels)
}

func TestAssembleIsIdempotent(t *testing.T) {
	a, g, _ := newAssembler()
	msg := models.GraphMessage{Elements: []models.Element{
		models.ContentIDElement("c1"),
		models.NodeElement(learner),
		models.RelationElement(models.LearnerRelation),
		models.NodeElement(engine),
		models.RelationElement("powers"),
		models.NodeElement(gen),
	}}

	for range 2 {
		_, err := a.Assemble(context.Background(), msg)
		require.NoError(t, err)
	}
	assert.Len(t, g.nodes, 3)
	assert.Len(t, g.links, 4)
}

func TestAssembleKeepsSameNamedUploadsApart(t *testing.T) {
	a, g, sink := newAssembler()
	report := models.NodeSpec{Name: "report.pdf", Kind: models.LearnerKind, Subtype: "pdf"}
	uploads := []struct {
		contentID string
		entity    models.NodeSpec
	}{
		{"content-A", models.NodeSpec{Name: "Acme", Kind: "organization"}},
		{"content-B", models.NodeSpec{Name: "Globex", Kind: "organization"}},
	}

	summaries := make(map[string]string)
	for _, u := range uploads {
		out, err := a.Assemble(context.Background(), models.GraphMessage{ContentID: u.contentID, Elements: []models.Element{
			models.NodeElement(report),
			models.RelationElement(models.LearnerRelation),
			models.NodeElement(u.entity),
		}})
		require.NoError(t, err)
		assert.Equal(t, db.LearnerKey(u.contentID), out.LearnerID)
		summaries[u.contentID] = out.Summary
	}

	for _, u := range uploads {
		t.Run(u.contentID, func(t *testing.T) {
			node := g.nodes[db.LearnerKey(u.contentID)]
			require.NotNil(t, node)
			assert.Equal(t, "report.pdf", node.Name)
			require.NotNil(t, node.ContentID)
			assert.Equal(t, u.contentID, *node.ContentID)
		})
	}
	assert.Contains(t, summaries["content-A"], "Acme")
	assert.NotContains(t, summaries["content-A"], "Globex")
	assert.Contains(t, summaries["content-B"], "Globex")
	assert.NotContains(t, summaries["content-B"], "Acme")
	assert.Len(t, sink.all(), 2)
}

func TestAssembleMalformed(t *testing.T) {
	tests := []struct {
		name     string
		elements []models.Element
	}{
		{
			name: "node where relation expected",
			elements: []models.Element{
				models.ContentIDElement("c1"),
				models.NodeElement(learner),
				models.NodeElement(engine),
				models.NodeElement(gen),
			},
		},
		{
			name: "relation where node expected",
			elements: []models.Element{
				models.ContentIDElement("c1"),
				models.NodeElement(learner),
				models.RelationElement("a"),
				models.RelationElement("b"),
			},
		},
		{
			name: "starts with relation",
			elements: []models.Element{
				models.ContentIDElement("c1"),
				models.RelationElement("a"),
			},
		},
		{
			name:     "no content id",
			elements: []models.Element{models.NodeElement(learner)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, sink := newAssembler()
			_, err := a.Assemble(context.Background(), models.GraphMessage{Elements: tt.elements})
			assert.ErrorIs(t, err, ErrMalformedSequence)
			assert.Empty(t, sink.all())
		})
	}
}

func TestAssembleFromWire(t *testing.T) {
	raw := `{"kind":"entities","job_id":"j","elements":["c9",["notes.md","learnerObject","md"],["learnerObject"],["F-16","digitalTwin","aircraft","A jet."],["mentions"],["Turbofan Engine","digitalTwin","engine"]]}`
	var msg models.GraphMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	a, g, _ := newAssembler()
	out, err := a.Assemble(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "c9", out.ContentID)
	assert.Equal(t, 2, out.EdgePairs)
	assert.Contains(t, out.Summary, "F-16 - [mentions_of] -> Turbofan Engine")
	assert.Len(t, g.nodes, 3)
}

func TestAssembleImage(t *testing.T) {
	a, g, sink := newAssembler()
	msg := models.GraphMessage{
		Kind:      models.GraphKindImage,
		JobID:     "job-1",
		ContentID: "img-1",
		FileName:  "cat.png",
		Location:  Location("img-1"),
		Images: []models.ImageDescriptor{
			{ContentID: "img-1", FileName: "cat.png", Format: "png", PredictedClass: "landscape"},
		},
	}

	for range 2 {
		n, err := a.AssembleImage(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	assert.Len(t, g.byLabel(models.JobKind), 1)
	images := g.byLabel(models.LearnerKind)
	assert.Len(t, images, 2, "image nodes are created, not merged")
	require.NotNil(t, images[0].PredictedClass)
	assert.Equal(t, "landscape", *images[0].PredictedClass)
	require.NotNil(t, images[0].Location)
	assert.Equal(t, "blob://img-1", *images[0].Location)
	assert.Len(t, g.links, 4)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, models.ContentRef{Category: models.CategoryImage, ID: "img-1"}, refOf(events[0]))
	assert.Equal(t, models.StageGraph, events[0].Stage)
}

func TestDedupeTrace(t *testing.T) {
	edges := []models.TraceEdge{
		{From: "a", RelType: "r", To: "b"},
		{From: "b", RelType: "r", To: "a"},
		{From: "b", RelType: "s", To: "a"},
		{From: "a", RelType: "r", To: "b"},
	}
	got := DedupeTrace(edges)
	assert.Equal(t, []models.TraceEdge{
		{From: "a", RelType: "r", To: "b"},
		{From: "b", RelType: "s", To: "a"},
	}, got)
	assert.Equal(t, "a - [r] -> b, b - [s] -> a", SummarizeTrace(got))
	assert.Empty(t, SummarizeTrace(nil))
}

func TestGraphAdmin(t *testing.T) {
	a, g, _ := newAssembler()
	_, err := a.Assemble(context.Background(), models.GraphMessage{Elements: []models.Element{
		models.ContentIDElement("c1"),
		models.NodeElement(learner),
		models.RelationElement(models.LearnerRelation),
		models.NodeElement(engine),
	}})
	require.NoError(t, err)

	admin := NewGraphAdmin(g)
	ctx := context.Background()

	found, err := admin.FindNodes(ctx, "diesel", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Diesel Engine", found[0].Name)

	_, err = admin.FindNodes(ctx, "  ", 0)
	assert.Error(t, err)

	trace, err := admin.Trace(ctx, "Diesel Engine")
	require.NoError(t, err)
	assert.Len(t, trace.Edges, 2)
	assert.Contains(t, trace.Summary, "Diesel Engine - [has_learnerObject] -> engines.pdf")

	_, err = admin.Trace(ctx, "diesel engine")
	assert.ErrorIs(t, err, db.ErrNotFound)

	n, err := admin.RenameNode(ctx, "Diesel Engine", "Marine Diesel Engine")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = admin.Trace(ctx, "Marine Diesel Engine")
	assert.NoError(t, err)

	_, err = admin.RenameNode(ctx, "Marine Diesel Engine", "")
	assert.Error(t, err)
}
