package service

import (
	"context"
	"testing"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphRunnerDispatch(t *testing.T) {
	tests := []struct {
		name        string
		msg         models.GraphMessage
		wantStatus  models.Status
		wantLearner int
	}{
		{
			name: "entities",
			msg: models.GraphMessage{Kind: models.GraphKindEntities, JobID: "j", Elements: []models.Element{
				models.ContentIDElement("c1"),
				models.NodeElement(learner),
				models.RelationElement(models.LearnerRelation),
				models.NodeElement(engine),
			}},
			wantStatus:  models.StatusProcessed,
			wantLearner: 1,
		},
		{
			name: "image",
			msg: models.GraphMessage{Kind: models.GraphKindImage, JobID: "j", ContentID: "p1", Images: []models.ImageDescriptor{
				{ContentID: "p1", FileName: "a.png", Format: "png"},
			}},
			wantStatus:  models.StatusProcessed,
			wantLearner: 1,
		},
		{
			name: "malformed sequence",
			msg: models.GraphMessage{JobID: "j", Elements: []models.Element{
				models.ContentIDElement("c1"),
				models.RelationElement("x"),
			}},
			wantStatus: models.StatusFailed,
		},
		{
			name:       "unknown kind",
			msg:        models.GraphMessage{Kind: "audio", JobID: "j", ContentID: "c1"},
			wantStatus: models.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newMemGraph()
			sink := &recordingSink{}
			runner := NewGraphRunner(NewAssembler(g, sink, nil, nil), &fakeConsumer{}, sink, nil, nil)

			require.NoError(t, runner.Handle(context.Background(), message(t, broker.ChannelGraph, "1", tt.msg)))
			events := sink.all()
			require.Len(t, events, 1)
			assert.Equal(t, string(tt.wantStatus), events[0].Status)
			assert.Equal(t, models.StageGraph, events[0].Stage)
			assert.Len(t, g.byLabel(models.LearnerKind), tt.wantLearner)
		})
	}
}

func TestGraphRunnerRejects(t *testing.T) {
	runner := NewGraphRunner(NewAssembler(newMemGraph(), &recordingSink{}, nil, nil), &fakeConsumer{}, &recordingSink{}, nil, nil)
	ctx := context.Background()

	err := runner.Handle(ctx, broker.Message{ID: "1", Channel: broker.ChannelGraph, Body: []byte("[")})
	assert.ErrorIs(t, err, broker.ErrDecode)

	err = runner.Handle(ctx, message(t, broker.ChannelGraph, "2", models.GraphMessage{Kind: models.GraphKindImage}))
	assert.ErrorIs(t, err, broker.ErrMissingField)
}

func TestGraphRunnerRetriesStoreErrorsOnce(t *testing.T) {
	g := newMemGraph()
	g.err = errBoom
	sink := &recordingSink{}
	runner := NewGraphRunner(NewAssembler(g, sink, nil, nil), &fakeConsumer{}, sink, nil, nil)

	msg := message(t, broker.ChannelGraph, "7", models.GraphMessage{ContentID: "c1", FileName: "a.txt"})
	ctx := context.Background()

	assert.ErrorIs(t, runner.Handle(ctx, msg), errBoom)
	assert.Empty(t, sink.all())

	require.NoError(t, runner.Handle(ctx, msg))
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, string(models.StatusFailed), events[0].Status)
	assert.Contains(t, events[0].Message, "boom")
}

func TestStatusRunnerOverBroker(t *testing.T) {
	client, _ := newBroker(t)
	store := &memStatusStore{}
	correlator := NewCorrelator(store, nil, nil)
	tracker := NewJobTracker()
	correlator.Subscribe(tracker)

	sink := NewBrokerStatusSink(client, nil)
	ctx := context.Background()
	item := models.ContentItem{JobID: "j", ContentID: "d1", Category: models.CategoryDocument, FileName: "a.txt"}
	require.NoError(t, sink.Report(ctx, models.NewStatusEvent(item, models.StatusProcessed, "handed off", models.StageRouter)))
	_, err := client.Publish(ctx, broker.ChannelStatus, []byte("not json"))
	require.NoError(t, err)
	require.NoError(t, sink.Report(ctx, models.NewStatusEvent(item, models.StatusProcessed, "done", models.StageDocument)))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- NewStatusRunner(correlator, client).Run(runCtx) }()

	assert.Eventually(t, func() bool {
		p, ok := tracker.Snapshot("j")
		return ok && p.Complete
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		n, err := client.Pending(ctx, broker.ChannelStatus)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	records, err := correlator.LoadAll(ctx, "j")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
