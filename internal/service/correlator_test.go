package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorClassifiesAliases(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantType    string
		wantContent string
		wantStatus  models.Status
	}{
		{
			name:        "picture alias",
			raw:         `{"ID":"job-1","PictureID":"pic-1","Status":"Processed","Message":"ok"}`,
			wantType:    "Picture",
			wantContent: "pic-1",
			wantStatus:  models.StatusProcessed,
		},
		{
			name:        "document alias wins",
			raw:         `{"ID":"job-1","DocumentId":"doc-1","AudioID":"aud-1","Status":"Failed"}`,
			wantType:    "Document",
			wantContent: "doc-1",
			wantStatus:  models.StatusFailed,
		},
		{
			name:        "no alias",
			raw:         `{"ID":"job-1","status":"done"}`,
			wantType:    models.UnknownType,
			wantContent: models.UnknownContentID,
			wantStatus:  models.StatusUnknown,
		},
		{
			name:        "lowercase keys",
			raw:         `{"id":"job-1","videoid":"vid-1","status":"processed"}`,
			wantType:    "Video",
			wantContent: "vid-1",
			wantStatus:  models.StatusProcessed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStatusStore{}
			c := NewCorrelator(store, nil, nil)

			rec, err := c.OnEvent(context.Background(), []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, rec.ContentType)
			assert.Equal(t, tt.wantContent, rec.ContentID)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, "job-1", rec.JobID)
			assert.False(t, rec.Time.IsZero())
			require.Len(t, store.records, 1)
		})
	}
}

func TestCorrelatorRejectsUndecodable(t *testing.T) {
	store := &memStatusStore{}
	c := NewCorrelator(store, nil, nil)

	_, err := c.OnEvent(context.Background(), []byte(`{"ID":`))
	assert.ErrorIs(t, err, broker.ErrDecode)
	assert.True(t, broker.IsPermanent(err))
	assert.Empty(t, store.records)
}

func TestCorrelatorRecordsUnidentifiedEvents(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantJob     string
		wantContent string
		wantType    string
	}{
		{
			name:        "no job and no content",
			raw:         `{"Status":"Processed"}`,
			wantJob:     models.UnknownJobID,
			wantContent: models.UnknownContentID,
			wantType:    models.UnknownType,
		},
		{
			name:        "content without job",
			raw:         `{"AudioID":"a1","Status":"Failed"}`,
			wantJob:     models.UnknownJobID,
			wantContent: "a1",
			wantType:    "Audio",
		},
		{
			name:        "empty document alias",
			raw:         `{"ID":"j","DocumentId":"","PictureID":"p"}`,
			wantJob:     "j",
			wantContent: models.UnknownContentID,
			wantType:    "Document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStatusStore{}
			c := NewCorrelator(store, nil, nil)

			rec, err := c.OnEvent(context.Background(), []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantJob, rec.JobID)
			assert.Equal(t, tt.wantContent, rec.ContentID)
			assert.Equal(t, tt.wantType, rec.ContentType)
			assert.Len(t, store.records, 1)
		})
	}
}

func TestCorrelatorKeepsEventTime(t *testing.T) {
	store := &memStatusStore{}
	c := NewCorrelator(store, nil, nil)

	rec, err := c.OnEvent(context.Background(), []byte(`{"ID":"j","DocumentId":"d","Status":"Processed","time":"2024-03-01 10:20:30"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC), rec.Time)

	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	rec, err = c.OnEvent(context.Background(), []byte(`{"ID":"j","DocumentId":"d","Status":"Processed","time":"yesterday"}`))
	require.NoError(t, err)
	assert.Equal(t, fixed, rec.Time)
}

func TestCorrelatorBroadcasts(t *testing.T) {
	c := NewCorrelator(&memStatusStore{}, nil, nil)

	var wg sync.WaitGroup
	got := make(chan models.StatusRecord, 2)
	wg.Add(2)
	for range 2 {
		c.Subscribe(ObserverFunc(func(rec models.StatusRecord) error {
			defer wg.Done()
			got <- rec
			return nil
		}))
	}
	unsubscribed := c.Subscribe(ObserverFunc(func(models.StatusRecord) error {
		t.Error("unsubscribed observer called")
		return nil
	}))
	unsubscribed()

	ev := models.NewStatusEvent(models.ContentItem{JobID: "j", ContentID: "a1", Category: models.CategoryAudio, FileName: "a.mp3"},
		models.StatusProcessed, "done", models.StageAudio)
	require.NoError(t, c.Report(context.Background(), ev))

	wg.Wait()
	close(got)
	for rec := range got {
		assert.Equal(t, "a1", rec.ContentID)
		assert.Equal(t, "Audio", rec.ContentType)
		assert.Equal(t, models.StageAudio, rec.Stage)
	}
}

func TestCorrelatorBroadcastsInOrder(t *testing.T) {
	c := NewCorrelator(&memStatusStore{}, nil, nil)

	var first, second []string
	c.Subscribe(ObserverFunc(func(rec models.StatusRecord) error {
		first = append(first, rec.ContentID)
		return nil
	}))
	c.Subscribe(ObserverFunc(func(rec models.StatusRecord) error {
		second = append(second, rec.ContentID)
		return errBoom
	}))

	var want []string
	for i := range 50 {
		id := fmt.Sprintf("c%02d", i)
		want = append(want, id)
		item := models.ContentItem{JobID: "j", ContentID: id, Category: models.CategoryDocument}
		require.NoError(t, c.Report(context.Background(), models.NewStatusEvent(item, models.StatusProcessed, "", models.StageDocument)))
	}

	assert.Equal(t, want, first)
	assert.Equal(t, want, second, "a failing observer still sees every record")
}

func TestCorrelatorStoreErrorIsRetryable(t *testing.T) {
	c := NewCorrelator(&memStatusStore{err: errBoom}, nil, nil)
	_, err := c.OnEvent(context.Background(), []byte(`{"ID":"j","DocumentId":"d"}`))
	require.ErrorIs(t, err, errBoom)
	assert.False(t, broker.IsPermanent(err))
}

func TestCorrelatorLoadAndClear(t *testing.T) {
	store := &memStatusStore{}
	c := NewCorrelator(store, nil, nil)
	ctx := context.Background()

	for _, raw := range []string{
		`{"ID":"j1","DocumentId":"d1","Status":"Processed"}`,
		`{"ID":"j2","AudioID":"a1","Status":"Processed"}`,
		`{"ID":"j1","DocumentId":"d1","Status":"Processed","stage":"document"}`,
	} {
		_, err := c.OnEvent(ctx, []byte(raw))
		require.NoError(t, err)
	}

	all, err := c.LoadAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "document", all[0].Stage)

	j1, err := c.LoadAll(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, j1, 2)

	n, err := c.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
