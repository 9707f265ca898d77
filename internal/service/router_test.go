package service

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteJobPublishesPerCategory(t *testing.T) {
	client, mr := newBroker(t)
	router := NewRouter(client, 1<<20, nil, nil)

	job, err := BuildJob(map[models.Category][]UploadedFile{
		models.CategoryDocument: {{Name: "a.pdf", Data: []byte("one")}, {Name: "b.txt", Data: []byte("two")}},
		models.CategoryAudio:    {{Name: "c.mp3", Data: []byte("three")}},
	})
	require.NoError(t, err)

	res := router.Route(context.Background(), job)
	assert.Equal(t, job.ID, res.JobID)
	assert.Zero(t, res.Failed())
	assert.Equal(t, map[models.Category]int{models.CategoryDocument: 2, models.CategoryAudio: 1}, res.Counts)

	assert.Len(t, streamBodies(t, mr, string(models.CategoryDocument)), 2)
	assert.Len(t, streamBodies(t, mr, string(models.CategoryAudio)), 1)
	assert.False(t, mr.Exists(string(models.CategoryImage)))
	assert.False(t, mr.Exists(string(models.CategoryVideo)))

	statuses := streamBodies(t, mr, broker.ChannelStatus)
	require.Len(t, statuses, 3)
	for _, body := range statuses {
		var ev models.StatusEvent
		require.NoError(t, json.Unmarshal(body, &ev))
		assert.Equal(t, job.ID, ev.JobID)
		assert.Equal(t, string(models.StatusProcessed), ev.Status)
		assert.Equal(t, models.StageRouter, ev.Stage)
		ref, ok := ev.Ref()
		require.True(t, ok)
		assert.NotEqual(t, models.CategoryImage, ref.Category)
	}

	var item models.ContentItem
	require.NoError(t, json.Unmarshal(streamBodies(t, mr, string(models.CategoryAudio))[0], &item))
	assert.Equal(t, job.ID, item.JobID)
	assert.Equal(t, job.Audio[0].ContentID, item.ContentID)
	assert.Equal(t, "three", string(item.Payload))
}

func TestRouteSplitsLargePayloads(t *testing.T) {
	pub := &recordingPublisher{}
	router := NewRouter(pub, 4, nil, nil)

	job, err := BuildJob(map[models.Category][]UploadedFile{
		models.CategoryVideo: {{Name: "clip.mp4", Data: []byte("0123456789")}},
	})
	require.NoError(t, err)

	res := router.Route(context.Background(), job)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 3, res.Items[0].Chunks)

	frags := pub.on(string(models.CategoryVideo))
	require.Len(t, frags, 3)
	var joined bytes.Buffer
	for i, body := range frags {
		var frag models.ContentItem
		require.NoError(t, json.Unmarshal(body, &frag))
		assert.Equal(t, i+1, frag.ChunkNumber)
		assert.Equal(t, 3, frag.TotalChunks)
		joined.Write(frag.Payload)
	}
	assert.Equal(t, "0123456789", joined.String())

	var ev models.StatusEvent
	require.NoError(t, json.Unmarshal(pub.on(broker.ChannelStatus)[0], &ev))
	assert.Contains(t, ev.Message, "in 3 chunks")
}

func TestRoutePublishFailures(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantStatus models.Status
	}{
		{name: "recovers after reconnect", failures: 1, wantStatus: models.StatusProcessed},
		{name: "fails after second attempt", failures: 2, wantStatus: models.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{failures: map[string]int{string(models.CategoryImage): tt.failures}}
			router := NewRouter(pub, 1<<20, nil, nil)

			job, err := BuildJob(map[models.Category][]UploadedFile{
				models.CategoryImage: {{Name: "cat.png", Data: []byte("png")}},
			})
			require.NoError(t, err)

			res := router.Route(context.Background(), job)
			assert.Equal(t, 1, pub.reconnects)

			statuses := pub.on(broker.ChannelStatus)
			require.Len(t, statuses, 1)
			var ev models.StatusEvent
			require.NoError(t, json.Unmarshal(statuses[0], &ev))
			assert.Equal(t, string(tt.wantStatus), ev.Status)
			assert.Equal(t, job.Images[0].Ref(), refOf(ev))

			if tt.wantStatus == models.StatusFailed {
				assert.Equal(t, 1, res.Failed())
				assert.Contains(t, ev.Message, errBoom.Error())
				assert.Empty(t, pub.on(string(models.CategoryImage)))
			} else {
				assert.Zero(t, res.Failed())
				assert.Len(t, pub.on(string(models.CategoryImage)), 1)
			}
		})
	}
}

func TestBuildJobSharesJobID(t *testing.T) {
	job, err := BuildJob(map[models.Category][]UploadedFile{
		models.CategoryDocument: {{Name: "dir/a.PDF", Data: []byte("a")}},
		models.CategoryImage:    {{Name: "b.png", Data: []byte("b")}, {Name: "c.jpg", Data: []byte("c")}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.NotEqual(t, models.PlaceholderID, job.ID)

	seen := map[string]bool{}
	for _, c := range models.Categories {
		for _, item := range job.Items(c) {
			assert.Equal(t, job.ID, item.JobID)
			assert.Equal(t, c, item.Category)
			assert.False(t, seen[item.ContentID], "content ids are unique")
			seen[item.ContentID] = true
		}
	}
	assert.Equal(t, "a.PDF", job.Documents[0].FileName)
	assert.Equal(t, "pdf", job.Documents[0].MediaType)
}

func TestBuildJobEmpty(t *testing.T) {
	job, err := BuildJob(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Zero(t, job.Total())
}

func TestFilesByCategory(t *testing.T) {
	grouped, unknown := FilesByCategory([]UploadedFile{
		{Name: "notes.md"}, {Name: "photo.JPG"}, {Name: "talk.wav"}, {Name: "movie.mkv"}, {Name: "archive.zip"},
	})
	assert.Len(t, grouped[models.CategoryDocument], 1)
	assert.Len(t, grouped[models.CategoryImage], 1)
	assert.Len(t, grouped[models.CategoryAudio], 1)
	assert.Len(t, grouped[models.CategoryVideo], 1)
	assert.Equal(t, []string{"archive.zip"}, unknown)
}
