package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/raphaelgruber/mediaflow/internal/blob"
	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/db"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/raphaelgruber/mediaflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type memStatusStore struct {
	mu      sync.Mutex
	records []models.StatusRecord
}

func (s *memStatusStore) AppendStatus(_ context.Context, rec models.StatusRecord) (*models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

type fakeGraph struct {
	mu    sync.Mutex
	nodes []models.GraphNode
	edges map[string][]models.TraceEdge
}

func (g *fakeGraph) FindNodes(_ context.Context, partial string, limit int) ([]models.GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.GraphNode
	for _, n := range g.nodes {
		if strings.Contains(strings.ToLower(n.Name), strings.ToLower(partial)) && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (g *fakeGraph) GetNodeByName(_ context.Context, name string) (*models.GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if n.Name == name {
			return &n, nil
		}
	}
	return nil, db.ErrNotFound
}

func (g *fakeGraph) RenameNode(_ context.Context, oldName, newName string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for i := range g.nodes {
		if g.nodes[i].Name == oldName {
			g.nodes[i].Name = newName
			n++
		}
	}
	return n, nil
}

func (g *fakeGraph) TraceFrom(_ context.Context, startID string, _ []string) ([]models.TraceEdge, error) {
	return g.edges[startID], nil
}

func node(id, name string) models.GraphNode {
	return models.GraphNode{ID: &surrealmodels.RecordID{Table: "node", ID: id}, Name: name, Labels: []string{"Concept"}}
}

type env struct {
	srv        *httptest.Server
	mr         *miniredis.Miniredis
	store      *memStatusStore
	correlator *service.Correlator
	tracker    *service.JobTracker
	graph      *fakeGraph
	blobs      *blob.Store
	reasm      *chunk.Reassembler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	bc, err := broker.New(ctx, broker.Config{Addr: mr.Addr(), Consumer: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bc.Close() })

	blobs, err := blob.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	e := &env{
		mr:      mr,
		store:   &memStatusStore{},
		tracker: service.NewJobTracker(),
		graph: &fakeGraph{
			nodes: []models.GraphNode{node("a", "engines.pdf"), node("b", "Diesel Engine")},
			edges: map[string][]models.TraceEdge{
				"a": {
					{From: "engines.pdf", RelType: "learnerObject_of", To: "Diesel Engine"},
					{From: "Diesel Engine", RelType: "has_learnerObject", To: "engines.pdf"},
				},
			},
		},
		blobs: blobs,
		reasm: chunk.NewReassembler(chunk.NewMemoryStore()),
	}
	e.correlator = service.NewCorrelator(e.store, nil, nil)

	router := service.NewRouter(bc, 1<<20, nil, nil)
	e.srv = httptest.NewServer(NewHandler(Deps{
		Intake:       service.NewIntake(router, e.tracker),
		Correlator:   e.correlator,
		Tracker:      e.tracker,
		Graph:        service.NewGraphAdmin(e.graph),
		Blobs:        blobs,
		Hub:          NewHub(e.correlator, nil),
		Reassemblers: map[string]*chunk.Reassembler{models.StageDocument: e.reasm},
		StuckAfter:   time.Hour,
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func multipartBody(t *testing.T, files map[string][]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			part, err := w.CreateFormFile(field, name)
			require.NoError(t, err)
			_, err = part.Write([]byte("content of " + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestSubmitJob(t *testing.T) {
	e := newEnv(t)
	body, ct := multipartBody(t, map[string][]string{
		"documents": {"engines.pdf", "notes.txt"},
		"images":    {"engine.png"},
	})

	code, data := e.do(t, http.MethodPost, "/jobs", body, ct)
	require.Equal(t, http.StatusAccepted, code, string(data))

	var sub service.Submission
	require.NoError(t, json.Unmarshal(data, &sub))
	assert.Len(t, sub.JobID, 64)
	assert.Equal(t, 2, sub.Counts[models.CategoryDocument])
	assert.Equal(t, 1, sub.Counts[models.CategoryImage])
	assert.Len(t, sub.ContentIDs[models.CategoryDocument], 2)
	assert.Len(t, sub.ContentIDs[models.CategoryImage], 1)
	assert.Len(t, sub.Items, 3)

	p, ok := e.tracker.Snapshot(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, 3, p.Total)

	docs, err := e.mr.Stream(string(models.CategoryDocument))
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.False(t, e.mr.Exists(string(models.CategoryAudio)))

	code, data = e.do(t, http.MethodGet, "/jobs/"+sub.JobID, nil, "")
	require.Equal(t, http.StatusOK, code)
	var progress service.JobProgress
	require.NoError(t, json.Unmarshal(data, &progress))
	assert.Equal(t, 3, progress.Total)
	assert.False(t, progress.Complete)
}

func TestSubmitRejects(t *testing.T) {
	e := newEnv(t)

	body, ct := multipartBody(t, map[string][]string{"spreadsheets": {"a.xls"}})
	code, data := e.do(t, http.MethodPost, "/jobs", body, ct)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(data), "spreadsheets")

	code, _ = e.do(t, http.MethodPost, "/jobs", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code, _ := e.do(t, http.MethodGet, "/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	// Records written by another process: the tracker has never seen the job.
	for _, stage := range []string{models.StageRouter, models.StageDocument} {
		ev := models.NewStatusEvent(models.ContentItem{
			JobID: "j1", ContentID: "c1", Category: models.CategoryDocument, FileName: "a.pdf",
		}, models.StatusProcessed, "ok", stage)
		_, err := e.correlator.Record(ctx, ev)
		require.NoError(t, err)
	}

	code, data := e.do(t, http.MethodGet, "/jobs/j1", nil, "")
	require.Equal(t, http.StatusOK, code)
	var p service.JobProgress
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 1, p.Total)
	assert.Equal(t, 1, p.Processed)
	assert.True(t, p.Complete)

	code, data = e.do(t, http.MethodGet, "/jobs", nil, "")
	require.Equal(t, http.StatusOK, code)
	var jobs []service.JobProgress
	require.NoError(t, json.Unmarshal(data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].JobID)
}

func TestStatusLoadAndClear(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, job := range []string{"j1", "j2"} {
		item := models.ContentItem{JobID: job, ContentID: "c-" + job, Category: models.CategoryDocument}
		_, err := e.correlator.Record(ctx, models.NewStatusEvent(item, models.StatusProcessed, "", ""))
		require.NoError(t, err)
	}

	code, data := e.do(t, http.MethodGet, "/status", nil, "")
	require.Equal(t, http.StatusOK, code)
	var all []models.StatusRecord
	require.NoError(t, json.Unmarshal(data, &all))
	assert.Len(t, all, 2)

	code, data = e.do(t, http.MethodGet, "/status?job_id=j2", nil, "")
	require.Equal(t, http.StatusOK, code)
	var one []models.StatusRecord
	require.NoError(t, json.Unmarshal(data, &one))
	require.Len(t, one, 1)
	assert.Equal(t, "c-j2", one[0].ContentID)

	code, data = e.do(t, http.MethodDelete, "/status", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"deleted":2}`, string(data))

	code, data = e.do(t, http.MethodGet, "/status", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(data))
}

func TestGraphRoutes(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		check    func(t *testing.T, data []byte)
	}{
		{
			name:     "find is case insensitive",
			method:   http.MethodGet,
			path:     "/graph/nodes?q=diesel",
			wantCode: http.StatusOK,
			check: func(t *testing.T, data []byte) {
				var nodes []struct{ Name string }
				require.NoError(t, json.Unmarshal(data, &nodes))
				require.Len(t, nodes, 1)
				assert.Equal(t, "Diesel Engine", nodes[0].Name)
			},
		},
		{name: "find requires q", method: http.MethodGet, path: "/graph/nodes", wantCode: http.StatusBadRequest},
		{name: "find rejects bad limit", method: http.MethodGet, path: "/graph/nodes?q=a&limit=x", wantCode: http.StatusBadRequest},
		{
			name:     "trace",
			method:   http.MethodGet,
			path:     "/graph/trace?name=engines.pdf",
			wantCode: http.StatusOK,
			check: func(t *testing.T, data []byte) {
				var tr struct {
					Node    struct{ Name string }
					Edges   []models.TraceEdge
					Summary string
				}
				require.NoError(t, json.Unmarshal(data, &tr))
				assert.Equal(t, "engines.pdf", tr.Node.Name)
				assert.Len(t, tr.Edges, 2)
				assert.Equal(t, "engines.pdf - [learnerObject_of] -> Diesel Engine, Diesel Engine - [has_learnerObject] -> engines.pdf", tr.Summary)
			},
		},
		{name: "trace unknown name", method: http.MethodGet, path: "/graph/trace?name=engines", wantCode: http.StatusNotFound},
		{name: "trace requires name", method: http.MethodGet, path: "/graph/trace", wantCode: http.StatusBadRequest},
		{
			name:     "rename",
			method:   http.MethodPost,
			path:     "/graph/rename",
			body:     `{"old_name":"Diesel Engine","new_name":"Diesel engine"}`,
			wantCode: http.StatusOK,
			check: func(t *testing.T, data []byte) {
				assert.JSONEq(t, `{"renamed":1}`, string(data))
			},
		},
		{name: "rename requires new name", method: http.MethodPost, path: "/graph/rename", body: `{"old_name":"x","new_name":" "}`, wantCode: http.StatusBadRequest},
		{name: "rename bad body", method: http.MethodPost, path: "/graph/rename", body: `nope`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			code, data := e.do(t, tt.method, tt.path, body, "application/json")
			require.Equal(t, tt.wantCode, code, string(data))
			if tt.check != nil {
				tt.check(t, data)
			}
		})
	}
}

func TestReassemblyRoutes(t *testing.T) {
	e := newEnv(t)
	_, err := e.reasm.Add(context.Background(), models.ContentItem{
		JobID: "j", ContentID: "c", Category: models.CategoryDocument, FileName: "big.pdf",
		Payload: []byte("part"), ChunkNumber: 1, TotalChunks: 3,
	}, "1-0")
	require.NoError(t, err)

	code, data := e.do(t, http.MethodGet, "/reassembly", nil, "")
	require.Equal(t, http.StatusOK, code)
	var pending []PendingReassembly
	require.NoError(t, json.Unmarshal(data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, models.StageDocument, pending[0].Stage)
	assert.Equal(t, "big.pdf", pending[0].FileName)
	assert.Equal(t, 1, pending[0].Received)
	assert.Equal(t, 3, pending[0].Total)
	assert.False(t, pending[0].Stuck)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{name: "missing duration", query: "", wantCode: http.StatusBadRequest},
		{name: "unknown stage", query: "?older_than=1s&stage=audio", wantCode: http.StatusNotFound},
		{name: "nothing old enough", query: "?older_than=1h", wantCode: http.StatusOK, wantBody: `{"evicted":0}`},
		{name: "evict all", query: "?older_than=0s&stage=document", wantCode: http.StatusOK, wantBody: `{"evicted":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := e.do(t, http.MethodPost, "/reassembly/evict"+tt.query, nil, "")
			require.Equal(t, tt.wantCode, code, string(data))
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, string(data))
			}
		})
	}

	left, err := e.reasm.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBlobRoutes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.blobs.Put(ctx, blob.Object{JobID: "j", ContentID: "c1", Category: "Document", FileName: "a.txt"}, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, e.blobs.PutArtifact(ctx, "c1", blob.ArtifactSummary, []byte("hello")))
	require.NoError(t, e.blobs.PutArtifact(ctx, "c1", blob.ArtifactKeywords, []byte(`["hello","world"]`)))

	code, data := e.do(t, http.MethodGet, "/blobs/c1", nil, "")
	require.Equal(t, http.StatusOK, code)
	var info BlobInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, 11, info.Size)
	assert.Equal(t, "a.txt", info.FileName)
	slices.Sort(info.Artifacts)
	assert.Equal(t, []string{blob.ArtifactKeywords, blob.ArtifactSummary}, info.Artifacts)

	resp, err := http.Get(e.srv.URL + "/blobs/c1/artifacts/keywords")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	code, data = e.do(t, http.MethodGet, "/blobs/c1/artifacts/summary", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", string(data))

	code, _ = e.do(t, http.MethodGet, "/blobs/c1/artifacts/descriptor", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, http.MethodGet, "/blobs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, clip(tt.in, tt.max))
		})
	}
}
