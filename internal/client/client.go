// Package client provides an HTTP client for the mediaflow admin API and a
// websocket follower for the status feed.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// Client talks to a mediaflowd HTTP server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a client for the server at endpoint.
// If endpoint is empty, uses MEDIAFLOW_SERVER or defaults to localhost:8080.
// Timeout can be configured via MEDIAFLOW_CLIENT_TIMEOUT (default 10m for large uploads).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("MEDIAFLOW_SERVER")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("MEDIAFLOW_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// do sends one request and decodes a JSON answer into result.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, result any) error {
	data, err := c.doRaw(ctx, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// =============================================================================
// TYPES (matching the server's JSON)
// =============================================================================

// ItemRoute is the routing outcome of one submitted file.
type ItemRoute struct {
	ContentID string `json:"content_id"`
	Category  string `json:"category"`
	FileName  string `json:"file_name"`
	Chunks    int    `json:"chunks"`
	Error     string `json:"error,omitempty"`
}

// Submission acknowledges an accepted job.
type Submission struct {
	JobID      string              `json:"job_id"`
	Counts     map[string]int      `json:"counts"`
	ContentIDs map[string][]string `json:"content_ids"`
	Items      []ItemRoute         `json:"items"`
}

// ItemProgress is the state of one item of a job.
type ItemProgress struct {
	ContentID string `json:"content_id"`
	Category  string `json:"category,omitempty"`
	FileName  string `json:"file_name"`
	State     string `json:"state"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message,omitempty"`
}

// JobProgress summarises how far a job got through the stage workers.
type JobProgress struct {
	JobID     string         `json:"job_id"`
	Total     int            `json:"total"`
	HandedOff int            `json:"handed_off"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Complete  bool           `json:"complete"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Items     []ItemProgress `json:"items"`
}

// Done returns the number of items with a terminal outcome.
func (p JobProgress) Done() int {
	return p.Processed + p.Failed
}

// StatusRecord is one lifecycle event of a content item.
type StatusRecord struct {
	Time        time.Time `json:"time"`
	JobID       string    `json:"job_id"`
	ContentID   string    `json:"content_id"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Stage       string    `json:"stage,omitempty"`
}

// Node is a graph node.
type Node struct {
	Name           string    `json:"name"`
	Labels         []string  `json:"labels"`
	ContentID      *string   `json:"content_id,omitempty"`
	Location       *string   `json:"location,omitempty"`
	Profile        *string   `json:"profile,omitempty"`
	PredictedClass *string   `json:"predicted_class,omitempty"`
	Created        time.Time `json:"created,omitempty"`
}

// Edge is one directed edge of a trace.
type Edge struct {
	From    string `json:"from_name"`
	RelType string `json:"rel_type"`
	To      string `json:"to_name"`
}

// Trace is a node with every edge reachable from it.
type Trace struct {
	Node    Node   `json:"node"`
	Edges   []Edge `json:"edges"`
	Summary string `json:"summary"`
}

// PendingReassembly is one item still waiting for fragments.
type PendingReassembly struct {
	Stage string `json:"stage"`
	Key   struct {
		JobID     string
		ContentID string
	} `json:"key"`
	FileName     string        `json:"file_name"`
	Received     int           `json:"received"`
	Total        int           `json:"total"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastProgress time.Time     `json:"last_progress"`
	Age          time.Duration `json:"age"`
	Stuck        bool          `json:"stuck"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, "", nil)
}

// Submit uploads files as one job. Files are streamed, not buffered.
func (c *Client) Submit(ctx context.Context, files map[models.Category][]string) (*Submission, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploads(mw, files))
	}()

	var sub Submission
	err := c.do(ctx, http.MethodPost, "/jobs", nil, pr, mw.FormDataContentType(), &sub)
	pr.Close()
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func writeUploads(mw *multipart.Writer, files map[models.Category][]string) error {
	for _, cat := range models.Categories {
		for _, path := range files[cat] {
			if err := writeUpload(mw, cat.UploadField(), path); err != nil {
				return err
			}
		}
	}
	return mw.Close()
}

func writeUpload(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// Jobs lists the jobs the server tracks, most recent first.
func (c *Client) Jobs(ctx context.Context) ([]JobProgress, error) {
	var jobs []JobProgress
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, nil, "", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Job returns the progress of one job.
func (c *Client) Job(ctx context.Context, id string) (*JobProgress, error) {
	var p JobProgress
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, "", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Status returns stored status records, newest first. An empty jobID returns all.
func (c *Client) Status(ctx context.Context, jobID string) ([]StatusRecord, error) {
	var q url.Values
	if jobID != "" {
		q = url.Values{"job_id": {jobID}}
	}
	var records []StatusRecord
	if err := c.do(ctx, http.MethodGet, "/status", q, nil, "", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ClearStatus deletes every status record and returns how many were removed.
func (c *Client) ClearStatus(ctx context.Context) (int, error) {
	var res struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/status", nil, nil, "", &res); err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

// FindNodes returns nodes whose name contains partial, ignoring case.
// A limit of 0 uses the server default.
func (c *Client) FindNodes(ctx context.Context, partial string, limit int) ([]Node, error) {
	q := url.Values{"q": {partial}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var nodes []Node
	if err := c.do(ctx, http.MethodGet, "/graph/nodes", q, nil, "", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Trace returns the node named name with every edge reachable from it.
func (c *Client) Trace(ctx context.Context, name string) (*Trace, error) {
	var tr Trace
	if err := c.do(ctx, http.MethodGet, "/graph/trace", url.Values{"name": {name}}, nil, "", &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Rename renames every node called oldName and returns how many changed.
func (c *Client) Rename(ctx context.Context, oldName, newName string) (int, error) {
	body, err := json.Marshal(map[string]string{"old_name": oldName, "new_name": newName})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	var res struct {
		Renamed int `json:"renamed"`
	}
	if err := c.do(ctx, http.MethodPost, "/graph/rename", nil, strings.NewReader(string(body)), "application/json", &res); err != nil {
		return 0, err
	}
	return res.Renamed, nil
}

// Reassembly lists items still waiting for fragments.
func (c *Client) Reassembly(ctx context.Context) ([]PendingReassembly, error) {
	var out []PendingReassembly
	if err := c.do(ctx, http.MethodGet, "/reassembly", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Evict drops reassembly state without progress for olderThan. An empty
// stage evicts across every stage.
func (c *Client) Evict(ctx context.Context, olderThan time.Duration, stage string) (int, error) {
	q := url.Values{"older_than": {olderThan.String()}}
	if stage != "" {
		q.Set("stage", stage)
	}
	var res struct {
		Evicted int `json:"evicted"`
	}
	if err := c.do(ctx, http.MethodPost, "/reassembly/evict", q, nil, "", &res); err != nil {
		return 0, err
	}
	return res.Evicted, nil
}

// Artifact returns one stored stage artifact of a content item.
func (c *Client) Artifact(ctx context.Context, contentID, name string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/blobs/"+url.PathEscape(contentID)+"/artifacts/"+url.PathEscape(name), nil, nil, "")
}
