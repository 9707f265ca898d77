package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/raphaelgruber/mediaflow/internal/blob"
	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/db"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/raphaelgruber/mediaflow/internal/service"
)

// Multipart form memory kept before spilling file parts to disk.
const formMemory = 32 << 20

// uploadFields maps multipart field names to the category of their files.
var uploadFields = map[string]models.Category{}

func init() {
	for _, c := range models.Categories {
		uploadFields[c.UploadField()] = c
	}
}

// RenameRequest is the body of POST /graph/rename.
type RenameRequest struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// PendingReassembly is one entry of GET /reassembly.
type PendingReassembly struct {
	Stage string `json:"stage"`
	chunk.Entry
	Age   time.Duration `json:"age"`
	Stuck bool          `json:"stuck"`
}

// BlobInfo is the response of GET /blobs/{cid}.
type BlobInfo struct {
	blob.Object
	Artifacts []string `json:"artifacts"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSubmit(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, d.MaxUpload)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(formMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid multipart upload: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := make(map[models.Category][]service.UploadedFile)
		for field, headers := range r.MultipartForm.File {
			c, ok := uploadFields[field]
			if !ok {
				httpError(w, http.StatusBadRequest, "unknown upload field %q", field)
				return
			}
			for _, fh := range headers {
				data, err := readPart(fh)
				if err != nil {
					httpError(w, http.StatusBadRequest, "read %s: %v", fh.Filename, err)
					return
				}
				files[c] = append(files[c], service.UploadedFile{Name: fh.Filename, Data: data})
			}
		}

		sub, err := d.Intake.Submit(r.Context(), files)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "submit job: %v", err)
			return
		}
		d.Logger.Info("job submitted", "job_id", sub.JobID, "items", len(sub.Items))
		writeJSON(w, http.StatusAccepted, sub)
	}
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func handleListJobs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := d.Tracker.List()
		if jobs == nil {
			jobs = []service.JobProgress{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

// handleGetJob answers from the tracker and falls back to replaying the
// job's stored status records.
func handleGetJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if p, ok := d.Tracker.Snapshot(id); ok {
			writeJSON(w, http.StatusOK, p)
			return
		}

		records, err := d.Correlator.LoadAll(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "load status: %v", err)
			return
		}
		if len(records) == 0 {
			httpError(w, http.StatusNotFound, "job %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, d.Tracker.Replay(id, records))
	}
}

func handleLoadStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := d.Correlator.LoadAll(r.Context(), r.URL.Query().Get("job_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "load status: %v", err)
			return
		}
		if records == nil {
			records = []models.StatusRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleClearStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := d.Correlator.ClearAll(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "clear status: %v", err)
			return
		}
		d.Tracker.Forget()
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleFindNodes(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "query parameter q is required")
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid limit %q", s)
				return
			}
			limit = n
		}

		nodes, err := d.Graph.FindNodes(r.Context(), q, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "find nodes: %v", err)
			return
		}
		if nodes == nil {
			nodes = []models.GraphNode{}
		}
		writeJSON(w, http.StatusOK, nodes)
	}
}

func handleTrace(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			httpError(w, http.StatusBadRequest, "query parameter name is required")
			return
		}

		trace, err := d.Graph.Trace(r.Context(), name)
		if errors.Is(err, db.ErrNotFound) {
			httpError(w, http.StatusNotFound, "no node named %q", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "trace: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, trace)
	}
}

func handleRename(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RenameRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.OldName == "" || strings.TrimSpace(req.NewName) == "" {
			httpError(w, http.StatusBadRequest, "old_name and new_name are required")
			return
		}

		n, err := d.Graph.RenameNode(r.Context(), req.OldName, req.NewName)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "rename: %v", err)
			return
		}
		d.Logger.Info("graph node renamed", "old_name", req.OldName, "new_name", req.NewName, "count", n)
		writeJSON(w, http.StatusOK, map[string]int{"renamed": n})
	}
}

func handleReassembly(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		out := []PendingReassembly{}
		for _, stage := range sortedStages(d.Reassemblers) {
			entries, err := d.Reassemblers[stage].Pending(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "list %s reassembly: %v", stage, err)
				return
			}
			for _, e := range entries {
				out = append(out, PendingReassembly{
					Stage: stage,
					Entry: e,
					Age:   now.Sub(e.FirstSeen),
					Stuck: d.StuckAfter > 0 && now.Sub(e.LastProgress) >= d.StuckAfter,
				})
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleEvict(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("older_than")
		olderThan, err := time.ParseDuration(raw)
		if err != nil || olderThan < 0 {
			httpError(w, http.StatusBadRequest, "invalid older_than %q", raw)
			return
		}
		stage := r.URL.Query().Get("stage")
		if stage != "" && d.Reassemblers[stage] == nil {
			httpError(w, http.StatusNotFound, "no reassembler for stage %q", stage)
			return
		}

		n := 0
		for name, re := range d.Reassemblers {
			if stage != "" && stage != name {
				continue
			}
			evicted, err := re.EvictStale(r.Context(), olderThan)
			n += evicted
			if err != nil {
				httpError(w, http.StatusInternalServerError, "evict %s reassembly: %v", name, err)
				return
			}
		}
		d.Logger.Info("reassembly entries evicted", "older_than", olderThan, "stage", stage, "count", n)
		writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
	}
}

func handleBlob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid := chi.URLParam(r, "cid")
		obj, err := d.Blobs.Stat(r.Context(), cid)
		if errors.Is(err, blob.ErrNotFound) {
			httpError(w, http.StatusNotFound, "no payload for %s", cid)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "stat: %v", err)
			return
		}
		names, err := d.Blobs.Artifacts(r.Context(), cid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "list artifacts: %v", err)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, BlobInfo{Object: obj, Artifacts: names})
	}
}

func handleArtifact(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, name := chi.URLParam(r, "cid"), chi.URLParam(r, "name")
		data, err := d.Blobs.Artifact(r.Context(), cid, name)
		if errors.Is(err, blob.ErrNotFound) {
			httpError(w, http.StatusNotFound, "no artifact %s for %s", name, cid)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "artifact: %v", err)
			return
		}

		ct := "text/plain; charset=utf-8"
		if json.Valid(data) {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.Write(data)
	}
}

func sortedStages(m map[string]*chunk.Reassembler) []string {
	stages := make([]string, 0, len(m))
	for s := range m {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	return stages
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
