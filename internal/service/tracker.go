package service

import (
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// ItemState is the progress of one content item.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemHandedOff ItemState = "handed_off"
	ItemProcessed ItemState = "processed"
	ItemFailed    ItemState = "failed"
)

// ItemProgress is the tracked state of one content item.
type ItemProgress struct {
	ContentID string          `json:"content_id"`
	Category  models.Category `json:"category,omitempty"`
	FileName  string          `json:"file_name"`
	State     ItemState       `json:"state"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// JobProgress is a point-in-time view of one job.
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

// Done returns the number of items in a terminal state.
func (p JobProgress) Done() int {
	return p.Processed + p.Failed
}

type trackedJob struct {
	mu        sync.RWMutex
	id        string
	order     []string
	items     map[string]*ItemProgress
	startedAt time.Time
	updatedAt time.Time
}

func (j *trackedJob) item(contentID string) *ItemProgress {
	it, ok := j.items[contentID]
	if !ok {
		it = &ItemProgress{ContentID: contentID, State: ItemPending}
		j.items[contentID] = it
		j.order = append(j.order, contentID)
	}
	return it
}

func (j *trackedJob) apply(rec models.StatusRecord) {
	if rec.ContentID == "" || rec.ContentID == models.UnknownContentID {
		return
	}
	it := j.item(rec.ContentID)
	if rec.FileName != "" {
		it.FileName = rec.FileName
	}
	// Terminal states are final; a later graph or router event does not reopen them.
	if it.State == ItemProcessed || it.State == ItemFailed {
		return
	}
	switch {
	case rec.Terminal() && rec.Status == models.StatusFailed:
		it.State = ItemFailed
	case rec.Terminal():
		it.State = ItemProcessed
	case rec.Stage == models.StageRouter && it.State == ItemPending:
		it.State = ItemHandedOff
	default:
		return
	}
	it.Stage = rec.Stage
	it.Message = rec.Message
	if rec.Time.After(j.updatedAt) {
		j.updatedAt = rec.Time
	}
}

func (j *trackedJob) snapshot() JobProgress {
	j.mu.RLock()
	defer j.mu.RUnlock()

	p := JobProgress{
		JobID:     j.id,
		Total:     len(j.order),
		StartedAt: j.startedAt,
		UpdatedAt: j.updatedAt,
		Items:     make([]ItemProgress, 0, len(j.order)),
	}
	for _, id := range j.order {
		it := *j.items[id]
		switch it.State {
		case ItemHandedOff:
			p.HandedOff++
		case ItemProcessed:
			p.Processed++
		case ItemFailed:
			p.Failed++
		}
		p.Items = append(p.Items, it)
	}
	p.Complete = p.Total > 0 && p.Done() == p.Total
	return p
}

// JobTracker follows the progress of submitted jobs from the status stream.
// It is fed by the correlator as an observer.
type JobTracker struct {
	mu   sync.RWMutex
	jobs map[string]*trackedJob
	now  func() time.Time
}

// NewJobTracker creates an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: make(map[string]*trackedJob), now: time.Now}
}

func (t *JobTracker) job(id string) *trackedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		j = &trackedJob{id: id, items: make(map[string]*ItemProgress), startedAt: t.now()}
		t.jobs[id] = j
	}
	return j
}

// Expect registers the items of a routed job, so the job's total is known
// before any status arrives.
func (t *JobTracker) Expect(res RouteResult) {
	j := t.job(res.JobID)
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range res.Items {
		it := j.item(r.ContentID)
		it.Category = r.Category
		it.FileName = r.FileName
	}
}

// Observe implements Observer.
func (t *JobTracker) Observe(rec models.StatusRecord) error {
	if rec.JobID == "" || rec.JobID == models.UnknownJobID {
		return nil
	}
	j := t.job(rec.JobID)
	j.mu.Lock()
	j.apply(rec)
	j.mu.Unlock()
	return nil
}

// Replay rebuilds a job from stored records, given in any order.
func (t *JobTracker) Replay(jobID string, records []models.StatusRecord) JobProgress {
	var sorted []models.StatusRecord
	for _, rec := range records {
		if rec.JobID == jobID {
			sorted = append(sorted, rec)
		}
	}
	slices.SortStableFunc(sorted, func(a, b models.StatusRecord) int {
		return a.Time.Compare(b.Time)
	})

	j := t.job(jobID)
	j.mu.Lock()
	for _, rec := range sorted {
		j.apply(rec)
	}
	if len(sorted) > 0 && sorted[0].Time.Before(j.startedAt) {
		j.startedAt = sorted[0].Time
	}
	j.mu.Unlock()
	return j.snapshot()
}

// Snapshot returns the progress of jobID. ok is false for unknown jobs.
func (t *JobTracker) Snapshot(jobID string) (JobProgress, bool) {
	t.mu.RLock()
	j, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return JobProgress{}, false
	}
	return j.snapshot(), true
}

// List returns every tracked job, most recent first.
func (t *JobTracker) List() []JobProgress {
	t.mu.RLock()
	jobs := make([]*trackedJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.RUnlock()

	out := make([]JobProgress, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	slices.SortFunc(out, func(a, b JobProgress) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

// Forget drops every tracked job.
func (t *JobTracker) Forget() {
	t.mu.Lock()
	clear(t.jobs)
	t.mu.Unlock()
}
