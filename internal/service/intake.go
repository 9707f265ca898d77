package service

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// Submission acknowledges an accepted job.
type Submission struct {
	JobID      string                       `json:"job_id"`
	Counts     map[models.Category]int      `json:"counts"`
	ContentIDs map[models.Category][]string `json:"content_ids"`
	Items      []ItemRoute                  `json:"items"`
}

// Intake turns uploads into routed jobs and starts tracking them.
type Intake struct {
	router  *Router
	tracker *JobTracker
}

// NewIntake creates an intake. tracker may be nil.
func NewIntake(router *Router, tracker *JobTracker) *Intake {
	return &Intake{router: router, tracker: tracker}
}

// Submit builds a job from uploaded files and routes it.
func (in *Intake) Submit(ctx context.Context, files map[models.Category][]UploadedFile) (*Submission, error) {
	job, err := BuildJob(files)
	if err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}
	return in.route(ctx, job), nil
}

// SubmitJob re-stamps the identifiers of a job received on the wire and routes it.
func (in *Intake) SubmitJob(ctx context.Context, job *models.Job) (*Submission, error) {
	if err := AssignIDs(job); err != nil {
		return nil, fmt.Errorf("assign ids: %w", err)
	}
	return in.route(ctx, job), nil
}

func (in *Intake) route(ctx context.Context, job *models.Job) *Submission {
	// Expect before routing so the first status events find every item.
	if in.tracker != nil {
		in.tracker.Expect(expected(job))
	}
	res := in.router.Route(ctx, job)

	sub := &Submission{
		JobID:      res.JobID,
		Counts:     res.Counts,
		ContentIDs: make(map[models.Category][]string),
		Items:      res.Items,
	}
	for _, it := range res.Items {
		sub.ContentIDs[it.Category] = append(sub.ContentIDs[it.Category], it.ContentID)
	}
	return sub
}

func expected(job *models.Job) RouteResult {
	res := RouteResult{JobID: job.ID}
	for _, c := range models.Categories {
		for _, item := range job.Items(c) {
			res.Items = append(res.Items, ItemRoute{ContentID: item.ContentID, Category: c, FileName: item.FileName})
		}
	}
	return res
}
