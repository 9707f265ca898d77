// Package service implements the mediaflow pipeline: job building, routing,
// stage workers, status correlation and graph assembly.
package service

import (
	"fmt"
	"path/filepath"

	"github.com/raphaelgruber/mediaflow/internal/idgen"
	"github.com/raphaelgruber/mediaflow/internal/models"
)

// UploadedFile is one file received at the upload boundary.
type UploadedFile struct {
	Name string
	Data []byte
}

// BuildJob wraps the uploaded files into a job and assigns identifiers.
// Files are grouped by the category they were uploaded under; a zero-item
// job is valid.
func BuildJob(files map[models.Category][]UploadedFile) (*models.Job, error) {
	job := &models.Job{ID: models.PlaceholderID}
	for _, c := range models.Categories {
		var items []models.ContentItem
		for _, f := range files[c] {
			items = append(items, models.ContentItem{
				JobID:     models.PlaceholderID,
				ContentID: models.PlaceholderID,
				Category:  c,
				MediaType: models.MediaType(f.Name),
				FileName:  filepath.Base(f.Name),
				Payload:   f.Data,
			})
		}
		job.SetItems(c, items)
	}
	if err := AssignIDs(job); err != nil {
		return nil, err
	}
	return job, nil
}

// AssignIDs stamps a fresh job id and content ids onto job. The job id is
// computed from the whole job before any item id is injected; each content id
// is computed from its item after the job id is set. Earlier ids are replaced.
func AssignIDs(job *models.Job) error {
	for _, c := range models.Categories {
		items := job.Items(c)
		for i := range items {
			items[i].Category = c
			items[i].JobID = models.PlaceholderID
			items[i].ContentID = models.PlaceholderID
		}
	}
	job.ID = models.PlaceholderID

	jobID, err := idgen.ComputeID(job)
	if err != nil {
		return fmt.Errorf("compute job id: %w", err)
	}
	job.ID = jobID

	for _, c := range models.Categories {
		items := job.Items(c)
		for i := range items {
			items[i].JobID = jobID
			contentID, err := idgen.ComputeID(items[i])
			if err != nil {
				return fmt.Errorf("compute content id for %s: %w", items[i].FileName, err)
			}
			items[i].ContentID = contentID
		}
	}
	return nil
}

// FilesByCategory groups named files by the category their extension maps to.
// Files with an unknown extension are returned separately.
func FilesByCategory(files []UploadedFile) (map[models.Category][]UploadedFile, []string) {
	grouped := make(map[models.Category][]UploadedFile)
	var unknown []string
	for _, f := range files {
		c, ok := models.CategoryForFile(f.Name)
		if !ok {
			unknown = append(unknown, f.Name)
			continue
		}
		grouped[c] = append(grouped[c], f)
	}
	return grouped, unknown
}
