package models

import (
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Status is the canonical outcome of one lifecycle event of a content item.
type Status string

const (
	StatusProcessed Status = "Processed"
	StatusFailed    Status = "Failed"
	StatusUnknown   Status = "Unknown"
)

// NormalizeStatus maps free-form status text from stage workers onto the canonical enum.
// An empty status counts as Processed.
func NormalizeStatus(s string) Status {
	lower := strings.ToLower(strings.TrimSpace(s))
	if lower == "" {
		return StatusProcessed
	}
	for _, marker := range []string{"fail", "error"} {
		if strings.Contains(lower, marker) {
			return StatusFailed
		}
	}
	for _, marker := range []string{"process", "success", "complete", "stored"} {
		if strings.Contains(lower, marker) {
			return StatusProcessed
		}
	}
	return StatusUnknown
}

// Stage names carried on status records.
const (
	StageRouter   = "router"
	StageDocument = "document"
	StageImage    = "image"
	StageAudio    = "audio"
	StageVideo    = "video"
	StageGraph    = "graph"
)

// StageFor returns the stage worker name for a category.
func StageFor(c Category) string {
	return strings.ToLower(string(c))
}

// StatusRecord is one lifecycle event of a content item. Records are append-only.
type StatusRecord struct {
	ID          *surrealmodels.RecordID `json:"id,omitempty"`
	Time        time.Time               `json:"time"`
	JobID       string                  `json:"job_id"`
	ContentID   string                  `json:"content_id"`
	ContentType string                  `json:"content_type"`
	FileName    string                  `json:"file_name"`
	Status      Status                  `json:"status"`
	Message     string                  `json:"message"`
	Stage       string                  `json:"stage,omitempty"`
}

// Terminal reports whether the record ends the item's journey through the
// stage workers. Graph completions never do; router events only when the
// hand-off itself failed.
func (r StatusRecord) Terminal() bool {
	switch r.Stage {
	case StageGraph:
		return false
	case StageRouter:
		return r.Status == StatusFailed
	}
	return r.Status == StatusProcessed || r.Status == StatusFailed
}

// StatusEvent is the wire form of a status message on the status channel. The
// content id travels in the category alias field, as on item messages; a nil
// alias was absent from the message.
// Field matching is case-insensitive, so "status" and "Status" both decode.
type StatusEvent struct {
	JobID      string  `json:"ID,omitempty"`
	DocumentID *string `json:"DocumentId,omitempty"`
	PictureID  *string `json:"PictureID,omitempty"`
	AudioID    *string `json:"AudioID,omitempty"`
	VideoID    *string `json:"VideoID,omitempty"`
	FileName   string  `json:"FileName,omitempty"`
	Status     string  `json:"Status"`
	Message    string  `json:"Message,omitempty"`
	Time       string  `json:"time,omitempty"`
	Stage      string  `json:"stage,omitempty"`
}

// NewStatusEvent builds a status event for item, stamped with the current time.
func NewStatusEvent(item ContentItem, status Status, message, stage string) StatusEvent {
	ev := StatusEvent{
		JobID:    item.JobID,
		FileName: item.FileName,
		Status:   string(status),
		Message:  message,
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Stage:    stage,
	}
	ev.SetRef(item.Ref())
	return ev
}

// SetRef stores ref's id in the alias field of its category and clears the
// others. Unknown categories leave every alias absent.
func (e *StatusEvent) SetRef(ref ContentRef) {
	e.DocumentID, e.PictureID, e.AudioID, e.VideoID = nil, nil, nil, nil
	id := ref.ID
	switch ref.Category {
	case CategoryDocument:
		e.DocumentID = &id
	case CategoryImage:
		e.PictureID = &id
	case CategoryAudio:
		e.AudioID = &id
	case CategoryVideo:
		e.VideoID = &id
	}
}

// Ref resolves the content reference from the alias fields.
func (e StatusEvent) Ref() (ContentRef, bool) {
	return ResolveRef(e.DocumentID, e.PictureID, e.AudioID, e.VideoID)
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseEventTime parses the time formats stage workers emit. ok is false when
// s matches none of them.
func ParseEventTime(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
