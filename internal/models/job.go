// Package models defines the data structures shared across the mediaflow pipeline.
package models

import (
	"encoding/json"
	"fmt"
)

// Category identifies the media type family of a content item.
// The value doubles as the broker channel name for that category.
type Category string

const (
	CategoryDocument Category = "Document"
	CategoryImage    Category = "Image"
	CategoryAudio    Category = "Audio"
	CategoryVideo    Category = "Video"
)

// Categories lists every content category in routing order.
var Categories = []Category{CategoryDocument, CategoryImage, CategoryAudio, CategoryVideo}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDocument, CategoryImage, CategoryAudio, CategoryVideo:
		return true
	}
	return false
}

// IDField returns the wire field that carries the content id for items of this category.
func (c Category) IDField() string {
	switch c {
	case CategoryDocument:
		return "DocumentId"
	case CategoryImage:
		return "PictureID"
	case CategoryAudio:
		return "AudioID"
	case CategoryVideo:
		return "VideoID"
	}
	return "ContentId"
}

// TypeField returns the wire field that carries the media type (extension).
func (c Category) TypeField() string {
	switch c {
	case CategoryImage:
		return "PictureType"
	case CategoryDocument, CategoryAudio, CategoryVideo:
		return string(c) + "Type"
	}
	return "ContentType"
}

// Collection returns the job field holding items of this category.
func (c Category) Collection() string {
	switch c {
	case CategoryDocument:
		return "Documents"
	case CategoryImage:
		return "Images"
	}
	return string(c)
}

// Label is the human-facing category name used in status records.
func (c Category) Label() string {
	if c == CategoryImage {
		return "Picture"
	}
	if c.Valid() {
		return string(c)
	}
	return UnknownType
}

// Placeholders used before identifiers are assigned and when none can be derived.
const (
	PlaceholderID    = "ObjectID"
	UnknownJobID     = "Unknown JobID"
	UnknownContentID = "Unknown ContentID"
	UnknownType      = "Unknown Type"
)

// ContentRef is the resolved identity of a content item: which category it belongs
// to and its content id. It is derived once from the alias fields at ingestion.
type ContentRef struct {
	Category Category
	ID       string
}

// ResolveRef picks the content reference from the category-specific alias
// fields. A nil alias is absent. Precedence is document, picture, audio, video;
// the first present alias wins even when its value is empty.
func ResolveRef(documentID, pictureID, audioID, videoID *string) (ContentRef, bool) {
	switch {
	case documentID != nil:
		return ContentRef{Category: CategoryDocument, ID: *documentID}, true
	case pictureID != nil:
		return ContentRef{Category: CategoryImage, ID: *pictureID}, true
	case audioID != nil:
		return ContentRef{Category: CategoryAudio, ID: *audioID}, true
	case videoID != nil:
		return ContentRef{Category: CategoryVideo, ID: *videoID}, true
	}
	return ContentRef{ID: UnknownContentID}, false
}

// ContentItem is one file within a job. A transport fragment of an item is also a
// ContentItem, with ChunkNumber/TotalChunks set and Payload holding only the slice.
type ContentItem struct {
	JobID       string
	ContentID   string
	Category    Category
	MediaType   string
	FileName    string
	Payload     []byte
	ChunkNumber int
	TotalChunks int
}

// Ref returns the item's resolved content reference.
func (c ContentItem) Ref() ContentRef {
	return ContentRef{Category: c.Category, ID: c.ContentID}
}

// IsChunk reports whether the item is a transport fragment.
func (c ContentItem) IsChunk() bool {
	return c.TotalChunks > 0
}

// MarshalJSON writes the item in the self-describing wire shape, using the
// category-specific id and type field names.
func (c ContentItem) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"ID":                   c.JobID,
		c.Category.IDField():   c.ContentID,
		"FileName":             c.FileName,
		c.Category.TypeField(): c.MediaType,
	}
	if c.Payload != nil {
		m["Payload"] = c.Payload
	}
	if c.TotalChunks > 0 {
		m["ChunkNumber"] = c.ChunkNumber
		m["TotalChunks"] = c.TotalChunks
	}
	return json.Marshal(m)
}

type itemWire struct {
	ID           string  `json:"ID"`
	DocumentID   *string `json:"DocumentId"`
	PictureID    *string `json:"PictureID"`
	AudioID      *string `json:"AudioID"`
	VideoID      *string `json:"VideoID"`
	ContentID    string  `json:"ContentId"`
	FileName     string  `json:"FileName"`
	DocumentType string  `json:"DocumentType"`
	PictureType  string  `json:"PictureType"`
	AudioType    string  `json:"AudioType"`
	VideoType    string  `json:"VideoType"`
	Payload      []byte  `json:"Payload"`
	ChunkNumber  int     `json:"ChunkNumber"`
	TotalChunks  int     `json:"TotalChunks"`
}

// UnmarshalJSON reads the wire shape. The category is resolved from whichever
// alias field is present, following ResolveRef precedence. Without any alias
// the item keeps ContentId and no category.
func (c *ContentItem) UnmarshalJSON(data []byte) error {
	var w itemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ref, ok := ResolveRef(w.DocumentID, w.PictureID, w.AudioID, w.VideoID)
	if !ok {
		ref = ContentRef{ID: w.ContentID}
	}

	*c = ContentItem{
		JobID:       w.ID,
		ContentID:   ref.ID,
		Category:    ref.Category,
		FileName:    w.FileName,
		Payload:     w.Payload,
		ChunkNumber: w.ChunkNumber,
		TotalChunks: w.TotalChunks,
	}
	switch ref.Category {
	case CategoryDocument:
		c.MediaType = w.DocumentType
	case CategoryImage:
		c.MediaType = w.PictureType
	case CategoryAudio:
		c.MediaType = w.AudioType
	case CategoryVideo:
		c.MediaType = w.VideoType
	}
	return nil
}

// Job is one user submission: zero or more content items across the four categories.
type Job struct {
	ID        string
	Documents []ContentItem
	Images    []ContentItem
	Audio     []ContentItem
	Video     []ContentItem
}

// Items returns the items of one category.
func (j *Job) Items(c Category) []ContentItem {
	switch c {
	case CategoryDocument:
		return j.Documents
	case CategoryImage:
		return j.Images
	case CategoryAudio:
		return j.Audio
	case CategoryVideo:
		return j.Video
	}
	return nil
}

// SetItems replaces the items of one category.
func (j *Job) SetItems(c Category, items []ContentItem) {
	switch c {
	case CategoryDocument:
		j.Documents = items
	case CategoryImage:
		j.Images = items
	case CategoryAudio:
		j.Audio = items
	case CategoryVideo:
		j.Video = items
	}
}

// Count returns the number of items in one category.
func (j *Job) Count(c Category) int {
	return len(j.Items(c))
}

// Total returns the number of items across all categories.
func (j *Job) Total() int {
	n := 0
	for _, c := range Categories {
		n += j.Count(c)
	}
	return n
}

type jobWire struct {
	ID                string        `json:"ID"`
	NumberOfDocuments int           `json:"NumberOfDocuments"`
	NumberOfImages    int           `json:"NumberOfImages"`
	NumberOfAudio     int           `json:"NumberOfAudio"`
	NumberOfVideo     int           `json:"NumberOfVideo"`
	Documents         []ContentItem `json:"Documents"`
	Images            []ContentItem `json:"Images"`
	Audio             []ContentItem `json:"Audio"`
	Video             []ContentItem `json:"Video"`
}

// MarshalJSON writes the job with counts derived from the collections.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobWire{
		ID:                j.ID,
		NumberOfDocuments: len(j.Documents),
		NumberOfImages:    len(j.Images),
		NumberOfAudio:     len(j.Audio),
		NumberOfVideo:     len(j.Video),
		Documents:         nonNil(j.Documents),
		Images:            nonNil(j.Images),
		Audio:             nonNil(j.Audio),
		Video:             nonNil(j.Video),
	})
}

// UnmarshalJSON reads a job document. Items take the category of the collection
// they were found in; declared counts must match the collections.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	counts := map[Category]int{
		CategoryDocument: w.NumberOfDocuments,
		CategoryImage:    w.NumberOfImages,
		CategoryAudio:    w.NumberOfAudio,
		CategoryVideo:    w.NumberOfVideo,
	}
	collections := map[Category][]ContentItem{
		CategoryDocument: w.Documents,
		CategoryImage:    w.Images,
		CategoryAudio:    w.Audio,
		CategoryVideo:    w.Video,
	}

	*j = Job{ID: w.ID}
	for _, c := range Categories {
		items := collections[c]
		if counts[c] != 0 && counts[c] != len(items) {
			return fmt.Errorf("job %s: NumberOf%s is %d but %d items present", w.ID, c.Collection(), counts[c], len(items))
		}
		for i := range items {
			items[i].Category = c
		}
		j.SetItems(c, items)
	}
	return nil
}

func nonNil(items []ContentItem) []ContentItem {
	if items == nil {
		return []ContentItem{}
	}
	return items
}
