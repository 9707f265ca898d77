package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Fixed names used by the graph assembler.
const (
	LearnerKind     = "learnerObject"
	LearnerRelation = "learnerObject"
	ImageRelation   = "Image"
	JobKind         = "job"
)

// HasRelation and OfRelation name the two directed edges of a relation pair.
// For a pair (a, rel, b): b -has_rel-> a and a -rel_of-> b.
func HasRelation(rel string) string { return "has_" + rel }

func OfRelation(rel string) string { return rel + "_of" }

// NodeSpec is an extracted entity: surface text, kind and subtype, plus the
// free-text profile carried by the main-topic node.
type NodeSpec struct {
	Name    string
	Kind    string
	Subtype string
	Profile string
}

// ElementKind tags the variants of an extraction sequence element.
type ElementKind int

const (
	ElementContentID ElementKind = iota
	ElementNode
	ElementRelation
)

func (k ElementKind) String() string {
	switch k {
	case ElementContentID:
		return "content_id"
	case ElementNode:
		return "node"
	case ElementRelation:
		return "relation"
	}
	return fmt.Sprintf("ElementKind(%d)", int(k))
}

// Element is one entry of an extraction sequence: a content id, a node or a relation tag.
//
// On the wire a content id is a bare string, a relation is a one-element array
// and a node is an array of at least three strings with an optional fourth profile.
type Element struct {
	Kind      ElementKind
	ContentID string
	Node      NodeSpec
	Relation  string
}

// ContentIDElement returns a content id element.
func ContentIDElement(id string) Element {
	return Element{Kind: ElementContentID, ContentID: id}
}

// NodeElement returns a node element.
func NodeElement(n NodeSpec) Element {
	return Element{Kind: ElementNode, Node: n}
}

// RelationElement returns a relation element.
func RelationElement(rel string) Element {
	return Element{Kind: ElementRelation, Relation: rel}
}

// ErrBadElement is returned when a wire element matches none of the variants.
var ErrBadElement = errors.New("malformed sequence element")

// MarshalJSON writes the positional wire form.
func (e Element) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case ElementContentID:
		return json.Marshal(e.ContentID)
	case ElementRelation:
		return json.Marshal([]string{e.Relation})
	case ElementNode:
		parts := []string{e.Node.Name, e.Node.Kind, e.Node.Subtype}
		if e.Node.Profile != "" {
			parts = append(parts, e.Node.Profile)
		}
		return json.Marshal(parts)
	}
	return nil, fmt.Errorf("%w: kind %v", ErrBadElement, e.Kind)
}

// UnmarshalJSON reads the positional wire form.
func (e *Element) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = ContentIDElement(id)
		return nil
	}

	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %s", ErrBadElement, string(data))
	}
	switch {
	case len(parts) == 1:
		*e = RelationElement(parts[0])
	case len(parts) >= 3:
		n := NodeSpec{Name: parts[0], Kind: parts[1], Subtype: parts[2]}
		if len(parts) > 3 {
			n.Profile = parts[3]
		}
		*e = NodeElement(n)
	default:
		return fmt.Errorf("%w: %d-element array", ErrBadElement, len(parts))
	}
	return nil
}

// ImageDescriptor is the output of the image stage for one classified image.
type ImageDescriptor struct {
	ContentID      string `json:"content_id"`
	FileName       string `json:"file_name"`
	Format         string `json:"format"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	PredictedClass string `json:"predicted_class"`
	Location       string `json:"location,omitempty"`
}

// Graph message kinds.
const (
	GraphKindEntities = "entities"
	GraphKindImage    = "image"
)

// GraphMessage is published by stage workers to the graph channel.
type GraphMessage struct {
	Kind      string            `json:"kind"`
	JobID     string            `json:"job_id"`
	ContentID string            `json:"content_id"`
	FileName  string            `json:"file_name"`
	MediaType string            `json:"media_type,omitempty"`
	Location  string            `json:"location,omitempty"`
	Elements  []Element         `json:"elements,omitempty"`
	Images    []ImageDescriptor `json:"images,omitempty"`
}

// GraphNode is a stored node of the property graph.
type GraphNode struct {
	ID             *surrealmodels.RecordID `json:"id,omitempty"`
	Name           string                  `json:"name"`
	Labels         []string                `json:"labels"`
	ContentID      *string                 `json:"content_id,omitempty"`
	Location       *string                 `json:"location,omitempty"`
	Profile        *string                 `json:"profile,omitempty"`
	PredictedClass *string                 `json:"predicted_class,omitempty"`
	Created        time.Time               `json:"created,omitempty"`
}

// TraceEdge is one directed edge returned by a traceback query.
type TraceEdge struct {
	From    string `json:"from_name"`
	RelType string `json:"rel_type"`
	To      string `json:"to_name"`
}

// String renders the edge as "from - [rel] -> to".
func (e TraceEdge) String() string {
	return fmt.Sprintf("%s - [%s] -> %s", e.From, e.RelType, e.To)
}
