package extract

import (
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// Extractor finds gazetteer entities in sentences and relates adjacent ones.
type Extractor struct {
	gazetteer *Gazetteer
	matcher   *matcher
	relations map[[2]string]string
}

// NewExtractor compiles g for matching.
func NewExtractor(g *Gazetteer) *Extractor {
	x := &Extractor{
		gazetteer: g,
		matcher:   newMatcher(g.Entities),
		relations: make(map[[2]string]string),
	}
	for _, r := range g.Relations {
		x.relations[[2]string{r.Between[0], r.Between[1]}] = r.Relation
		x.relations[[2]string{r.Between[1], r.Between[0]}] = r.Relation
	}
	return x
}

// Relation returns the relation between two entities, or the gazetteer default.
func (x *Extractor) Relation(a, b Entity) string {
	if rel, ok := x.relations[[2]string{a.Type(), b.Type()}]; ok {
		return rel
	}
	return x.gazetteer.DefaultRelation
}

// Analysis is the extraction result for one document.
type Analysis struct {
	// Entities are the distinct entities in order of first mention.
	Entities []Entity
	// Counts maps lowercased entity names to their number of mentions.
	Counts map[string]int
	// Main is the most mentioned entity; ties go to the first mentioned.
	Main *Entity
}

// Analyze extracts entities from sentences.
func (x *Extractor) Analyze(sentences []string) Analysis {
	a := Analysis{Counts: make(map[string]int)}
	for _, s := range sentences {
		for _, e := range x.matcher.find(s) {
			key := strings.ToLower(e.Name)
			if a.Counts[key] == 0 {
				a.Entities = append(a.Entities, e)
			}
			a.Counts[key]++
		}
	}

	best := 0
	for i, e := range a.Entities {
		if n := a.Counts[strings.ToLower(e.Name)]; n > best {
			best = n
			a.Main = &a.Entities[i]
		}
	}
	return a
}

// Sequence builds the element sequence for a document:
//
//	content id, learner node, learner relation, main node, (relation, node)...
//
// The main node carries profile. Every other entity follows in order of first
// mention, related to the entity before it. Without entities the sequence is
// the header only.
func (x *Extractor) Sequence(contentID string, learner models.NodeSpec, a Analysis, profile string) []models.Element {
	seq := []models.Element{
		models.ContentIDElement(contentID),
		models.NodeElement(learner),
		models.RelationElement(models.LearnerRelation),
	}
	if a.Main == nil {
		return seq
	}

	main := *a.Main
	seq = append(seq, models.NodeElement(nodeSpec(main, profile)))

	prev := main
	for _, e := range a.Entities {
		if strings.EqualFold(e.Name, main.Name) {
			continue
		}
		seq = append(seq,
			models.RelationElement(x.Relation(prev, e)),
			models.NodeElement(nodeSpec(e, "")),
		)
		prev = e
	}
	return seq
}

// LearnerNode returns the node describing the uploaded file itself.
func LearnerNode(fileName, mediaType string) models.NodeSpec {
	return models.NodeSpec{Name: fileName, Kind: models.LearnerKind, Subtype: mediaType}
}

func nodeSpec(e Entity, profile string) models.NodeSpec {
	return models.NodeSpec{Name: e.Name, Kind: e.Kind, Subtype: e.Subtype, Profile: profile}
}
