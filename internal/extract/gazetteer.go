// Package extract finds known entities in document text and arranges them into
// the element sequences consumed by the graph assembler.
package extract

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_gazetteer.yaml
var defaultGazetteer []byte

// Entity is one gazetteer entry. Aliases match in addition to the name.
type Entity struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Subtype string   `yaml:"subtype"`
	Aliases []string `yaml:"aliases"`
}

// Type returns the entity's relation lookup key.
func (e Entity) Type() string {
	return e.Kind + e.Subtype
}

// RelationRule names the relation between two entity types. Rules are symmetric.
type RelationRule struct {
	Between  []string `yaml:"between"`
	Relation string   `yaml:"relation"`
}

// Gazetteer is the entity dictionary and relationship map used for extraction.
type Gazetteer struct {
	DefaultRelation string         `yaml:"default_relation"`
	Entities        []Entity       `yaml:"entities"`
	Relations       []RelationRule `yaml:"relations"`
}

// DefaultRelation is used between adjacent entities when no rule and no
// gazetteer default applies.
const DefaultRelation = "mentions"

// LoadGazetteer reads a gazetteer file. An empty path loads the built-in one.
func LoadGazetteer(path string) (*Gazetteer, error) {
	if path == "" {
		return ParseGazetteer(defaultGazetteer)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gazetteer: %w", err)
	}
	return ParseGazetteer(data)
}

// ParseGazetteer parses and validates gazetteer YAML.
func ParseGazetteer(data []byte) (*Gazetteer, error) {
	var g Gazetteer
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse gazetteer: %w", err)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	if g.DefaultRelation == "" {
		g.DefaultRelation = DefaultRelation
	}
	return &g, nil
}

func (g *Gazetteer) validate() error {
	var errs []error
	for i, e := range g.Entities {
		if strings.TrimSpace(e.Name) == "" || e.Kind == "" || e.Subtype == "" {
			errs = append(errs, fmt.Errorf("entity %d: name, kind and subtype are required", i))
		}
	}
	for i, r := range g.Relations {
		if len(r.Between) != 2 || r.Relation == "" {
			errs = append(errs, fmt.Errorf("relation %d: needs two types and a relation", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid gazetteer: %w", errors.Join(errs...))
	}
	return nil
}

// matcher compiles the gazetteer into one case-insensitive pattern. Longer
// surface forms come first so that the leftmost match is also the longest.
type matcher struct {
	pattern *regexp.Regexp
	byForm  map[string]Entity
}

func newMatcher(entities []Entity) *matcher {
	m := &matcher{byForm: make(map[string]Entity)}

	var forms []string
	for _, e := range entities {
		for _, form := range append([]string{e.Name}, e.Aliases...) {
			key := strings.ToLower(strings.TrimSpace(form))
			if key == "" {
				continue
			}
			if _, dup := m.byForm[key]; dup {
				continue
			}
			m.byForm[key] = e
			forms = append(forms, key)
		}
	}
	if len(forms) == 0 {
		return m
	}

	slices.SortFunc(forms, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	quoted := make([]string, len(forms))
	for i, f := range forms {
		quoted[i] = regexp.QuoteMeta(f)
	}
	m.pattern = regexp.MustCompile(`(?i)(?:^|[^\pL\pN])(` + strings.Join(quoted, "|") + `)(?:[^\pL\pN]|$)`)
	return m
}

// find returns the entities mentioned in s, in order of appearance.
func (m *matcher) find(s string) []Entity {
	if m.pattern == nil {
		return nil
	}
	var out []Entity
	for rest := s; rest != ""; {
		loc := m.pattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		out = append(out, m.byForm[strings.ToLower(rest[loc[2]:loc[3]])])
		// Resume right after the match so that a shared separator can start the next one.
		rest = rest[loc[3]:]
	}
	return out
}
