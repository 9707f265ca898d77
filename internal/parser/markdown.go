// Package parser extracts plain text from uploaded documents and scores it
// into summaries and keywords.
package parser

import (
	"bufio"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownDoc is a Markdown payload split into frontmatter and body.
type MarkdownDoc struct {
	Frontmatter map[string]any
	Title       string
	Body        string
}

var (
	h1Regex       = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	linkRegex     = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	emphasisRegex = regexp.MustCompile("[*_`~]+")
	listRegex     = regexp.MustCompile(`^\s*(?:[-+*]|\d+\.)\s+`)
)

// ParseMarkdown splits off YAML frontmatter and finds the title: the
// frontmatter title or name, else the first level-one heading. Malformed
// frontmatter is dropped rather than failing the document.
func ParseMarkdown(content string) *MarkdownDoc {
	doc := &MarkdownDoc{Frontmatter: map[string]any{}, Body: content}

	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		if end := strings.Index(rest, "\n---"); end > 0 {
			if err := yaml.Unmarshal([]byte(rest[:end]), &doc.Frontmatter); err != nil {
				doc.Frontmatter = map[string]any{}
			}
			doc.Body = strings.TrimPrefix(rest[end+len("\n---"):], "\n")
		}
	}

	for _, key := range []string{"title", "name"} {
		if s, ok := doc.Frontmatter[key].(string); ok && s != "" {
			doc.Title = s
			return doc
		}
	}
	if m := h1Regex.FindStringSubmatch(doc.Body); m != nil {
		doc.Title = strings.TrimSpace(m[1])
	}
	return doc
}

// PlainText renders the body without Markdown syntax. Code fences are
// dropped. Headings and list items end with a period when they lack one so
// that sentence splitting keeps them apart.
func (d *MarkdownDoc) PlainText() string {
	var b strings.Builder
	inFence := false

	scanner := bufio.NewScanner(strings.NewReader(d.Body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		heading := false
		if trimmed := strings.TrimLeft(line, "#"); len(trimmed) < len(line) && strings.HasPrefix(trimmed, " ") {
			line = trimmed
			heading = true
		}
		listItem := listRegex.MatchString(line)
		line = listRegex.ReplaceAllString(line, "")
		line = linkRegex.ReplaceAllString(line, "$1")
		line = emphasisRegex.ReplaceAllString(line, "")
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), ">"))
		if line == "" {
			b.WriteString("\n")
			continue
		}
		if (heading || listItem) && !strings.ContainsAny(line[len(line)-1:], ".!?:") {
			line += "."
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
