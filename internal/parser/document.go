package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat is returned for payloads that carry no extractable text.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document is the extracted text of one uploaded document.
type Document struct {
	Title string
	Text  string
	Pages int
}

// ExtractText returns the plain text of a document payload. The format is
// taken from mediaType, falling back to the file name's extension. PDF and
// Markdown are parsed; any other UTF-8 payload is taken as plain text.
func ExtractText(fileName, mediaType string, payload []byte) (*Document, error) {
	ext := strings.ToLower(strings.TrimPrefix(mediaType, "."))
	if ext == "" {
		ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	}

	switch ext {
	case "pdf":
		return extractPDF(payload)
	case "md", "markdown":
		doc := ParseMarkdown(string(payload))
		return &Document{Title: doc.Title, Text: doc.PlainText(), Pages: 1}, nil
	}

	if !utf8.Valid(payload) || bytes.IndexByte(payload, 0) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	return &Document{Text: strings.TrimSpace(string(payload)), Pages: 1}, nil
}

func extractPDF(payload []byte) (doc *Document, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("read pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	title := ""
	if info := r.Trailer().Key("Info"); !info.IsNull() {
		title = info.Key("Title").Text()
	}
	return &Document{Title: title, Text: strings.TrimSpace(string(text)), Pages: r.NumPage()}, nil
}
