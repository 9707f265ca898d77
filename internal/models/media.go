package models

import (
	"path/filepath"
	"strings"
)

var extensionCategory = map[string]Category{}

func init() {
	for c, exts := range map[Category][]string{
		CategoryDocument: {"pdf", "txt", "md", "markdown", "doc", "docx", "rtf", "odt", "csv", "json", "html", "htm", "xml"},
		CategoryImage:    {"png", "jpg", "jpeg", "gif", "bmp", "webp", "tif", "tiff", "svg"},
		CategoryAudio:    {"mp3", "wav", "flac", "aac", "ogg", "m4a", "opus", "wma"},
		CategoryVideo:    {"mp4", "mov", "avi", "mkv", "webm", "wmv", "m4v", "mpeg", "mpg"},
	} {
		for _, ext := range exts {
			extensionCategory[ext] = c
		}
	}
}

// MediaType returns the lowercased extension of name without the dot.
func MediaType(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// CategoryForFile picks the category of a file from its extension.
func CategoryForFile(name string) (Category, bool) {
	c, ok := extensionCategory[MediaType(name)]
	return c, ok
}

// UploadField is the multipart form field carrying files of this category.
func (c Category) UploadField() string {
	return strings.ToLower(c.Collection())
}
