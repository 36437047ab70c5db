package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ExtractText returns the plain text of a document so it can be quoted into a
// conversation. Supported: plain text formats and HTML.
func ExtractText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("unsupported document %s: not UTF-8 text", filepath.Base(path))
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".html", ".htm":
		return htmlToMarkdown(string(raw))
	case ".txt", ".md", ".markdown", ".csv", ".json", ".log", ".xml", ".yaml", ".yml", ".toml", "":
		return strings.TrimSpace(string(raw)), nil
	default:
		return "", fmt.Errorf("unsupported document type %q", ext)
	}
}
