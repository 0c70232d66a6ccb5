// Package extract provides text extraction from knowledge-source documents.
package extract

import (
	"errors"
	"fmt"
	"os"

	"github.com/kotae-ai/kotae/internal/models"
)

// ErrUnsupportedFormat is returned when a source kind has no extractor.
// Callers treat it (and any extraction failure) as a load error: the file
// cannot become part of a knowledge base.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Extractor extracts plain text from knowledge-source files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract reads the source file and returns its text content.
// Plain text and markdown are returned as-is (UTF-8 validated); PDF and DOCX
// text is extracted from the binary format. Unreadable or corrupt files fail
// with a wrapped error.
func (e *Extractor) Extract(src models.KnowledgeSource) (string, error) {
	content, err := os.ReadFile(src.Path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src.Path, err)
	}
	text, err := e.ExtractBytes(content, src.Kind)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", src.Path, err)
	}
	return text, nil
}

// ExtractBytes extracts text from content of the given kind.
func (e *Extractor) ExtractBytes(content []byte, kind models.SourceKind) (string, error) {
	switch kind {
	case models.SourcePDF:
		return extractPDF(content)
	case models.SourceDOCX:
		return extractDOCX(content)
	case models.SourceText, models.SourceMarkdown:
		return extractPlain(content)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, kind)
	}
}

// ExtractFile resolves the kind from the path and extracts in one step.
// Unsupported extensions fail with ErrUnsupportedFormat.
func (e *Extractor) ExtractFile(path string) (string, error) {
	src, err := models.ResolveSource(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return e.Extract(src)
}
