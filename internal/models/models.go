// Package models defines core data structures for knowledge sources, segments, and chat.
package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SourceKind is the closed set of supported knowledge-source formats.
type SourceKind int

const (
	SourceText SourceKind = iota
	SourceMarkdown
	SourcePDF
	SourceDOCX
)

// String returns the kind name for logging and error messages.
func (k SourceKind) String() string {
	switch k {
	case SourceText:
		return "text"
	case SourceMarkdown:
		return "markdown"
	case SourcePDF:
		return "pdf"
	case SourceDOCX:
		return "docx"
	default:
		return "unknown"
	}
}

// KindForPath resolves the source kind from the file extension.
// Unsupported extensions return an error; callers must not fall back to
// guessing content types.
func KindForPath(path string) (SourceKind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", "":
		return SourceText, nil
	case ".md", ".markdown":
		return SourceMarkdown, nil
	case ".pdf":
		return SourcePDF, nil
	case ".docx":
		return SourceDOCX, nil
	default:
		return 0, fmt.Errorf("unsupported file extension %q", filepath.Ext(path))
	}
}

// KnowledgeSource is a knowledge-base input file with its resolved kind.
// Immutable once created; it exists only during index construction.
type KnowledgeSource struct {
	Path string
	Kind SourceKind
}

// ResolveSource creates a KnowledgeSource for path, resolving its kind.
func ResolveSource(path string) (KnowledgeSource, error) {
	kind, err := KindForPath(path)
	if err != nil {
		return KnowledgeSource{}, err
	}
	return KnowledgeSource{Path: path, Kind: kind}, nil
}

// Segment is a contiguous span of extracted text. Position is the segment's
// ordinal within its source document.
type Segment struct {
	ID         string `json:"id"`
	Collection string `json:"collection,omitempty"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
}

// ScoredSegment pairs a stored segment with its similarity to a query.
type ScoredSegment struct {
	Segment Segment `json:"segment"`
	Score   float64 `json:"score"`
}

// RetrievedContext is an ordered sequence of scored segments, descending by
// score, length at most K. It exists only for the duration of one query.
type RetrievedContext []ScoredSegment

// Chat roles recorded in the orchestrator's conversation history.
const (
	RoleUser      = "User"
	RoleAssistant = "Assistant"
)

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
