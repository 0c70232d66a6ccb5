package rag

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kotae-ai/kotae/internal/models"
)

// Chunker splits extracted text into overlapping word-based segments.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a chunker with the given size and overlap (in words).
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Chunk splits text into segments with overlapping windows. Segment IDs are
// unique per call so rebuilt collections never collide with stale rows.
func (c *Chunker) Chunk(text string) []models.Segment {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := c.chunkSize - c.chunkOverlap
	if step <= 0 {
		step = 1
	}
	segments := make([]models.Segment, 0)
	position := 0
	for i := 0; i < len(words); i += step {
		end := i + c.chunkSize
		if end > len(words) {
			end = len(words)
		}
		segments = append(segments, models.Segment{
			ID:       fmt.Sprintf("seg_%s", uuid.New().String()[:8]),
			Content:  strings.Join(words[i:end], " "),
			Position: position,
		})
		position++
		if end >= len(words) {
			break
		}
	}
	return segments
}
