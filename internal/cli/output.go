package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/store"
	"github.com/kotae-ai/kotae/pkg/utils"
)

// OutputFormat selects between human-readable text and machine-readable JSON.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteKnowledgeBases writes the stored collections to w in the given format.
func WriteKnowledgeBases(w io.Writer, infos []store.CollectionInfo, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No knowledge bases.")
		return nil
	}
	fmt.Fprintf(w, "%-24s %-24s %10s  %s\n", "NAME", "EMBEDDING MODEL", "SEGMENTS", "UPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%-24s %-24s %10d  %s\n",
			utils.Truncate(info.Name, 24),
			utils.Truncate(info.EmbeddingModel, 24),
			info.Segments,
			info.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return nil
}

// WriteModels writes the inference server's model list to w.
func WriteModels(w io.Writer, infos []llm.ModelInfo, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No models available.")
		return nil
	}
	for _, info := range infos {
		if info.Size > 0 {
			fmt.Fprintf(w, "%s (%.1f GB)\n", info.Name, float64(info.Size)/(1<<30))
		} else {
			fmt.Fprintln(w, info.Name)
		}
	}
	return nil
}
