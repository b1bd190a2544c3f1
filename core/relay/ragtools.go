package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const (
	searchTop          = 3
	searchContentLimit = 200
)

// sourceKeyPattern filters citation keys before they reach the index query.
var sourceKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_=\-]+$`)

// Document is one knowledge-base chunk.
type Document struct {
	ID      string
	Title   string
	Content string
}

// Retriever is the knowledge-base boundary. Ranking is the retriever's
// concern.
type Retriever interface {
	Search(ctx context.Context, query string, top int) ([]Document, error)
	// Lookup returns the documents with the given ids.
	Lookup(ctx context.Context, ids []string) ([]Document, error)
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
}

type reportGroundingArgs struct {
	Sources []string `json:"sources" jsonschema:"description=List of source names from last statement actually used, do not include the ones not used to formulate a response"`
}

type groundingSource struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

// SearchTool returns the top results formatted as `[id]: content` blocks
// separated by `-----` lines. The result goes back to the model.
func SearchTool(retriever Retriever) Tool {
	return NewTool("search",
		"Search the knowledge base. The knowledge base is in English, translate to and from English if "+
			"needed. Results are formatted as a source name first in square brackets, followed by the text "+
			"content, and a line with '-----' at the end of each result.",
		func(ctx context.Context, args searchArgs) (ToolResult, error) {
			logger.InfoContext(ctx, "searching knowledge base", "query", args.Query)
			docs, err := retriever.Search(ctx, args.Query, searchTop)
			if err != nil {
				return ToolResult{}, fmt.Errorf("search failed: %w", err)
			}

			var result strings.Builder
			for _, doc := range docs {
				fmt.Fprintf(&result, "[%s]: %s\n-----\n", doc.ID, truncate(doc.Content, searchContentLimit))
			}
			return ServerResult(result.String()), nil
		})
}

// ReportGroundingTool resolves cited source keys and sends the documents to
// the client as `{"sources":[{"chunk_id","title","chunk"}]}`.
func ReportGroundingTool(retriever Retriever) Tool {
	return NewTool("report_grounding",
		"Report use of a source from the knowledge base as part of an answer (effectively, cite the source). Sources "+
			"appear in square brackets before each knowledge base passage. Always use this tool to cite sources when responding "+
			"with information from the knowledge base.",
		func(ctx context.Context, args reportGroundingArgs) (ToolResult, error) {
			sources := make([]string, 0, len(args.Sources))
			for _, source := range args.Sources {
				if sourceKeyPattern.MatchString(source) {
					sources = append(sources, source)
				}
			}

			docs := []groundingSource{}
			if len(sources) == 0 {
				logger.InfoContext(ctx, "no valid sources to ground")
				return ClientResult(map[string]any{"sources": docs})
			}

			found, err := retriever.Lookup(ctx, sources)
			if err != nil {
				return ToolResult{}, fmt.Errorf("grounding lookup failed: %w", err)
			}
			for _, doc := range found {
				title := doc.Title
				if title == "" {
					title = "Unknown"
				}
				docs = append(docs, groundingSource{ChunkID: doc.ID, Title: title, Chunk: doc.Content})
			}
			logger.InfoContext(ctx, "grounding sources resolved", "requested", len(sources), "found", len(docs))
			return ClientResult(map[string]any{"sources": docs})
		})
}

// AttachRAGTools registers the search and report_grounding tools.
func AttachRAGTools(m *MiddleTier, retriever Retriever) {
	m.AddTool(SearchTool(retriever))
	m.AddTool(ReportGroundingTool(retriever))
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
