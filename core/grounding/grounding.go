// Package grounding turns the middle tier's report_grounding tool results
// into citation files and keeps the files cited during one session.
package grounding

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedToolResult = errors.New("malformed tool result")

// File is one knowledge-base chunk the assistant cited.
type File struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type source struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

// Extract maps `{"sources":[{"chunk_id","title","chunk"}]}` to files in
// source order. Any other shape yields ErrMalformedToolResult and no files.
func Extract(payload string) ([]File, error) {
	var result struct {
		Sources *[]source `json:"sources"`
	}
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToolResult, err)
	}
	if result.Sources == nil {
		return nil, fmt.Errorf("%w: missing sources", ErrMalformedToolResult)
	}

	files := make([]File, 0, len(*result.Sources))
	for _, s := range *result.Sources {
		files = append(files, File{ID: s.ChunkID, Name: s.Title, Content: s.Chunk})
	}
	return files, nil
}
