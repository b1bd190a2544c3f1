package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/jinzhu/copier"
)

type ToolResultDirection int

const (
	// ToServer results are fed back to the model.
	ToServer ToolResultDirection = iota + 1
	// ToClient results are forwarded to the client; the model only learns
	// that the call completed.
	ToClient
)

func (d ToolResultDirection) String() string {
	switch d {
	case ToServer:
		return "server"
	case ToClient:
		return "client"
	}
	return "unknown"
}

type ToolResult struct {
	Text        string
	Destination ToolResultDirection
}

func ServerResult(text string) ToolResult {
	return ToolResult{Text: text, Destination: ToServer}
}

// ClientResult marshals v as the tool result sent to the client.
func ClientResult(v any) (ToolResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return ToolResult{Text: string(text), Destination: ToClient}, nil
}

// Tool is a function the model may call. Tools run inside the middle tier
// and are invisible to clients.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Target      func(ctx context.Context, arguments json.RawMessage) (ToolResult, error)
}

// NewTool derives the parameter schema from T's json and jsonschema tags
// and decodes call arguments into T.
func NewTool[T any](name, description string, target func(ctx context.Context, args T) (ToolResult, error)) Tool {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	var zero T
	schema := reflector.Reflect(zero)
	schema.Version = ""

	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Target: func(ctx context.Context, arguments json.RawMessage) (ToolResult, error) {
			var args T
			if len(arguments) > 0 {
				if err := json.Unmarshal(arguments, &args); err != nil {
					return ToolResult{}, fmt.Errorf("invalid %s arguments: %w", name, err)
				}
			}
			return target(ctx, args)
		},
	}
}

// sessionTool is the tool shape of a realtime session.update.
type sessionTool struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

func toSessionTools(tools []Tool) ([]sessionTool, error) {
	wire := make([]sessionTool, 0, len(tools))
	if err := copier.Copy(&wire, tools); err != nil {
		return nil, fmt.Errorf("failed to convert tools for session: %w", err)
	}
	for i := range wire {
		wire[i].Type = "function"
	}
	return wire, nil
}
