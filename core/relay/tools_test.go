package relay

import (
	"context"
	"encoding/json"
	"testing"
)

type echoArgs struct {
	Text  string `json:"text" jsonschema:"description=Text to echo"`
	Count int    `json:"count,omitempty"`
}

func TestNewToolReflectsParameters(t *testing.T) {
	tool := NewTool("echo", "Echo text", func(_ context.Context, args echoArgs) (ToolResult, error) {
		return ServerResult(args.Text), nil
	})

	if tool.Parameters == nil || tool.Parameters.Type != "object" {
		t.Fatalf("expected object schema, got %+v", tool.Parameters)
	}
	prop, ok := tool.Parameters.Properties.Get("text")
	if !ok {
		t.Fatalf("expected text property")
	}
	if prop.Description != "Text to echo" {
		t.Fatalf("expected description from tag, got %q", prop.Description)
	}
	if len(tool.Parameters.Required) != 1 || tool.Parameters.Required[0] != "text" {
		t.Fatalf("expected only text to be required, got %v", tool.Parameters.Required)
	}

	result, err := tool.Target(context.Background(), json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("expected tool to run, got %v", err)
	}
	if result.Text != "hi" || result.Destination != ToServer {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestNewToolRejectsInvalidArguments(t *testing.T) {
	tool := NewTool("echo", "", func(_ context.Context, args echoArgs) (ToolResult, error) {
		return ServerResult(args.Text), nil
	})
	if _, err := tool.Target(context.Background(), json.RawMessage(`{"text":`)); err == nil {
		t.Fatalf("expected invalid arguments to fail")
	}
}

func TestSessionToolsWireShape(t *testing.T) {
	tool := NewTool("echo", "Echo text", func(context.Context, echoArgs) (ToolResult, error) {
		return ToolResult{}, nil
	})

	wire, err := toSessionTools([]Tool{tool})
	if err != nil {
		t.Fatalf("expected tools to convert, got %v", err)
	}
	if len(wire) != 1 {
		t.Fatalf("expected one tool, got %d", len(wire))
	}
	data, err := json.Marshal(wire[0])
	if err != nil {
		t.Fatalf("expected tool to marshal, got %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if decoded["type"] != "function" || decoded["name"] != "echo" || decoded["description"] != "Echo text" {
		t.Fatalf("unexpected wire tool %s", data)
	}
	if _, ok := decoded["parameters"].(map[string]any); !ok {
		t.Fatalf("expected parameters object, got %s", data)
	}
	if _, ok := decoded["Target"]; ok {
		t.Fatalf("expected target to stay server side, got %s", data)
	}
}

func TestClientResult(t *testing.T) {
	result, err := ClientResult(map[string]any{"sources": []string{}})
	if err != nil {
		t.Fatalf("expected result, got %v", err)
	}
	if result.Destination != ToClient || result.Text != `{"sources":[]}` {
		t.Fatalf("unexpected result %+v", result)
	}
}
