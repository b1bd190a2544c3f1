package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/koscakluka/ema-voicerag/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transcriptionModel = "whisper-1"

// message is a loosely typed realtime event. The relay only touches the
// fields it rewrites and forwards everything else untouched.
type message map[string]any

func (msg message) str(key string) string {
	s, _ := msg[key].(string)
	return s
}

func (msg message) object(key string) message {
	obj, _ := msg[key].(map[string]any)
	return obj
}

func decodeMessage(data []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid json frame: %w", err)
	}
	if msg == nil {
		return nil, errors.New("frame is not an object")
	}
	return msg, nil
}

// toServer rewrites a client frame for the model. A nil result means the
// frame is dropped.
func (s *session) toServer(data []byte) ([]byte, error) {
	msg, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}

	switch msg.str("type") {
	case events.CommandSessionStart:
		sessionConfig := map[string]any{
			"turn_detection":            map[string]any{"type": "server_vad"},
			"input_audio_transcription": map[string]any{"model": transcriptionModel},
		}
		if err := s.applySessionOverrides(sessionConfig); err != nil {
			return nil, err
		}
		update := message{"type": "session.update", "session": sessionConfig}
		if id := msg.str("event_id"); id != "" {
			update["event_id"] = id
		}
		return json.Marshal(update)

	case "session.update":
		sessionConfig := msg.object("session")
		if sessionConfig == nil {
			sessionConfig = map[string]any{}
		}
		if err := s.applySessionOverrides(sessionConfig); err != nil {
			return nil, err
		}
		msg["session"] = map[string]any(sessionConfig)
		return json.Marshal(msg)
	}

	return data, nil
}

// applySessionOverrides enforces the server side configuration over whatever
// the client asked for.
func (s *session) applySessionOverrides(sessionConfig map[string]any) error {
	config := s.m.config
	if config.Instructions != "" {
		sessionConfig["instructions"] = config.Instructions
	}
	if config.Temperature != nil {
		sessionConfig["temperature"] = *config.Temperature
	}
	if config.MaxTokens != nil {
		sessionConfig["max_response_output_tokens"] = *config.MaxTokens
	}
	if config.DisableAudio != nil {
		sessionConfig["disable_audio"] = *config.DisableAudio
	}
	if config.Voice != "" {
		sessionConfig["voice"] = config.Voice
	}

	tools := s.m.Tools()
	if len(tools) > 0 {
		sessionConfig["tool_choice"] = "auto"
	} else {
		sessionConfig["tool_choice"] = "none"
	}
	wire, err := toSessionTools(tools)
	if err != nil {
		return err
	}
	sessionConfig["tools"] = wire
	return nil
}

// toClient rewrites a model frame for the client, running tool calls on the
// way. A nil result means the frame is dropped.
func (s *session) toClient(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}

	switch msg.str("type") {
	case "session.created":
		sessionConfig := msg.object("session")
		if sessionConfig != nil {
			// Server side configuration is not visible to clients.
			sessionConfig["instructions"] = ""
			sessionConfig["tools"] = []any{}
			sessionConfig["voice"] = s.m.config.Voice
			sessionConfig["tool_choice"] = "none"
			sessionConfig["max_response_output_tokens"] = nil
		}
		return json.Marshal(msg)

	case "response.output_item.added":
		if msg.object("item").str("type") == "function_call" {
			return nil, nil
		}

	case "conversation.item.created":
		item := msg.object("item")
		switch item.str("type") {
		case "function_call":
			// tool responses are anchored to the item the call follows
			callID := item.str("call_id")
			if _, ok := s.pending[callID]; !ok {
				s.pending[callID] = msg.str("previous_item_id")
			}
			return nil, nil
		case "function_call_output":
			return nil, nil
		}

	case "response.function_call_arguments.delta", "response.function_call_arguments.done":
		return nil, nil

	case "response.output_item.done":
		item := msg.object("item")
		if item.str("type") == "function_call" {
			return nil, s.callTool(ctx, item)
		}

	case "response.done":
		if len(s.pending) > 0 {
			clear(s.pending)
			if err := s.writeUpstreamJSON(message{"type": "response.create"}); err != nil {
				return nil, err
			}
		}
		if err := s.writeClientJSON(message{"type": string(events.KindTextDelta), "delta": "\n\n"}); err != nil {
			return nil, err
		}
		if response := msg.object("response"); response != nil {
			if output, ok := response["output"].([]any); ok {
				filtered := make([]any, 0, len(output))
				for _, entry := range output {
					if item, _ := entry.(map[string]any); message(item).str("type") == "function_call" {
						continue
					}
					filtered = append(filtered, entry)
				}
				response["output"] = filtered
			}
		}
		return json.Marshal(msg)

	case "conversation.item.input_audio_transcription.completed":
		return json.Marshal(message{
			"type":       string(events.KindTranscriptDelta),
			"transcript": msg.str("transcript"),
		})

	case "input_audio_buffer.speech_stopped":
		return json.Marshal(message{"type": string(events.KindSpeechEnded)})

	case "response.audio_transcript.delta":
		return json.Marshal(message{"type": string(events.KindTextDelta), "delta": msg.str("delta")})

	case "response.content_part.added":
		part := msg.object("part")
		if part.str("type") == "text" && part.str("text") != "" {
			return json.Marshal(message{"type": string(events.KindTextDelta), "delta": part.str("text")})
		}

	case "response.text.done":
		return json.Marshal(message{"type": string(events.KindTextDelta), "delta": "\n"})
	}

	return data, nil
}

// callTool runs the requested tool and answers the model. Client directed
// results are forwarded as a middle tier tool response.
func (s *session) callTool(ctx context.Context, item message) error {
	name := item.str("name")
	callID := item.str("call_id")

	ctx, span := tracer.Start(ctx, "execute tool", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", callID),
	))
	defer span.End()

	result, err := s.executeTool(ctx, name, item.str("arguments"))
	s.recordToolExecution(ctx, name, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.m.logger.WarnContext(ctx, "tool call failed", "tool", name, "error", err)
		errorText, _ := json.Marshal(map[string]string{"error": err.Error()})
		result = ServerResult(string(errorText))
	}

	output := ""
	if result.Destination == ToServer {
		output = result.Text
	}
	if err := s.writeUpstreamJSON(message{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}

	if result.Destination == ToClient {
		return s.writeClientJSON(message{
			"type":             string(events.KindToolResult),
			"previous_item_id": s.pending[callID],
			"tool_name":        name,
			"tool_result":      result.Text,
		})
	}
	return nil
}

func (s *session) executeTool(ctx context.Context, name, arguments string) (ToolResult, error) {
	tool, ok := s.m.tool(name)
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool %q", name)
	}
	return tool.Target(ctx, json.RawMessage(arguments))
}

func (s *session) writeClientJSON(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.str("type"), err)
	}
	return s.writeClient(data)
}

func (s *session) writeUpstreamJSON(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.str("type"), err)
	}
	return s.writeUpstream(data)
}
