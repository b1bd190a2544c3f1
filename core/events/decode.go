package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks frames that are not valid event JSON.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnsupportedEvent marks well-formed frames of a type this client does
	// not handle.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

type DecodeError struct {
	Type    string
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	msg := "malformed event"
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrMalformedEvent }

type UnsupportedEventError struct {
	Type string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event type %q", e.Type)
}

func (e *UnsupportedEventError) Is(target error) bool { return target == ErrUnsupportedEvent }

func malformed(typ, message string, err error) *DecodeError {
	return &DecodeError{Type: typ, Message: message, Err: err}
}

// Decode parses one server frame into its typed event.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed("", "invalid json frame", err)
	}
	if envelope.Type == "" {
		return nil, malformed("", "missing type", nil)
	}

	switch Kind(envelope.Type) {
	case KindAudioDelta:
		var msg struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(envelope.Type, "invalid audio delta", err)
		}
		return NewAudioDelta(msg.Delta), nil

	case KindTextDelta:
		var msg struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(envelope.Type, "invalid text delta", err)
		}
		return NewTextDelta(msg.Delta), nil

	case KindSpeechStarted:
		return NewSpeechStarted(), nil

	case KindSpeechEnded:
		return NewSpeechEnded(), nil

	case KindTranscriptDelta:
		var msg struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(envelope.Type, "invalid transcript", err)
		}
		return NewTranscriptDelta(msg.Transcript), nil

	case KindToolResult:
		var msg struct {
			ToolName       string          `json:"tool_name"`
			PreviousItemID string          `json:"previous_item_id"`
			ToolResult     json.RawMessage `json:"tool_result"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(envelope.Type, "invalid tool response", err)
		}
		payload, err := rawText(msg.ToolResult)
		if err != nil {
			return nil, malformed(envelope.Type, "invalid tool_result", err)
		}
		return NewToolResult(msg.ToolName, msg.PreviousItemID, payload), nil

	case KindError:
		var msg struct {
			Message string `json:"message"`
			Code    string `json:"code"`
			Error   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(envelope.Type, "invalid error", err)
		}
		if msg.Error != nil {
			if msg.Message == "" {
				msg.Message = msg.Error.Message
			}
			if msg.Code == "" {
				msg.Code = msg.Error.Code
			}
		}
		return NewError(msg.Code, msg.Message), nil
	}

	return nil, &UnsupportedEventError{Type: envelope.Type}
}

// rawText accepts either a JSON string holding the payload or the payload
// object itself.
func rawText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] != '"' {
		return string(trimmed), nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return "", err
	}
	return text, nil
}
