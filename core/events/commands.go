package events

import "github.com/google/uuid"

const (
	CommandSessionStart           = "session.start"
	CommandInputAudioBufferAppend = "input_audio_buffer.append"
	CommandInputAudioBufferClear  = "input_audio_buffer.clear"
)

// Command is a client to server message, marshalled as JSON.
type Command interface {
	CommandType() string
}

type SessionStart struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func NewSessionStart() SessionStart {
	return SessionStart{Type: CommandSessionStart, EventID: newEventID()}
}

func (c SessionStart) CommandType() string { return c.Type }

type InputAudioBufferAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	// Audio is base64 encoded.
	Audio string `json:"audio"`
}

func NewInputAudioBufferAppend(audio string) InputAudioBufferAppend {
	return InputAudioBufferAppend{Type: CommandInputAudioBufferAppend, EventID: newEventID(), Audio: audio}
}

func (c InputAudioBufferAppend) CommandType() string { return c.Type }

type InputAudioBufferClear struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func NewInputAudioBufferClear() InputAudioBufferClear {
	return InputAudioBufferClear{Type: CommandInputAudioBufferClear, EventID: newEventID()}
}

func (c InputAudioBufferClear) CommandType() string { return c.Type }

func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}
