package realtime

import (
	"fmt"

	"github.com/koscakluka/ema-voicerag/core/events"
)

// Handlers is the dispatch table for inbound events. Each slot is optional.
// A returned error is logged and does not stop the session.
type Handlers struct {
	OnAudioDelta      func(events.AudioDelta) error
	OnSpeechStarted   func(events.SpeechStarted) error
	OnSpeechEnded     func(events.SpeechEnded) error
	OnTranscriptDelta func(events.TranscriptDelta) error
	OnTextDelta       func(events.TextDelta) error
	OnToolResult      func(events.ToolResult) error
	OnError           func(events.Error) error
}

func (h Handlers) handle(event events.Event) (handled bool, err error) {
	switch typedEvent := event.(type) {
	case events.AudioDelta:
		if h.OnAudioDelta != nil {
			return true, h.OnAudioDelta(typedEvent)
		}
	case events.SpeechStarted:
		if h.OnSpeechStarted != nil {
			return true, h.OnSpeechStarted(typedEvent)
		}
	case events.SpeechEnded:
		if h.OnSpeechEnded != nil {
			return true, h.OnSpeechEnded(typedEvent)
		}
	case events.TranscriptDelta:
		if h.OnTranscriptDelta != nil {
			return true, h.OnTranscriptDelta(typedEvent)
		}
	case events.TextDelta:
		if h.OnTextDelta != nil {
			return true, h.OnTextDelta(typedEvent)
		}
	case events.ToolResult:
		if h.OnToolResult != nil {
			return true, h.OnToolResult(typedEvent)
		}
	case events.Error:
		if h.OnError != nil {
			return true, h.OnError(typedEvent)
		}
	default:
		return false, fmt.Errorf("no handler slot for %s", event.Kind())
	}
	return false, nil
}
