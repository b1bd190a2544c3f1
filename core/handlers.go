package orchestration

import (
	"fmt"

	"github.com/koscakluka/ema-voicerag/core/events"
	"github.com/koscakluka/ema-voicerag/core/grounding"
	"github.com/koscakluka/ema-voicerag/core/realtime"
)

func (o *Orchestrator) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnAudioDelta:      o.handleAudioDelta,
		OnSpeechStarted:   o.handleSpeechStarted,
		OnSpeechEnded:     o.handleSpeechEnded,
		OnTranscriptDelta: o.handleTranscriptDelta,
		OnTextDelta:       o.handleTextDelta,
		OnToolResult:      o.handleToolResult,
		OnError:           o.handleServerError,
	}
}

// Assistant speech is only played while the user is recording.
func (o *Orchestrator) handleAudioDelta(event events.AudioDelta) error {
	if !o.isRecording.Load() || o.player == nil {
		return nil
	}
	if err := o.player.Enqueue(event); err != nil {
		return fmt.Errorf("failed to enqueue assistant audio: %w", err)
	}
	return nil
}

// handleSpeechStarted is barge-in: playback stops before any later event is
// handled.
func (o *Orchestrator) handleSpeechStarted(event events.SpeechStarted) error {
	if o.player != nil {
		o.player.Stop()
	}
	o.emit(event)
	return nil
}

func (o *Orchestrator) handleSpeechEnded(event events.SpeechEnded) error {
	o.transcript.Clear()
	o.emit(event)
	return nil
}

func (o *Orchestrator) handleTranscriptDelta(event events.TranscriptDelta) error {
	o.transcript.AddChunk(event.Transcript)
	o.emit(event)
	return nil
}

func (o *Orchestrator) handleTextDelta(event events.TextDelta) error {
	o.transcript.AddChunk(event.Delta)
	o.emit(event)
	return nil
}

func (o *Orchestrator) handleToolResult(event events.ToolResult) error {
	files, err := grounding.Extract(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to read %q tool result: %w", event.ToolName, err)
	}

	o.grounding.Append(files...)
	if o.onGroundingFiles != nil {
		o.onGroundingFiles(files)
	}
	return nil
}

func (o *Orchestrator) handleServerError(event events.Error) error {
	o.logger.Warn("server reported an error", "code", event.Code, "message", event.Message)
	o.emit(event)
	return nil
}
