package orchestration

import (
	"context"
	"log/slog"

	"github.com/koscakluka/ema-voicerag/core/audio"
	"github.com/koscakluka/ema-voicerag/core/events"
	"github.com/koscakluka/ema-voicerag/core/grounding"
	"github.com/koscakluka/ema-voicerag/core/playback"
	"github.com/koscakluka/ema-voicerag/core/realtime"
)

type OrchestratorOption func(*Orchestrator)

// SessionProtocol is the duplex session transport, see [realtime.Protocol].
type SessionProtocol interface {
	StartSession(ctx context.Context) error
	SendAudio(chunk audio.Chunk) error
	ClearAudioBuffer() error
	State() realtime.State
	Close() error
}

// AudioCapture produces fixed-size chunks, see [audio.Capture].
type AudioCapture interface {
	Start(ctx context.Context, onChunk func(audio.Chunk)) error
	Stop() error
}

// AudioPlayer plays assistant speech, see [playback.Scheduler].
type AudioPlayer interface {
	Enqueue(delta events.AudioDelta) error
	Stop()
	Reset()
	State() playback.State
	Close()
}

// WithRealtimeSession builds the session protocol for url. The orchestrator
// registers its own event handlers and lifecycle callbacks.
func WithRealtimeSession(url string, opts ...realtime.Option) OrchestratorOption {
	return func(o *Orchestrator) {
		o.realtimeURL = url
		o.realtimeOptions = opts
	}
}

// WithSessionProtocol uses an already built protocol. Build it with
// [Orchestrator.RealtimeOptions] so events reach the orchestrator.
func WithSessionProtocol(protocol SessionProtocol) OrchestratorOption {
	return func(o *Orchestrator) {
		o.protocol = protocol
	}
}

func WithAudioCapture(capture AudioCapture) OrchestratorOption {
	return func(o *Orchestrator) {
		o.capture = capture
	}
}

func WithAudioPlayer(player AudioPlayer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.player = player
	}
}

// WithTranscriptCallback receives the full transcript after every change. An
// empty string means it was cleared.
func WithTranscriptCallback(callback func(transcript string)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onTranscript = callback
	}
}

// WithGroundingFilesCallback receives the files of each grounding report.
func WithGroundingFilesCallback(callback func(files []grounding.File)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onGroundingFiles = callback
	}
}

func WithSpeakingStateChangedCallback(callback func(isSpeaking bool)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onSpeakingStateChanged = callback
	}
}

func WithRecordingStateChangedCallback(callback func(isRecording bool)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onRecordingStateChanged = callback
	}
}

// WithServerErrorCallback receives error events the server sent.
func WithServerErrorCallback(callback func(events.Error)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onServerError = callback
	}
}

// WithConnectionErrorCallback receives transport failures of the session.
func WithConnectionErrorCallback(callback func(error)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onConnectionError = callback
	}
}

func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}
