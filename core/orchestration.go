// Package orchestration wires a realtime voice session together: microphone
// capture feeds the session, assistant speech is scheduled for playback,
// user speech interrupts playback, and transcripts and grounding citations
// are collected for display.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/koscakluka/ema-voicerag/core/audio"
	"github.com/koscakluka/ema-voicerag/core/events"
	"github.com/koscakluka/ema-voicerag/core/grounding"
	"github.com/koscakluka/ema-voicerag/core/playback"
	"github.com/koscakluka/ema-voicerag/core/realtime"
	"go.opentelemetry.io/otel/codes"
)

var ErrNoSession = errors.New("no session protocol configured")

// Orchestrator owns everything one user's voice session needs. There is no
// shared state between orchestrators.
type Orchestrator struct {
	protocol SessionProtocol
	capture  AudioCapture
	player   AudioPlayer

	transcript *textBuffer
	grounding  *grounding.Collection

	// recordingMu serializes StartRecording and StopRecording.
	recordingMu   sync.Mutex
	isRecording   atomic.Bool
	recordingDone chan struct{}

	realtimeURL     string
	realtimeOptions []realtime.Option

	emit eventEmitter

	onTranscript            func(transcript string)
	onGroundingFiles        func(files []grounding.File)
	onSpeakingStateChanged  func(isSpeaking bool)
	onRecordingStateChanged func(isRecording bool)
	onServerError           func(events.Error)
	onConnectionError       func(error)

	logger *slog.Logger

	closeOnce sync.Once
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		transcript: newTextBuffer(),
		grounding:  grounding.NewCollection(),
		emit:       noopEventEmitter,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.onTranscript != nil || o.onSpeakingStateChanged != nil || o.onServerError != nil {
		o.emit = newCallbackEventEmitter(o)
	}

	if o.protocol == nil && o.realtimeURL != "" {
		options := append(append([]realtime.Option{}, o.realtimeOptions...), o.RealtimeOptions()...)
		o.protocol = realtime.New(o.realtimeURL, options...)
	}

	return o
}

// RealtimeOptions routes a protocol's events and lifecycle into o.
func (o *Orchestrator) RealtimeOptions() []realtime.Option {
	return []realtime.Option{
		realtime.WithHandlers(o.handlers()),
		realtime.WithOnOpen(o.sessionOpened),
		realtime.WithOnClose(o.sessionClosed),
		realtime.WithOnError(o.sessionErrored),
	}
}

// StartRecording opens the session if needed, resets playback and starts
// streaming microphone audio. Recording stops when ctx ends.
func (o *Orchestrator) StartRecording(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "start recording")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	o.recordingMu.Lock()
	defer o.recordingMu.Unlock()

	if o.isRecording.Load() {
		return nil
	}
	if o.protocol == nil {
		return ErrNoSession
	}

	if err := o.protocol.StartSession(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if o.player != nil {
		o.player.Reset()
	}

	if o.capture != nil {
		if err := o.capture.Start(ctx, o.sendChunk); err != nil {
			return fmt.Errorf("failed to start audio capture: %w", err)
		}
	}

	o.isRecording.Store(true)
	o.recordingDone = withContextCancelHook(ctx, func() {
		if err := o.StopRecording(context.Background()); err != nil {
			o.logger.Warn("failed to stop recording after context ended", "error", err)
		}
	})
	o.logger.Info("recording started")
	if o.onRecordingStateChanged != nil {
		o.onRecordingStateChanged(true)
	}
	return nil
}

// StopRecording stops capture, interrupts playback and discards audio the
// server buffered but has not committed.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	_, span := tracer.Start(ctx, "stop recording")
	defer span.End()

	o.recordingMu.Lock()
	defer o.recordingMu.Unlock()

	if !o.isRecording.Load() {
		return nil
	}

	var errs []error
	if o.capture != nil {
		if err := o.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audio capture: %w", err))
		}
	}
	// Audio deltas are gated on isRecording, so flip it before flushing the
	// player.
	o.isRecording.Store(false)
	if o.player != nil {
		o.player.Stop()
	}
	if o.protocol != nil {
		if err := o.protocol.ClearAudioBuffer(); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear input audio buffer: %w", err))
		}
	}

	if o.recordingDone != nil {
		close(o.recordingDone)
		o.recordingDone = nil
	}
	o.logger.Info("recording stopped")
	if o.onRecordingStateChanged != nil {
		o.onRecordingStateChanged(false)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) IsRecording() bool { return o.isRecording.Load() }

// Transcript is the text accumulated since the user last stopped speaking.
func (o *Orchestrator) Transcript() string { return o.transcript.String() }

// GroundingFiles returns every file cited in the current session.
func (o *Orchestrator) GroundingFiles() []grounding.File { return o.grounding.Snapshot() }

// GroundingFilesSince returns the files cited after the first n.
func (o *Orchestrator) GroundingFilesSince(n int) []grounding.File { return o.grounding.Since(n) }

func (o *Orchestrator) PlaybackState() playback.State {
	if o.player == nil {
		return playback.StateIdle
	}
	return o.player.State()
}

func (o *Orchestrator) SessionState() realtime.State {
	if o.protocol == nil {
		return realtime.StateIdle
	}
	return o.protocol.State()
}

// Close stops recording and releases the session and the player.
func (o *Orchestrator) Close() error {
	var errs []error
	o.closeOnce.Do(func() {
		if err := o.StopRecording(context.Background()); err != nil {
			errs = append(errs, err)
		}
		if o.protocol != nil {
			if err := o.protocol.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if o.player != nil {
			o.player.Close()
		}
	})
	return errors.Join(errs...)
}

func (o *Orchestrator) sendChunk(chunk audio.Chunk) {
	if err := o.protocol.SendAudio(chunk); err != nil {
		o.logger.Warn("failed to send audio chunk", "seq", chunk.Seq(), "error", err)
	}
}

func (o *Orchestrator) sessionOpened(sessionID string) {
	o.grounding.Reset()
	o.transcript.Clear()
	o.logger.Debug("session state reset", "session_id", sessionID)
}

func (o *Orchestrator) sessionClosed(err error) {
	if err != nil {
		o.logger.Info("session ended", "reason", err)
	}
}

func (o *Orchestrator) sessionErrored(err error) {
	if o.onConnectionError != nil {
		o.onConnectionError(err)
	}
}
