package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	orchestration "github.com/koscakluka/ema-voicerag/core"
	"github.com/koscakluka/ema-voicerag/core/audio"
	"github.com/koscakluka/ema-voicerag/core/audio/miniaudio"
	"github.com/koscakluka/ema-voicerag/core/audio/portaudio"
	"github.com/koscakluka/ema-voicerag/core/events"
	"github.com/koscakluka/ema-voicerag/core/grounding"
	"github.com/koscakluka/ema-voicerag/core/playback"
	"github.com/koscakluka/ema-voicerag/core/realtime"
	"github.com/spf13/cobra"
)

// portaudioFrames is 40ms at the default 24kHz.
const portaudioFrames = 960

type audioDevice interface {
	audio.Device
	playback.Sink
	Close()
}

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Talk to the middle tier through the default audio device",
	Long: `Talk to a running middle tier.

Captures the default microphone, streams it to the relay and plays the
assistant's answer. Speaking over the assistant interrupts it. Cited
knowledge base files are logged as they arrive. Stop with Ctrl+C.

Examples:
  voicerag talk
  VOICERAG_DEVICE=portaudio voicerag talk
  VOICERAG_URL=ws://relay.example:8765/realtime voicerag talk`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		device, err := openDevice(cfg.Client.Device)
		if err != nil {
			return err
		}
		defer device.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		o := orchestration.NewOrchestrator(
			orchestration.WithRealtimeSession(cfg.Client.URL, realtime.WithLogger(logger)),
			orchestration.WithAudioCapture(audio.NewCapture(device)),
			orchestration.WithAudioPlayer(playback.New(device, device.EncodingInfo(), playback.WithLogger(logger))),
			orchestration.WithLogger(logger),
			orchestration.WithTranscriptCallback(func(transcript string) {
				if transcript != "" {
					logger.Debug("transcript updated", "transcript", transcript)
				}
			}),
			orchestration.WithGroundingFilesCallback(func(files []grounding.File) {
				for _, file := range files {
					fmt.Fprintf(out, "source: %s (%s)\n", file.Name, file.ID)
				}
			}),
			orchestration.WithSpeakingStateChangedCallback(func(isSpeaking bool) {
				logger.Debug("speaking state changed", "speaking", isSpeaking)
			}),
			orchestration.WithServerErrorCallback(func(e events.Error) {
				logger.Error("server error", "code", e.Code, "message", e.Message)
			}),
			orchestration.WithConnectionErrorCallback(func(err error) {
				logger.Error("connection error", "error", err)
			}),
		)
		defer o.Close()

		if err := o.StartRecording(ctx); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		logger.Info("recording, press Ctrl+C to stop", "url", cfg.Client.URL, "device", cfg.Client.Device)

		<-ctx.Done()
		return stopTalking(o, logger)
	},
}

func stopTalking(o *orchestration.Orchestrator, logger *slog.Logger) error {
	if err := o.StopRecording(context.Background()); err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	logger.Info("recording stopped", "sources", len(o.GroundingFiles()))
	return nil
}

func openDevice(name string) (audioDevice, error) {
	switch name {
	case "portaudio":
		client, err := portaudio.NewClient(portaudioFrames, audio.GetDefaultEncodingInfo())
		if err != nil {
			return nil, err
		}
		return client, nil
	case "miniaudio", "":
		client, err := miniaudio.NewClient()
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown audio device %q", name)
}
