package miniaudio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-voicerag/core/audio"
)

// Client owns one malgo context with a capture and a playback device sharing
// the same encoding.
type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	encodingInfo audio.EncodingInfo
	playbackClient
	captureClient
}

type ClientOption func(*Client)

func WithEncodingInfo(encodingInfo audio.EncodingInfo) ClientOption {
	return func(c *Client) {
		c.encodingInfo = encodingInfo
	}
}

func NewClient(opts ...ClientOption) (*Client, error) {
	client := Client{encodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(&client)
	}
	if client.encodingInfo.Format != audio.EncodingLinear16 {
		return nil, fmt.Errorf("%w: miniaudio client only supports linear16, got %s",
			audio.ErrUnsupportedFormat, client.encodingInfo)
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize malgo context: %w", audio.ErrDeviceUnavailable, err)
	}
	client.audioContext = audioCtx

	if err := client.playbackClient.Init(audioCtx, client.encodingInfo); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to initialize playback client: %w", audio.ErrDeviceUnavailable, err)
	}

	if err := client.playbackClient.Start(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to start playback device: %w", audio.ErrDeviceUnavailable, err)
	}

	if err := client.captureClient.Init(audioCtx, client.encodingInfo); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to initialize capture client: %w", audio.ErrDeviceUnavailable, err)
	}

	return &client, nil
}

func (c *Client) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	return c.captureClient.Start(onAudio)
}

func (c *Client) StopCapture() error {
	return c.captureClient.Stop()
}

func (c *Client) Close() {
	_ = c.captureClient.Uninit()
	_ = c.playbackClient.Uninit()
	if c.audioContext != nil {
		_ = c.audioContext.Uninit()
		c.audioContext.Free()
		c.audioContext = nil
	}
}

// Write queues audio for the playback device.
func (c *Client) Write(audio []byte) error {
	return c.playbackClient.Write(audio)
}

// Flush drops audio that was queued but not yet played.
func (c *Client) Flush() error {
	c.playbackClient.ClearBuffer()
	return nil
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.encodingInfo
}
