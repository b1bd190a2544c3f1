package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultChunkDuration = 40 * time.Millisecond
	MinChunkDuration     = 20 * time.Millisecond
	MaxChunkDuration     = 40 * time.Millisecond
)

// Device is a microphone-like source. onAudio may be called from any
// goroutine with raw frames in the device's encoding.
type Device interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
	EncodingInfo() EncodingInfo
}

type CaptureOptions struct {
	ChunkDuration time.Duration
	WireFormat    EncodingInfo
}

type CaptureOption func(*CaptureOptions)

func WithChunkDuration(d time.Duration) CaptureOption {
	return func(o *CaptureOptions) {
		o.ChunkDuration = d
	}
}

func WithWireFormat(format EncodingInfo) CaptureOption {
	return func(o *CaptureOptions) {
		o.WireFormat = format
	}
}

// Capture turns a device's irregular frames into fixed-size, sequenced
// chunks.
type Capture struct {
	device    Device
	format    EncodingInfo
	chunkSize int

	// mu guards everything below and is held while onChunk runs, so Stop
	// cannot return while a chunk is being delivered.
	mu         sync.Mutex
	onChunk    func(Chunk)
	pending    []byte
	generation uint64
	nextSeq    uint64

	capturing atomic.Bool

	chunksCaptured metric.Int64Counter
}

func NewCapture(device Device, opts ...CaptureOption) *Capture {
	options := CaptureOptions{
		ChunkDuration: DefaultChunkDuration,
		WireFormat:    GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	chunkDuration := min(max(options.ChunkDuration, MinChunkDuration), MaxChunkDuration)
	chunksCaptured, _ := meter.Int64Counter("audio.capture.chunks",
		metric.WithDescription("Number of fixed-size chunks emitted by capture"))

	return &Capture{
		device:         device,
		format:         options.WireFormat,
		chunkSize:      options.WireFormat.BytesFor(chunkDuration),
		chunksCaptured: chunksCaptured,
	}
}

func (c *Capture) IsCapturing() bool { return c != nil && c.capturing.Load() }

// ChunkSize is the exact byte length of every emitted chunk.
func (c *Capture) ChunkSize() int { return c.chunkSize }

// Start begins delivering chunks to onChunk. Chunks are delivered serially.
// onChunk must not call Stop.
func (c *Capture) Start(ctx context.Context, onChunk func(Chunk)) error {
	if c == nil || c.device == nil {
		return fmt.Errorf("failed to start capture: %w", ErrDeviceUnavailable)
	}
	if c.chunkSize <= 0 {
		return fmt.Errorf("failed to start capture: %w: %s", ErrUnsupportedFormat, c.format)
	}
	if deviceFormat := c.device.EncodingInfo(); !deviceFormat.Equal(c.format) {
		return fmt.Errorf("failed to start capture: %w: device produces %s, wire expects %s",
			ErrUnsupportedFormat, deviceFormat, c.format)
	}

	c.mu.Lock()
	if c.capturing.Load() {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	generation := c.generation
	c.onChunk = onChunk
	c.pending = c.pending[:0]
	c.capturing.Store(true)
	c.mu.Unlock()

	if err := c.device.StartCapture(ctx, func(audio []byte) {
		c.receive(generation, audio)
	}); err != nil {
		c.mu.Lock()
		if c.generation == generation {
			c.onChunk = nil
			c.capturing.Store(false)
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to start capture: %w: %w", ErrDeviceUnavailable, err)
	}

	return nil
}

// Stop halts delivery. Once it returns no further chunk reaches onChunk; a
// trailing partial chunk is discarded. Sequence numbers continue across a
// later Start.
func (c *Capture) Stop() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	if !c.capturing.Load() {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	c.onChunk = nil
	c.pending = c.pending[:0]
	c.capturing.Store(false)
	c.mu.Unlock()

	if err := c.device.StopCapture(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (c *Capture) receive(generation uint64, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation || c.onChunk == nil {
		return
	}

	c.pending = append(c.pending, audio...)
	consumed := 0
	for len(c.pending)-consumed >= c.chunkSize {
		chunk := NewChunk(c.nextSeq, c.format, c.pending[consumed:consumed+c.chunkSize])
		c.nextSeq++
		consumed += c.chunkSize
		c.deliver(chunk)
	}
	c.pending = append(c.pending[:0], c.pending[consumed:]...)
}

func (c *Capture) deliver(chunk Chunk) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("capture chunk callback panicked", "seq", chunk.Seq(), "panic", recovered)
		}
	}()

	if c.chunksCaptured != nil {
		c.chunksCaptured.Add(context.Background(), 1)
	}
	c.onChunk(chunk)
}
