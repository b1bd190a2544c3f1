package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/ema-voicerag/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-voicerag/core/audio/portaudio"

var logger = otelslog.NewLogger(scopeName)

const (
	readBackoffMin  = 10 * time.Millisecond
	readBackoffMax  = 500 * time.Millisecond
	maxReadFailures = 8
)

type stream interface {
	Start() error
	Stop() error
	Close() error
}

type inputStream interface {
	stream
	Read() error
}

type outputStream interface {
	stream
	Write() error
}

// Client drives separate blocking PortAudio input and output streams. Only
// mono linear16 is supported. Playback is fed by a drain goroutine so Write
// returns immediately and Flush drops everything not yet handed to the
// device.
type Client struct {
	bufferSize   int
	encodingInfo audio.EncodingInfo

	inStream  inputStream
	outStream outputStream
	in        []int16
	out       []int16

	captureMu     sync.Mutex
	captureCancel context.CancelFunc
	captureDone   chan struct{}

	outMu         sync.Mutex
	leftoverAudio []byte
	outSignal     chan struct{}
	drainStop     chan struct{}
	drainDone     chan struct{}
	closeOnce     sync.Once
	terminate     func() error
}

// NewClient opens the default input and output devices. bufferSize is the
// number of frames moved per blocking read or write.
func NewClient(bufferSize int, encodingInfo audio.EncodingInfo) (*Client, error) {
	if encodingInfo.IsZero() {
		encodingInfo = audio.GetDefaultEncodingInfo()
	}
	if encodingInfo.Format != audio.EncodingLinear16 || encodingInfo.BytesPerFrame() != 2 {
		return nil, fmt.Errorf("%w: portaudio client only supports mono linear16, got %s",
			audio.ErrUnsupportedFormat, encodingInfo)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %w", audio.ErrDeviceUnavailable, err)
	}

	in := make([]int16, bufferSize)
	out := make([]int16, bufferSize)
	sampleRate := float64(encodingInfo.SampleRate)

	inStream, err := portaudio.OpenDefaultStream(1, 0, sampleRate, bufferSize, in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open PortAudio input stream: %w", audio.ErrDeviceUnavailable, err)
	}
	outStream, err := portaudio.OpenDefaultStream(0, 1, sampleRate, bufferSize, out)
	if err != nil {
		inStream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open PortAudio output stream: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := outStream.Start(); err != nil {
		inStream.Close()
		outStream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to start PortAudio output stream: %w", audio.ErrDeviceUnavailable, err)
	}

	c := newClient(bufferSize, encodingInfo, inStream, outStream, in, out)
	c.terminate = portaudio.Terminate
	return c, nil
}

// newClient wires already opened streams. in and out are the buffers the
// streams were opened with.
func newClient(bufferSize int, encodingInfo audio.EncodingInfo, inStream inputStream, outStream outputStream, in, out []int16) *Client {
	c := &Client{
		bufferSize:   bufferSize,
		encodingInfo: encodingInfo,
		inStream:     inStream,
		outStream:    outStream,
		in:           in,
		out:          out,
		outSignal:    make(chan struct{}, 1),
		drainStop:    make(chan struct{}),
		drainDone:    make(chan struct{}),
	}
	go c.drain()
	return c
}

func (c *Client) StartCapture(ctx context.Context, onAudio func(audio []byte)) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if c.captureCancel != nil {
		return nil
	}

	if err := c.inStream.Start(); err != nil {
		return fmt.Errorf("failed to start PortAudio input stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.captureCancel = cancel
	c.captureDone = done

	go func() {
		defer close(done)
		failures := 0
		for ctx.Err() == nil {
			if err := c.inStream.Read(); err != nil {
				failures++
				if failures >= maxReadFailures {
					logger.Error("giving up on PortAudio capture after repeated read failures",
						"failures", failures, "error", err)
					return
				}
				logger.Warn("failed to read from PortAudio stream", "error", err, "failures", failures)
				select {
				case <-ctx.Done():
					return
				case <-time.After(readBackoff(failures)):
				}
				continue
			}
			failures = 0

			audioBuffer := bytes.Buffer{}
			_ = binary.Write(&audioBuffer, binary.LittleEndian, c.in)
			onAudio(audioBuffer.Bytes())
		}
	}()

	return nil
}

// readBackoff doubles from readBackoffMin up to readBackoffMax.
func readBackoff(failures int) time.Duration {
	d := readBackoffMin
	for i := 1; i < failures && d < readBackoffMax; i++ {
		d *= 2
	}
	return min(d, readBackoffMax)
}

func (c *Client) StopCapture() error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if c.captureCancel == nil {
		return nil
	}

	c.captureCancel()
	<-c.captureDone
	c.captureCancel = nil
	c.captureDone = nil

	if err := c.inStream.Stop(); err != nil {
		return fmt.Errorf("failed to stop PortAudio input stream: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.StopCapture()
		close(c.drainStop)
		<-c.drainDone
		c.inStream.Close()
		_ = c.outStream.Stop()
		c.outStream.Close()
		if c.terminate != nil {
			_ = c.terminate()
		}
	})
}

// Write queues audio for the drain goroutine and returns without waiting
// for it to play.
func (c *Client) Write(audio []byte) error {
	c.outMu.Lock()
	c.leftoverAudio = append(c.leftoverAudio, audio...)
	c.outMu.Unlock()

	select {
	case c.outSignal <- struct{}{}:
	default:
	}
	return nil
}

// Flush drops queued audio. At most the buffer already handed to the device
// still plays.
func (c *Client) Flush() error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.leftoverAudio = nil
	return nil
}

func (c *Client) drain() {
	defer close(c.drainDone)

	bufferBytes := c.bufferSize * 2
	padAfter := c.encodingInfo.Duration(bufferBytes)
	for {
		frame, ok := c.nextBuffer(bufferBytes, false)
		if !ok {
			// A partial buffer is played padded with silence once no more
			// audio shows up for a buffer's duration.
			var timeout <-chan time.Time
			if c.buffered() > 0 {
				timeout = time.After(padAfter)
			}
			select {
			case <-c.drainStop:
				return
			case <-c.outSignal:
				continue
			case <-timeout:
				if frame, ok = c.nextBuffer(bufferBytes, true); !ok {
					continue
				}
			}
		}

		if err := binary.Read(bytes.NewReader(frame), binary.LittleEndian, c.out); err != nil {
			logger.Warn("failed to convert audio for PortAudio", "error", err)
			continue
		}
		if err := c.outStream.Write(); err != nil {
			logger.Warn("failed to write to PortAudio stream", "error", err)
		}
	}
}

func (c *Client) nextBuffer(size int, pad bool) ([]byte, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if len(c.leftoverAudio) >= size {
		frame := make([]byte, size)
		copy(frame, c.leftoverAudio)
		c.leftoverAudio = c.leftoverAudio[size:]
		return frame, true
	}
	if pad && len(c.leftoverAudio) > 0 {
		frame := make([]byte, size)
		copy(frame, c.leftoverAudio)
		c.leftoverAudio = nil
		return frame, true
	}
	return nil, false
}

func (c *Client) buffered() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return len(c.leftoverAudio)
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.encodingInfo
}
