// Package playback schedules decoded assistant speech onto an output device
// in arrival order and supports hard interruption.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koscakluka/ema-voicerag/core/audio"
	"github.com/koscakluka/ema-voicerag/core/events"
	"go.opentelemetry.io/otel/metric"
)

const DefaultLead = 200 * time.Millisecond

// maxWrite bounds a single sink write so Stop never waits long on one.
const maxWrite = 50 * time.Millisecond

var ErrClosed = errors.New("playback scheduler closed")

// Sink is an output device. Write must not retain audio after returning and
// Flush discards anything the device buffered but has not played.
type Sink interface {
	Write(audio []byte) error
	Flush() error
}

type State int

const (
	StateIdle State = iota
	StatePlaying
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateInterrupted:
		return "interrupted"
	}
	return "unknown"
}

type Option func(*Scheduler)

// WithLead sets how far ahead of real time audio is handed to the sink.
func WithLead(lead time.Duration) Option {
	return func(s *Scheduler) {
		s.lead = max(lead, 0)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler plays queued audio FIFO. Queued audio is handed to the sink in
// pieces of at most min(lead, 50ms) and paced so the sink holds at most lead
// worth of audio, which keeps Stop able to cut playback short.
type Scheduler struct {
	sink   Sink
	format audio.EncodingInfo
	lead   time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	queue       [][]byte
	state       State
	generation  uint64
	closed      bool
	playStarted time.Time
	scheduled   time.Duration

	// emitMu is held for the duration of a sink write so Stop can wait for
	// an in-flight write before flushing. Writes are short, so the wait is
	// bounded by one piece.
	emitMu sync.Mutex

	updateSignal chan struct{}
	done         chan struct{}
	pumpDone     chan struct{}
	closeOnce    sync.Once

	chunksPlayed  metric.Int64Counter
	interruptions metric.Int64Counter
}

func New(sink Sink, format audio.EncodingInfo, opts ...Option) *Scheduler {
	if format.IsZero() {
		format = audio.GetDefaultEncodingInfo()
	}

	s := &Scheduler{
		sink:         sink,
		format:       format,
		lead:         DefaultLead,
		logger:       logger,
		updateSignal: make(chan struct{}, 1),
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.chunksPlayed, _ = meter.Int64Counter("playback.chunks",
		metric.WithDescription("Number of audio chunks handed to the output device"))
	s.interruptions, _ = meter.Int64Counter("playback.interruptions",
		metric.WithDescription("Number of hard flushes"))

	go s.pump()
	return s
}

// Enqueue decodes an audio delta and queues it behind earlier audio.
func (s *Scheduler) Enqueue(delta events.AudioDelta) error {
	samples, err := delta.Audio()
	if err != nil {
		return fmt.Errorf("failed to enqueue audio delta: %w", err)
	}
	return s.EnqueueAudio(samples)
}

func (s *Scheduler) EnqueueAudio(samples []byte) error {
	if len(samples) == 0 {
		return nil
	}
	buf := make([]byte, len(samples))
	copy(buf, samples)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, buf)
	s.mu.Unlock()

	s.signalUpdate()
	return nil
}

// Stop is a hard flush: queued audio is dropped, the sink is flushed and no
// audio queued before the call reaches the sink after it returns.
func (s *Scheduler) Stop() {
	s.flush(StateInterrupted)
	if s.interruptions != nil {
		s.interruptions.Add(context.Background(), 1)
	}
}

// Reset flushes like Stop and returns the scheduler to idle.
func (s *Scheduler) Reset() {
	s.flush(StateIdle)
}

func (s *Scheduler) flush(next State) {
	s.mu.Lock()
	s.generation++
	dropped := len(s.queue)
	s.queue = nil
	s.state = next
	s.playStarted = time.Time{}
	s.scheduled = 0
	s.mu.Unlock()

	s.emitMu.Lock()
	err := s.flushSink()
	s.emitMu.Unlock()
	if err != nil {
		s.logger.Warn("failed to flush playback sink", "error", err)
	}

	s.logger.Debug("playback flushed", "dropped_chunks", dropped, "state", next.String())
	s.signalUpdate()
}

func (s *Scheduler) flushSink() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Flush()
}

func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops the pump. Queued audio is discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.generation++
		s.mu.Unlock()

		close(s.done)
		<-s.pumpDone
	})
}

func (s *Scheduler) pump() {
	defer close(s.pumpDone)

	for {
		chunk, generation, wait, ok := s.next(time.Now())
		if !ok {
			return
		}
		if chunk == nil {
			if !s.waitFor(wait) {
				return
			}
			continue
		}

		s.write(chunk, generation)
	}
}

// next picks the chunk to write now, or how long to wait before trying
// again. A zero wait means wait for the next update.
func (s *Scheduler) next(now time.Time) (chunk []byte, generation uint64, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, 0, false
	}

	playbackEnd := s.playStarted.Add(s.scheduled)
	if len(s.queue) == 0 {
		if s.state == StatePlaying {
			if now.Before(playbackEnd) {
				return nil, 0, playbackEnd.Sub(now), true
			}
			s.state = StateIdle
		}
		return nil, 0, 0, true
	}

	if s.state == StatePlaying && now.Before(playbackEnd) {
		if ahead := playbackEnd.Sub(now); ahead > s.lead {
			return nil, 0, ahead - s.lead, true
		}
	} else {
		s.state = StatePlaying
		s.playStarted = now
		s.scheduled = 0
	}

	chunk = s.queue[0]
	if size := s.pieceSize(); len(chunk) > size {
		s.queue[0] = chunk[size:]
		chunk = chunk[:size]
	} else {
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	s.scheduled += s.format.Duration(len(chunk))
	return chunk, s.generation, 0, true
}

// pieceSize is the largest frame-aligned write, in bytes.
func (s *Scheduler) pieceSize() int {
	d := maxWrite
	if s.lead > 0 && s.lead < d {
		d = s.lead
	}
	return max(s.format.BytesFor(d), s.format.BytesPerFrame())
}

func (s *Scheduler) write(chunk []byte, generation uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	stale := generation != s.generation
	s.mu.Unlock()
	if stale || s.sink == nil {
		return
	}

	if err := s.sink.Write(chunk); err != nil {
		s.logger.Warn("failed to write audio to playback sink", "error", err)
		return
	}
	if s.chunksPlayed != nil {
		s.chunksPlayed.Add(context.Background(), 1)
	}
}

func (s *Scheduler) waitFor(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.updateSignal:
			return true
		case <-s.done:
			return false
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.updateSignal:
	case <-timer.C:
	case <-s.done:
		return false
	}
	return true
}

func (s *Scheduler) signalUpdate() {
	select {
	case s.updateSignal <- struct{}{}:
	default:
	}
}
