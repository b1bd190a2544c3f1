package audio

import (
	"strconv"
	"time"
)

const (
	DefaultSampleRate = 24000
	DefaultFormat     = "linear16"
	DefaultChannels   = 1
)

// GetDefaultEncodingInfo returns the wire format used by realtime sessions:
// 16-bit little-endian PCM, 24kHz, mono.
func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{
		SampleRate: DefaultSampleRate,
		Format:     encodingFormat(DefaultFormat),
		Channels:   DefaultChannels,
	}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
	// Channels defaults to mono when zero.
	Channels int
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) channels() int {
	if e.Channels <= 0 {
		return 1
	}
	return e.Channels
}

// Equal compares two encodings, treating an unset channel count as mono.
func (e EncodingInfo) Equal(other EncodingInfo) bool {
	return e.SampleRate == other.SampleRate &&
		e.Format == other.Format &&
		e.channels() == other.channels()
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

func (e EncodingInfo) BitDepth() int {
	return e.Format.ByteSize() * 8
}

func (e EncodingInfo) BytesPerFrame() int {
	return e.Format.ByteSize() * e.channels()
}

// BytesFor returns the number of bytes holding d worth of audio, rounded down
// to whole frames.
func (e EncodingInfo) BytesFor(d time.Duration) int {
	if e.IsZero() || e.BytesPerFrame() <= 0 || d <= 0 {
		return 0
	}
	frames := int64(d) * int64(e.SampleRate) / int64(time.Second)
	return int(frames) * e.BytesPerFrame()
}

// Duration returns how long n bytes of audio take to play.
func (e EncodingInfo) Duration(n int) time.Duration {
	if e.IsZero() || e.BytesPerFrame() <= 0 || n <= 0 {
		return 0
	}
	frames := int64(n / e.BytesPerFrame())
	return time.Duration(frames * int64(time.Second) / int64(e.SampleRate))
}

func (e EncodingInfo) String() string {
	return e.Format.Name() + "@" + strconv.Itoa(e.SampleRate) + "Hz/" + strconv.Itoa(e.channels()) + "ch"
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
