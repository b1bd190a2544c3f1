package audio

import "errors"

var (
	// ErrDeviceUnavailable is returned when no capture or playback device can
	// be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)
