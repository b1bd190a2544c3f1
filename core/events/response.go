package events

import "github.com/koscakluka/ema-voicerag/core/audio"

const (
	// KindAudioDelta is emitted for every fragment of synthesized speech.
	KindAudioDelta Kind = "response.audio.delta"
	// KindTextDelta is emitted for every fragment of response text.
	KindTextDelta Kind = "response.text.delta"
)

type AudioDelta struct {
	Base
	Delta string
}

func NewAudioDelta(delta string) AudioDelta {
	return AudioDelta{Base: NewBase(KindAudioDelta), Delta: delta}
}

// Audio decodes the base64 payload into raw samples.
func (e AudioDelta) Audio() ([]byte, error) {
	return audio.Decode(e.Delta)
}

type TextDelta struct {
	Base
	Delta string
}

func NewTextDelta(delta string) TextDelta {
	return TextDelta{Base: NewBase(KindTextDelta), Delta: delta}
}
