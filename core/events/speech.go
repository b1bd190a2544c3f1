package events

const (
	KindSpeechStarted Kind = "input_audio_buffer.speech_started"
	KindSpeechEnded   Kind = "input_audio_buffer.speech_ended"
	// KindTranscriptDelta carries the transcript of the user's speech.
	KindTranscriptDelta Kind = "input_audio_buffer.transcript"
)

type SpeechStarted struct{ Base }

func NewSpeechStarted() SpeechStarted {
	return SpeechStarted{Base: NewBase(KindSpeechStarted)}
}

type SpeechEnded struct{ Base }

func NewSpeechEnded() SpeechEnded {
	return SpeechEnded{Base: NewBase(KindSpeechEnded)}
}

type TranscriptDelta struct {
	Base
	Transcript string
}

func NewTranscriptDelta(transcript string) TranscriptDelta {
	return TranscriptDelta{Base: NewBase(KindTranscriptDelta), Transcript: transcript}
}
