package orchestration

import "github.com/koscakluka/ema-voicerag/core/events"

type eventEmitter func(events.Event)

func noopEventEmitter(events.Event) {}

// newCallbackEventEmitter forwards handled server events to the caller's
// callbacks. It runs after the orchestrator updated its own state.
func newCallbackEventEmitter(o *Orchestrator) eventEmitter {
	return func(event events.Event) {
		switch typedEvent := event.(type) {
		case events.SpeechStarted:
			if o.onSpeakingStateChanged != nil {
				o.onSpeakingStateChanged(true)
			}
		case events.SpeechEnded:
			if o.onSpeakingStateChanged != nil {
				o.onSpeakingStateChanged(false)
			}
			if o.onTranscript != nil {
				o.onTranscript("")
			}
		case events.TranscriptDelta, events.TextDelta:
			if o.onTranscript != nil {
				o.onTranscript(o.transcript.String())
			}
		case events.Error:
			if o.onServerError != nil {
				o.onServerError(typedEvent)
			}
		}
	}
}
