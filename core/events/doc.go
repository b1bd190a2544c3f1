// Package events defines the realtime session's wire contract: the typed
// events a backend sends to the client and the commands the client sends
// back.
//
// Event kinds are the wire `type` names and are grouped by namespace:
//
// response events
//
//   - AudioDelta (response.audio.delta): base64 assistant speech fragment.
//   - TextDelta (response.text.delta): assistant text or transcript fragment.
//
// input_audio_buffer events
//
//   - SpeechStarted (input_audio_buffer.speech_started): the server's voice
//     activity detection heard the user start speaking. Clients use it to
//     interrupt playback.
//   - SpeechEnded (input_audio_buffer.speech_ended): the user stopped
//     speaking.
//   - TranscriptDelta (input_audio_buffer.transcript): transcript of the
//     user's speech.
//
// extension events
//
//   - ToolResult (extension.middle_tier_tool_response): result of a tool the
//     middle tier ran on the client's behalf. Grounding citations arrive
//     here.
//
// error events
//
//   - Error (error): the server reported a failure. The session stays open.
//
// Commands
//
//   - SessionStart (session.start): sent once when a session opens.
//   - InputAudioBufferAppend (input_audio_buffer.append): one base64 chunk of
//     captured audio.
//   - InputAudioBufferClear (input_audio_buffer.clear): discard audio the
//     server buffered but has not committed.
package events
