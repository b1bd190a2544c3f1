package orchestration

import (
	"testing"

	"github.com/koscakluka/ema-voicerag/core/realtime"
)

func TestWithRealtimeSessionBuildsProtocol(t *testing.T) {
	o := NewOrchestrator(WithRealtimeSession("ws://127.0.0.1:1/realtime"))

	if o.protocol == nil {
		t.Fatalf("expected realtime session to build a protocol")
	}
	if got := o.SessionState(); got != realtime.StateIdle {
		t.Fatalf("expected idle session before recording, got %s", got)
	}
}

func TestWithSessionProtocolWins(t *testing.T) {
	protocol := &fakeProtocol{log: &callLog{}}
	o := NewOrchestrator(WithSessionProtocol(protocol), WithRealtimeSession("ws://127.0.0.1:1/realtime"))

	if o.protocol != protocol {
		t.Fatalf("expected explicit protocol to be kept")
	}
}

func TestWithLoggerNilIsNoop(t *testing.T) {
	o := NewOrchestrator(WithLogger(nil))

	if o.logger == nil {
		t.Fatalf("expected nil logger to keep the package logger")
	}
}
