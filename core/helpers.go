package orchestration

import "context"

// withContextCancelHook runs onContextDone if ctx ends before done is closed.
func withContextCancelHook(ctx context.Context, onContextDone func()) chan struct{} {
	done := make(chan struct{})
	if ctx.Done() == nil {
		return done
	}
	go func() {
		select {
		case <-ctx.Done():
			onContextDone()
		case <-done:
		}
	}()
	return done
}
