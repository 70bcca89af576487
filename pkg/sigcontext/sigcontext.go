package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel derives a context that cancels when any of the given
// signals arrives. The returned cancel releases the signal handlers and must
// be called; after release a repeated signal falls through to the runtime's
// default handling (a second ^C terminates the process).
func WithSignalCancel(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancel(parent)

	notify := make(chan os.Signal, 1)
	signal.Notify(notify, sigs...)

	var release sync.Once
	cancel := func() {
		cancelCtx()
		release.Do(func() {
			signal.Stop(notify)
			close(notify)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-notify:
			cancelCtx()
		}
	}()

	return ctx, cancel
}
