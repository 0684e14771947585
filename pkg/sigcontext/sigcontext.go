package sigcontext

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// SignalError is the cancellation cause recorded when a signal arrives.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %s", e.Signal)
}

// WithSignalCancel is a context that will cancel itself when one of sigs is
// sent to the process. The returned cancel function releases the signal
// handlers and must be called. After the first signal the handlers are
// released, so a second ^C falls through to the go runtime and terminates
// the process.
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancelCause(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	var once sync.Once
	release := func() {
		once.Do(func() {
			signal.Stop(sigchan)
		})
	}
	cancel := func() {
		ctxcancel(context.Canceled)
		release()
	}

	go func() {
		select {
		case <-sigctx.Done():
		case sig := <-sigchan:
			ctxcancel(&SignalError{Signal: sig})
		}
		release()
	}()

	return sigctx, cancel
}

// Signal reports the signal that cancelled ctx, if any.
func Signal(ctx context.Context) (os.Signal, bool) {
	sigErr, ok := context.Cause(ctx).(*SignalError)
	if !ok {
		return nil, false
	}
	return sigErr.Signal, true
}
