package sigcontext

import (
	"context"
	"syscall"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestSignalCancels(t *testing.T) {
	ctx, cancel := WithSignalCancel(context.Background(), syscall.SIGUSR1)
	defer cancel()

	assert.NilError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled by signal")
	}
	sig, ok := Signal(ctx)
	assert.Assert(t, ok)
	assert.Equal(t, sig, syscall.SIGUSR1)
}

func TestCancelWithoutSignal(t *testing.T) {
	ctx, cancel := WithSignalCancel(context.Background(), syscall.SIGUSR2)
	cancel()
	<-ctx.Done()
	_, ok := Signal(ctx)
	assert.Assert(t, !ok)
}
