package util

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalContext(t *testing.T) {
	ctx := SignalContext(context.Background(), 0, syscall.SIGUSR1)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by signal")
	}

	var serr *SignalError
	require.True(t, errors.As(context.Cause(ctx), &serr))
	assert.Equal(t, syscall.SIGUSR1, serr.Signal)
}

func TestSignalContextParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := SignalContext(parent, 0, syscall.SIGUSR2)
	cancel()

	<-ctx.Done()
	assert.Equal(t, context.Canceled, context.Cause(ctx))
}
