package main

import (
	"bytes"
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInventoryOnSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal)

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		inventoryOnSignal(ctx, sigs, func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New().New(errors.ErrOperationFailed)
			}
			return nil
		})
	}()

	// A failed submission does not stop later ones
	sigs <- syscall.SIGUSR1
	sigs <- syscall.SIGUSR1
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("signal loop did not stop")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestListProfiles(t *testing.T) {
	var buf bytes.Buffer
	listProfiles(&buf)
	assert.Contains(t, buf.String(), "cpu-all")
}
