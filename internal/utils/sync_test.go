package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWakeSignalCoalesces(t *testing.T) {
	signal := NewWakeSignal()
	signal.Notify()
	signal.Notify()
	signal.Notify()

	<-signal.C
	select {
	case <-signal.C:
		t.Fatal("expected notifications to coalesce")
	default:
	}
}

func TestOptionalRWMutexDisabled(t *testing.T) {
	var m OptionalRWMutex
	m.Lock()
	// Without UseMutex a second lock must not block
	m.Lock()
	m.Unlock()
	m.Unlock()

	m.UseMutex = true
	m.RLock()
	require.False(t, m.Mutex.TryLock())
	m.RUnlock()
}
