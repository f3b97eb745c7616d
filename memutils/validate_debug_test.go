//go:build debug_conductor

package memutils

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type brokenValidatable struct{}

func (brokenValidatable) Validate() error { return errors.New("broken") }

func TestDebugAssert(t *testing.T) {
	require.NotPanics(t, func() { DebugAssert(true, "unused %d", 1) })
	require.PanicsWithValue(t, "slot 3 is busy", func() { DebugAssert(false, "slot %d is busy", 3) })
}

func TestDebugCheckPow2(t *testing.T) {
	require.NotPanics(t, func() { DebugCheckPow2(uint(64), "alignment") })
	require.Panics(t, func() { DebugCheckPow2(uint(24), "alignment") })
}

func TestDebugValidate(t *testing.T) {
	require.Panics(t, func() { DebugValidate(brokenValidatable{}) })
}
