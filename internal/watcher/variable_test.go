package watcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

func TestTagOf(t *testing.T) {
	assert.Equal(t, frame.Char, TagOf[int8]())
	assert.Equal(t, frame.Uint32, TagOf[uint32]())
	assert.Equal(t, frame.Int32, TagOf[int32]())
	assert.Equal(t, frame.Float32, TagOf[float32]())
	assert.Equal(t, frame.Float64, TagOf[float64]())
}

func TestVariableLocalAndRemoteControl(t *testing.T) {
	m, _, _ := newTestManager(t, 64)
	v, err := NewVariable[float64](m, "cutoff", frame.Block)
	require.NoError(t, err)

	var hooks []bool
	v.OnControl(func(controlled bool) { hooks = append(hooks, controlled) })

	v.Set(5)
	assert.Equal(t, 5.0, v.Get())
	assert.False(t, v.Controlled())

	require.NoError(t, m.StartControlling(v.Ref()))
	assert.Equal(t, 5.0, v.Get(), "remote value starts from the last local value")
	assert.Equal(t, 5.0, v.Input())

	require.NoError(t, m.SetRemote(v.Ref(), 7))
	v.Set(6)
	assert.Equal(t, 7.0, v.Get(), "local writes do not override remote control")

	require.NoError(t, m.StopControlling(v.Ref()))
	assert.Equal(t, 6.0, v.Get())
	assert.Equal(t, 7.0, v.Input())

	// repeated calls are no-ops
	require.NoError(t, m.StopControlling(v.Ref()))
	assert.Equal(t, []bool{true, false}, hooks)
}

func TestVariableSetMasked(t *testing.T) {
	m, _, _ := newTestManager(t, 64)
	v, err := NewVariable[uint32](m, "bits", frame.Block)
	require.NoError(t, err)

	require.NoError(t, m.StartControlling(v.Ref()))
	require.NoError(t, m.SetRemote(v.Ref(), 0b0101))
	require.NoError(t, v.SetMasked(0b1010, 0b1100))
	assert.Equal(t, uint32(0b1001), v.Get())

	f, err := NewVariable[int32](m, "signed", frame.Block)
	require.NoError(t, err)
	assert.True(t, errors.Is(f.SetMasked(1, 1), ErrNotMaskable))
}

func TestVariableNotifiesEffectiveValue(t *testing.T) {
	m, pub, _ := newTestManager(t, 8) // two int32 values per frame
	v, err := NewVariable[int32](m, "eff", frame.Block)
	require.NoError(t, err)

	require.NoError(t, m.StartControlling(v.Ref()))
	require.NoError(t, m.SetRemote(v.Ref(), 42))
	require.NoError(t, m.StartStream(v.Ref(), Watch, 0, 0))
	require.NoError(t, m.Tick(0, true))
	v.Set(1)
	require.NoError(t, m.Tick(1, false))
	v.Set(2)

	frames := pub.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, []float64{42, 42}, frames[0].Values())
}

func TestVariableClose(t *testing.T) {
	m, _, _ := newTestManager(t, 64)
	v, err := NewVariable[int8](m, "c", frame.Sample)
	require.NoError(t, err)
	assert.Equal(t, frame.Char, v.Tag())
	require.NoError(t, v.Close())
	_, ok := m.Lookup("c")
	assert.False(t, ok)
	v.Set(3) // no longer registered, must not panic
	assert.True(t, errors.Is(v.Close(), ErrStaleHandle))
}
