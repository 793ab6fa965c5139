package watcher

import (
	"math"

	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

// Number is the closed set of element types a Variable can hold.
type Number interface {
	int8 | uint32 | int32 | float32 | float64
}

// TagOf returns the frame type tag for T.
func TagOf[T Number]() frame.TypeTag {
	var zero T
	switch any(zero).(type) {
	case uint32:
		return frame.Uint32
	case int32:
		return frame.Int32
	case float32:
		return frame.Float32
	case float64:
		return frame.Float64
	}
	return frame.Char
}

// Handle is the capability set shared by every Variable regardless of its
// element type.
type Handle interface {
	Ref() Ref
	Name() string
	Tag() frame.TypeTag
	// Float returns the effective value.
	Float() float64
	// SetFloat stores a local value and notifies the manager.
	SetFloat(v float64)
	// SetMasked replaces the masked bits of the remote value.
	SetMasked(value, mask uint32) error
	// OnControlChange is invoked when remote control starts or stops.
	OnControlChange(controlled bool)
	Close() error
}

// Variable is an application-side value watched by a Manager. Set and Get
// are real-time safe.
type Variable[T Number] struct {
	m    *Manager
	ref  Ref
	r    *record
	name string
	tag  frame.TypeTag
	hook func(controlled bool)
}

var _ Handle = (*Variable[float32])(nil)

// NewVariable registers a variable named name on m.
func NewVariable[T Number](m *Manager, name string, mode frame.Mode) (*Variable[T], error) {
	tag := TagOf[T]()
	ref, final, err := m.Register(name, tag, mode)
	if err != nil {
		return nil, err
	}
	v := &Variable[T]{m: m, ref: ref, name: final, tag: tag}
	m.mu.Lock()
	v.r = m.record(ref)
	v.r.onControl = v.OnControlChange
	m.mu.Unlock()
	return v, nil
}

// NewDefaultVariable registers a variable on the Default manager.
func NewDefaultVariable[T Number](name string, mode frame.Mode) (*Variable[T], error) {
	return NewVariable[T](Default(), name, mode)
}

func (v *Variable[T]) Ref() Ref           { return v.ref }
func (v *Variable[T]) Name() string       { return v.name }
func (v *Variable[T]) Tag() frame.TypeTag { return v.tag }

// Set stores x as the local value and feeds the effective value to the
// manager.
func (v *Variable[T]) Set(x T) { v.SetFloat(float64(x)) }

// Get returns the remote value while remote control is active, otherwise the
// last local value.
func (v *Variable[T]) Get() T { return T(v.Float()) }

// Input returns the remote value regardless of the control state.
func (v *Variable[T]) Input() T { return T(math.Float64frombits(v.r.remote.Load())) }

// Controlled reports whether remote control is active.
func (v *Variable[T]) Controlled() bool { return v.r.controlled.Load() }

func (v *Variable[T]) Float() float64 { return v.r.value() }

func (v *Variable[T]) SetFloat(x float64) {
	v.r.local.Store(math.Float64bits(x))
	if v.m.record(v.ref) == v.r {
		v.m.notify(v.r, v.r.value())
	}
}

func (v *Variable[T]) SetMasked(value, mask uint32) error {
	return v.m.SetMasked(v.ref, value, mask)
}

// OnControl registers fn to be called when remote control starts or stops.
func (v *Variable[T]) OnControl(fn func(controlled bool)) { v.hook = fn }

func (v *Variable[T]) OnControlChange(controlled bool) {
	if v.hook != nil {
		v.hook(controlled)
	}
}

// Close unregisters the variable.
func (v *Variable[T]) Close() error { return v.m.Unregister(v.ref) }
