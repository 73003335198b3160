// Package listener implements the world-space listener transform applied
// to the backend once per tick.
package listener

import (
	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/marshaller"
)

// Transform holds the listener's position, velocity, and orientation.
// Orientation is expressed as forward/up vectors, matching the backend
// adapter's SetListenerOrientation signature.
type Transform struct {
	Position backend.Vec3
	Velocity backend.Vec3
	Forward  backend.Vec3
	Up       backend.Vec3
}

// Listener is audio-thread-owned state mutated only through the
// marshaller, consistent with every other piece of engine-owned state.
type Listener struct {
	m         *marshaller.Marshaller
	transform Transform
}

// New creates a Listener facing -Z with +Y up at the origin, a conventional
// default orientation.
func New(m *marshaller.Marshaller) *Listener {
	return &Listener{
		m: m,
		transform: Transform{
			Forward: backend.Vec3{X: 0, Y: 0, Z: -1},
			Up:      backend.Vec3{X: 0, Y: 1, Z: 0},
		},
	}
}

// Transform returns the listener's current transform. Safe from any
// thread; may race with an in-flight mutation.
func (l *Listener) Transform() Transform { return l.transform }

// SetTransform enqueues a position+velocity update, fire-and-forget.
func (l *Listener) SetTransform(pos, vel backend.Vec3) error {
	return l.m.Submit(func() error {
		l.transform.Position = pos
		l.transform.Velocity = vel
		return nil
	})
}

// SetOrientation enqueues a forward/up orientation update, fire-and-forget.
func (l *Listener) SetOrientation(forward, up backend.Vec3) error {
	return l.m.Submit(func() error {
		l.transform.Forward = forward
		l.transform.Up = up
		return nil
	})
}

// Apply pushes the listener's current transform to the backend. Called
// once per tick by the engine.
func (l *Listener) Apply(adapter backend.Adapter) error {
	if err := adapter.SetListenerPosition(l.transform.Position); err != nil {
		return err
	}
	if err := adapter.SetListenerVelocity(l.transform.Velocity); err != nil {
		return err
	}
	return adapter.SetListenerOrientation(l.transform.Forward, l.transform.Up)
}
