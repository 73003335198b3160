// Package emitter implements the transform anchor voices attach to: world
// position/velocity, an optional bus override, and an additive priority
// bias, all mutated only through the marshaller.
package emitter

import (
	"github.com/google/uuid"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/bus"
	"github.com/duskwave/sonora/marshaller"
)

// Attachment is implemented by voice.Voice. Emitter depends only on this
// narrow interface so the emitter and voice packages don't import each
// other's concrete types.
type Attachment interface {
	// OnEmitterMoved is invoked once, on the audio thread, whenever the
	// emitter this voice is attached to bumps its version.
	OnEmitterMoved()
}

// Emitter is a world-space transform anchor. Voices attached to it inherit
// its position/velocity each tick.
type Emitter struct {
	ID uuid.UUID

	m *marshaller.Marshaller

	position     backend.Vec3
	velocity     backend.Vec3
	busOverride  *bus.Bus
	priorityBias int32

	version uint64

	attachments map[Attachment]struct{}
}

// New creates an Emitter at the origin with no bus override.
func New(m *marshaller.Marshaller) *Emitter {
	return &Emitter{
		ID:          uuid.New(),
		m:           m,
		attachments: make(map[Attachment]struct{}),
	}
}

// Position returns the emitter's last-committed world position.
func (e *Emitter) Position() backend.Vec3 { return e.position }

// Velocity returns the emitter's last-committed world velocity.
func (e *Emitter) Velocity() backend.Vec3 { return e.velocity }

// BusOverride returns the bus voices attached to this emitter should mix
// into instead of whatever bus they were otherwise assigned, or nil if
// there is no override.
func (e *Emitter) BusOverride() *bus.Bus { return e.busOverride }

// PriorityBias returns the emitter's additive priority bias.
func (e *Emitter) PriorityBias() int32 { return e.priorityBias }

// Version returns the emitter's version counter, bumped only when a
// mutation actually changes a value ("to avoid spurious voice
// reprocessing").
func (e *Emitter) Version() uint64 { return e.version }

// Attach registers a as an attachment that should be notified when this
// emitter moves. Voice.AttachToEmitter is expected to call this.
func (e *Emitter) Attach(a Attachment) error {
	return e.m.Submit(func() error {
		e.attachments[a] = struct{}{}
		return nil
	})
}

// Detach removes a from the attachment set.
func (e *Emitter) Detach(a Attachment) error {
	return e.m.Submit(func() error {
		delete(e.attachments, a)
		return nil
	})
}

// SetTransform sets position and velocity, fire-and-forget. No-ops (no
// version bump, no attachment notification) if neither value changed.
func (e *Emitter) SetTransform(pos, vel backend.Vec3) error {
	return e.m.Submit(func() error {
		if pos == e.position && vel == e.velocity {
			return nil
		}
		e.position = pos
		e.velocity = vel
		e.bump()
		return nil
	})
}

// SetTransformSync is SetTransform's completion-signaling counterpart, for
// callers that need the move observed before their next step.
func (e *Emitter) SetTransformSync(pos, vel backend.Vec3) error {
	return e.m.SubmitSync(func() error {
		if pos == e.position && vel == e.velocity {
			return nil
		}
		e.position = pos
		e.velocity = vel
		e.bump()
		return nil
	})
}

// SetBusOverride sets or clears (pass nil) the bus voices attached to this
// emitter should mix into.
func (e *Emitter) SetBusOverride(b *bus.Bus) error {
	return e.m.Submit(func() error {
		if e.busOverride == b {
			return nil
		}
		e.busOverride = b
		e.bump()
		return nil
	})
}

// SetPriorityBias sets the emitter's additive priority bias.
func (e *Emitter) SetPriorityBias(bias int32) error {
	return e.m.Submit(func() error {
		if e.priorityBias == bias {
			return nil
		}
		e.priorityBias = bias
		e.bump()
		return nil
	})
}

// bump increments the version counter and notifies every attached voice.
// Must be called from inside a marshaller action.
func (e *Emitter) bump() {
	e.version++
	for a := range e.attachments {
		a.OnEmitterMoved()
	}
}
