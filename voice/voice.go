// Package voice implements the per-voice state machine, the per-tick
// update, hydration and dirty-flag application, and the streaming pump.
package voice

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/bus"
	"github.com/duskwave/sonora/emitter"
	"github.com/duskwave/sonora/generator"
	"github.com/duskwave/sonora/marshaller"
	"github.com/duskwave/sonora/pool"
)

// State is one node of the voice state machine.
type State int

const (
	Stopped State = iota
	PlayingPhysical
	PausedPhysical
	PlayingVirtual
	PausedVirtual
	Disposed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case PlayingPhysical:
		return "playing-physical"
	case PausedPhysical:
		return "paused-physical"
	case PlayingVirtual:
		return "playing-virtual"
	case PausedVirtual:
		return "paused-virtual"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// IsPhysical reports whether s holds a backend source.
func (s State) IsPhysical() bool { return s == PlayingPhysical || s == PausedPhysical }

// IsVirtual reports whether s is a non-terminal, non-physical state.
func (s State) IsVirtual() bool { return s == PlayingVirtual || s == PausedVirtual }

// MixMode selects how a voice's position is delivered to the backend
// (dirty-flag application rules).
type MixMode int

const (
	// Direct disables spatialization and enables direct channel routing.
	Direct MixMode = iota
	// Relative enables spatialization, relative to the listener, with
	// direct-channel routing off.
	Relative
	// Spatialized enables spatialization in absolute world space, with
	// direct-channel routing off.
	Spatialized
)

// dirtyBits tracks which voice parameters have pending writes to commit to
// the backend on the next update.
type dirtyBits uint8

const (
	dirtyGain dirtyBits = 1 << iota
	dirtyPitch
	dirtyTransform
	dirtyLooping
	dirtyMixMode
	dirtyAttenuation
	dirtyPriority
)

const allDirty = dirtyGain | dirtyPitch | dirtyTransform | dirtyLooping | dirtyMixMode | dirtyAttenuation | dirtyPriority

// hysteresis is the minimum delta that forces a scalar float re-commit;
// smaller changes are skipped unless a force commit is requested.
const hysteresis = 0.001

// Local holds a voice's own, caller-set parameter values.
type Local struct {
	Gain              float32
	Pitch             float32
	Position          backend.Vec3
	Velocity          backend.Vec3
	Looping           bool
	RolloffFactor     float32
	ReferenceDistance float32
	MaxDistance       float32
	Priority          int32
	MixMode           MixMode
}

// defaultLocal returns the conventional defaults for a freshly created
// voice: unity gain/pitch, no attenuation curve override, Spatialized mix.
func defaultLocal() Local {
	return Local{Gain: 1, Pitch: 1, RolloffFactor: 1, ReferenceDistance: 1, MixMode: Spatialized}
}

// Voice is a playable instance of a Generator. All mutating methods defer
// through the marshaller; the per-tick Update method is expected to run
// exclusively on the audio thread.
type Voice struct {
	ID uuid.UUID

	m    *marshaller.Marshaller
	pool *pool.Pool

	gen     generator.Generator
	bus     *bus.Bus
	emitter *emitter.Emitter
	oneShot bool

	local Local

	state             State
	source            backend.SourceHandle
	hasSource         bool
	logicalTime       float64
	lastBusVersion    uint64
	lastEmitterVer    uint64
	dirty             dirtyBits
	effectivePriority int32

	// lastApplied caches the last-committed scalar values for hysteresis.
	lastAppliedGain  float32
	lastAppliedPitch float32
	gainCommitted    bool
	pitchCommitted   bool

	// onUnderrun is invoked from the pump's underrun-recovery branch, on
	// the audio thread. May be nil; the engine wires it to its metrics.
	onUnderrun func()

	adapter backend.Adapter
}

var _ emitter.Attachment = (*Voice)(nil)

// New creates a Stopped voice backed by gen, mixing into defaultBus
// (never nil — callers pass bus.Tree.Root() for Master). oneShot marks the
// voice for automatic disposal once it naturally reaches Stopped.
func New(m *marshaller.Marshaller, p *pool.Pool, adapter backend.Adapter, gen generator.Generator, defaultBus *bus.Bus, oneShot bool) *Voice {
	gen.Retain()
	v := &Voice{
		ID:      uuid.New(),
		m:       m,
		pool:    p,
		adapter: adapter,
		gen:     gen,
		bus:     defaultBus,
		oneShot: oneShot,
		local:   defaultLocal(),
		state:   Stopped,
	}
	if defaultBus != nil {
		v.lastBusVersion = defaultBus.Version()
	}
	return v
}

// State returns the voice's current state. Safe from any thread; readers
// may race an in-flight transition but never observe a torn value.
func (v *Voice) State() State { return v.state }

// Local returns a copy of the voice's own parameter values.
func (v *Voice) Local() Local { return v.local }

// Bus returns the bus this voice currently mixes into.
func (v *Voice) Bus() *bus.Bus { return v.bus }

// Emitter returns the attached emitter, or nil if unattached.
func (v *Voice) Emitter() *emitter.Emitter { return v.emitter }

// IsOneShot reports whether this voice is reaped automatically on
// reaching Stopped.
func (v *Voice) IsOneShot() bool { return v.oneShot }

// SetOnUnderrun registers a hook invoked whenever the streaming pump has
// to restart a starved source. Set once at construction, before Play.
func (v *Voice) SetOnUnderrun(fn func()) { v.onUnderrun = fn }

// LogicalTime returns the voice's logical playback time in seconds.
func (v *Voice) LogicalTime() float64 { return v.logicalTime }

// EffectivePriority returns the last-computed effective priority: local
// priority plus the emitter's priority bias (0 if unattached) plus the
// bus's effective priority bias.
func (v *Voice) EffectivePriority() int32 { return v.effectivePriority }

// --- mutators (deferred through the marshaller) ---

func (v *Voice) setField(apply func(), bits dirtyBits) error {
	return v.m.Submit(func() error {
		apply()
		v.dirty |= bits
		return nil
	})
}

func (v *Voice) SetGain(gain float32) error {
	if gain < 0 {
		gain = 0
	}
	return v.setField(func() { v.local.Gain = gain }, dirtyGain)
}

func (v *Voice) SetPitch(pitch float32) error {
	if pitch <= 0 {
		pitch = 1e-6
	}
	return v.setField(func() { v.local.Pitch = pitch }, dirtyPitch)
}

func (v *Voice) SetLooping(looping bool) error {
	return v.setField(func() { v.local.Looping = looping }, dirtyLooping)
}

func (v *Voice) SetPosition(pos backend.Vec3) error {
	return v.setField(func() { v.local.Position = pos }, dirtyTransform)
}

func (v *Voice) SetVelocity(vel backend.Vec3) error {
	return v.setField(func() { v.local.Velocity = vel }, dirtyTransform)
}

func (v *Voice) SetTransform(pos, vel backend.Vec3) error {
	return v.setField(func() {
		v.local.Position = pos
		v.local.Velocity = vel
	}, dirtyTransform)
}

func (v *Voice) SetPriority(priority int32) error {
	return v.setField(func() { v.local.Priority = priority }, dirtyPriority)
}

func (v *Voice) SetRolloffFactor(r float32) error {
	return v.setField(func() { v.local.RolloffFactor = r }, dirtyAttenuation)
}

func (v *Voice) SetReferenceDistance(d float32) error {
	return v.setField(func() { v.local.ReferenceDistance = d }, dirtyAttenuation)
}

func (v *Voice) SetMaxDistance(d float32) error {
	return v.setField(func() { v.local.MaxDistance = d }, dirtyAttenuation)
}

func (v *Voice) SetMixMode(mode MixMode) error {
	return v.setField(func() { v.local.MixMode = mode }, dirtyMixMode)
}

// AttachToEmitter rebinds the voice to a new emitter (or nil to detach),
// bumping the transform and priority dirty bits so the next update
// recomputes the world pose and effective priority.
func (v *Voice) AttachToEmitter(e *emitter.Emitter) error {
	return v.m.Submit(func() error {
		if v.emitter != nil {
			v.emitter.Detach(v)
		}
		v.emitter = e
		if e != nil {
			e.Attach(v)
			v.lastEmitterVer = e.Version()
		} else {
			v.lastEmitterVer = 0
		}
		v.dirty |= dirtyTransform | dirtyPriority
		return nil
	})
}

// OnEmitterMoved implements emitter.Attachment. It is invoked synchronously
// from within the emitter's own marshaller action, so it must not wait on
// another action (a SubmitSync here would deadlock the single-consumer
// drain loop); instead it just marks this voice dirty for the next
// per-tick update.
func (v *Voice) OnEmitterMoved() {
	v.dirty |= dirtyTransform | dirtyPriority
}

// --- state machine transitions ---

// Play drives the state machine's play transition.
func (v *Voice) Play() error {
	return v.m.Submit(func() error { return v.play() })
}

func (v *Voice) play() error {
	switch v.state {
	case Stopped:
		if h, ok := v.pool.Rent(); ok {
			v.source = h
			v.hasSource = true
			v.state = PlayingPhysical
			return v.hydrate()
		}
		v.state = PlayingVirtual
	case PausedPhysical:
		if err := v.adapter.Play(v.source); err != nil {
			v.demoteToVirtual()
			return nil
		}
		v.state = PlayingPhysical
	case PausedVirtual:
		v.state = PlayingVirtual
	}
	return nil
}

// Pause drives the state machine's pause transition.
func (v *Voice) Pause() error {
	return v.m.Submit(func() error {
		switch v.state {
		case PlayingPhysical:
			if err := v.adapter.Pause(v.source); err != nil {
				v.demoteToVirtual()
				return nil
			}
			v.state = PausedPhysical
		case PlayingVirtual:
			v.state = PausedVirtual
		}
		return nil
	})
}

// Stop drives the state machine's stop transition.
func (v *Voice) Stop() error {
	return v.m.Submit(func() error { return v.stop() })
}

func (v *Voice) stop() error {
	if v.state == Disposed {
		return nil
	}
	v.releaseSource()
	v.logicalTime = 0
	v.seekStreamingToZero()
	v.state = Stopped
	return nil
}

// Rewind drives the state machine's rewind transition (state unchanged).
func (v *Voice) Rewind() error {
	return v.m.Submit(func() error {
		if v.state == Disposed || v.state == Stopped {
			return nil
		}
		v.logicalTime = 0
		if v.hasSource {
			if err := v.adapter.Rewind(v.source); err != nil {
				return fmt.Errorf("voice: rewind: %w", err)
			}
		}
		v.seekStreamingToZero()
		return nil
	})
}

// Dispose drives the state machine's terminal transition: release the
// source if held, detach the emitter, and drop the generator reference.
// Disposed accepts no further transitions.
func (v *Voice) Dispose() error {
	return v.m.Submit(func() error {
		if v.state == Disposed {
			return nil
		}
		v.releaseSource()
		if v.emitter != nil {
			v.emitter.Detach(v)
			v.emitter = nil
		}
		if err := v.gen.Release(v.adapter); err != nil {
			return fmt.Errorf("voice: release generator: %w", err)
		}
		v.state = Disposed
		return nil
	})
}

func (v *Voice) seekStreamingToZero() {
	s, ok := v.gen.(*generator.Streaming)
	if !ok {
		return
	}
	if s.Seekable() {
		_ = s.Seek(0)
	}
}

// Promote attempts the scheduler-driven virtual→physical transition
// (Playing-Virtual→Playing-Physical, Paused-Virtual→Paused-Physical).
// It reports whether a source was rented. Unlike Play/Pause/etc., this
// does not defer through the marshaller — it IS audio-thread work, meant
// to be called synchronously from the engine's per-tick virtualization
// pass, never from an arbitrary goroutine.
func (v *Voice) Promote() (bool, error) {
	if !v.state.IsVirtual() {
		return false, nil
	}
	h, ok := v.pool.Rent()
	if !ok {
		return false, nil
	}
	v.source = h
	v.hasSource = true
	if v.state == PlayingVirtual {
		v.state = PlayingPhysical
	} else {
		v.state = PausedPhysical
	}
	if err := v.hydrate(); err != nil {
		return true, err
	}
	return true, nil
}

// demoteToVirtual captures the backend playhead into the logical playback
// time, releases the source, and mirrors the state category.
func (v *Voice) demoteToVirtual() {
	if v.hasSource {
		if ph, err := v.adapter.Playhead(v.source); err == nil {
			v.logicalTime = ph
		}
	}
	v.disconnectSource()
	if v.state == PlayingPhysical {
		v.state = PlayingVirtual
	} else {
		v.state = PausedVirtual
	}
}

// releaseSource disconnects and returns a held source to the pool, a no-op
// if the voice is already virtual.
func (v *Voice) releaseSource() {
	if !v.hasSource {
		return
	}
	v.disconnectSource()
}

// disconnectSource stops the backend source, clears every buffer still
// attached to it — returned to the generator's free set for streaming,
// simply detached for static (the generator keeps owning it) — and returns
// the source to the pool.
func (v *Voice) disconnectSource() {
	if !v.hasSource {
		return
	}
	_ = v.adapter.Stop(v.source)
	unqueued, _ := v.adapter.UnqueueBuffers(v.source)
	if s, ok := v.gen.(*generator.Streaming); ok {
		for _, h := range unqueued {
			s.PushFree(h)
		}
	}
	v.pool.Return(v.source)
	v.hasSource = false
	v.source = 0
}

// --- per-tick update ---

// Update runs one tick's worth of work for this voice. Must be called only
// from the audio thread, after the marshaller has been drained.
func (v *Voice) Update(dt float64) error {
	if v.state == Stopped || v.state == Disposed {
		return nil
	}

	if v.state == PlayingVirtual {
		v.logicalTime += dt * float64(v.local.Pitch) * float64(v.busEffectivePitch())
		v.applyVirtualCompletion()
		return nil
	}

	if v.hasSource {
		if _, ok := v.gen.(*generator.Streaming); ok && v.state == PlayingPhysical {
			if err := v.pump(); err != nil {
				return err
			}
		} else if _, ok := v.gen.(*generator.Static); ok && v.state == PlayingPhysical {
			st, err := v.adapter.SourceState(v.source)
			if err == nil && st == backend.SourceStopped && !v.local.Looping {
				return v.stop()
			}
		}
		// The logical playback time is the canonical playhead; while the
		// voice is physical it mirrors the backend's play position so a
		// later demotion or stop starts from the right offset.
		if v.hasSource && v.state == PlayingPhysical {
			if ph, err := v.adapter.Playhead(v.source); err == nil {
				v.logicalTime = ph
			}
		}
	}

	v.checkDependencyVersions()

	if v.dirty != 0 {
		if err := v.applyDirty(false); err != nil {
			return err
		}
		v.dirty = 0
	}
	return nil
}

func (v *Voice) busEffectivePitch() float32 {
	if v.bus == nil {
		return 1
	}
	return v.bus.Effective().Pitch
}

// applyVirtualCompletion applies the natural-completion rule for virtual
// voices: past the duration, a non-looping voice stops and a looping one
// wraps modulo the duration.
func (v *Voice) applyVirtualCompletion() {
	dur := v.gen.Duration()
	if dur < 0 || math.IsInf(dur, 1) {
		return
	}
	if v.logicalTime < dur {
		return
	}
	if !v.local.Looping {
		v.state = Stopped
		v.logicalTime = 0
		return
	}
	if dur > 0 {
		v.logicalTime = math.Mod(v.logicalTime, dur)
	}
}

// checkDependencyVersions compares the bus and emitter version counters
// against the last ones this voice observed and marks the affected
// parameter categories dirty.
func (v *Voice) checkDependencyVersions() {
	if v.bus != nil && v.bus.Version() != v.lastBusVersion {
		v.dirty |= dirtyGain | dirtyPitch | dirtyPriority
		v.lastBusVersion = v.bus.Version()
	}
	if v.emitter != nil && v.emitter.Version() != v.lastEmitterVer {
		v.dirty |= dirtyTransform | dirtyPriority
		v.lastEmitterVer = v.emitter.Version()
	}
}

// --- hydration and dirty application ---

// hydrate is called when a backend source has just been rented for this
// voice (on Play from Stopped, or on virtual→physical promotion).
func (v *Voice) hydrate() error {
	v.dirty = allDirty
	v.gainCommitted = false
	v.pitchCommitted = false
	if err := v.applyDirty(true); err != nil {
		return err
	}
	v.dirty = 0

	switch g := v.gen.(type) {
	case *generator.Static:
		if err := v.adapter.QueueBuffer(v.source, g.Buffer()); err != nil {
			return fmt.Errorf("voice: queue static buffer: %w", err)
		}
	case *generator.Streaming:
		for {
			h, ok := g.PopFilled()
			if !ok {
				break
			}
			if err := v.adapter.QueueBuffer(v.source, h); err != nil {
				return fmt.Errorf("voice: queue streaming buffer: %w", err)
			}
		}
	}

	if v.logicalTime > 0 {
		if err := v.adapter.SeekPlayhead(v.source, v.logicalTime); err != nil {
			return fmt.Errorf("voice: seek playhead: %w", err)
		}
	}
	if v.state == PlayingPhysical {
		if err := v.adapter.Play(v.source); err != nil {
			return fmt.Errorf("voice: start source: %w", err)
		}
	}
	return nil
}

// applyDirty writes every dirty parameter category to the backend. force
// bypasses hysteresis and re-commits every value regardless of cache.
func (v *Voice) applyDirty(force bool) error {
	if !v.hasSource {
		// virtual voices have no backend to write to; priority still
		// needs recomputing (pure, no backend write).
		if v.dirty&dirtyPriority != 0 {
			v.recomputeEffectivePriority()
		}
		return nil
	}

	busEff := bus.Effective{Gain: 1, Pitch: 1}
	if v.bus != nil {
		busEff = v.bus.Effective()
	}

	if v.dirty&dirtyGain != 0 {
		want := v.local.Gain * busEff.Gain
		if force || !v.gainCommitted || floatDiff(want, v.lastAppliedGain) > hysteresis {
			if err := v.adapter.SetSourceFloat(v.source, backend.ParamGain, want); err != nil {
				return fmt.Errorf("voice: set gain: %w", err)
			}
			v.lastAppliedGain = want
			v.gainCommitted = true
		}
	}

	if v.dirty&dirtyPitch != 0 {
		want := v.local.Pitch * busEff.Pitch
		if force || !v.pitchCommitted || floatDiff(want, v.lastAppliedPitch) > hysteresis {
			if err := v.adapter.SetSourceFloat(v.source, backend.ParamPitch, want); err != nil {
				return fmt.Errorf("voice: set pitch: %w", err)
			}
			v.lastAppliedPitch = want
			v.pitchCommitted = true
		}
	}

	if v.dirty&dirtyTransform != 0 {
		pos, vel := v.local.Position, v.local.Velocity
		if v.emitter != nil {
			ep, ev := v.emitter.Position(), v.emitter.Velocity()
			pos = backend.Vec3{X: pos.X + ep.X, Y: pos.Y + ep.Y, Z: pos.Z + ep.Z}
			vel = backend.Vec3{X: vel.X + ev.X, Y: vel.Y + ev.Y, Z: vel.Z + ev.Z}
		}
		if err := v.adapter.SetSourceVec3(v.source, backend.ParamPosition, pos); err != nil {
			return fmt.Errorf("voice: set position: %w", err)
		}
		if err := v.adapter.SetSourceVec3(v.source, backend.ParamVelocity, vel); err != nil {
			return fmt.Errorf("voice: set velocity: %w", err)
		}
	}

	if v.dirty&dirtyLooping != 0 {
		if err := v.adapter.SetSourceBool(v.source, backend.ParamLooping, v.local.Looping); err != nil {
			return fmt.Errorf("voice: set looping: %w", err)
		}
	}

	if v.dirty&dirtyMixMode != 0 {
		if err := v.applyMixMode(); err != nil {
			return err
		}
	}

	if v.dirty&dirtyAttenuation != 0 {
		if err := v.adapter.SetSourceFloat(v.source, backend.ParamRolloffFactor, v.local.RolloffFactor); err != nil {
			return fmt.Errorf("voice: set rolloff: %w", err)
		}
		if err := v.adapter.SetSourceFloat(v.source, backend.ParamReferenceDistance, v.local.ReferenceDistance); err != nil {
			return fmt.Errorf("voice: set reference distance: %w", err)
		}
		if v.local.MaxDistance > 0 {
			if err := v.adapter.SetSourceFloat(v.source, backend.ParamMaxDistance, v.local.MaxDistance); err != nil {
				return fmt.Errorf("voice: set max distance: %w", err)
			}
		}
	}

	if v.dirty&dirtyPriority != 0 {
		v.recomputeEffectivePriority()
	}

	return nil
}

func (v *Voice) applyMixMode() error {
	var spatialized, relative, direct bool
	switch v.local.MixMode {
	case Direct:
		spatialized, relative, direct = false, false, true
	case Relative:
		spatialized, relative, direct = true, true, false
	case Spatialized:
		spatialized, relative, direct = true, false, false
	}
	if err := v.adapter.SetSourceSpatialized(v.source, spatialized); err != nil {
		return fmt.Errorf("voice: set spatialized: %w", err)
	}
	if err := v.adapter.SetSourceDirectChannels(v.source, direct); err != nil {
		return fmt.Errorf("voice: set direct channels: %w", err)
	}
	if err := v.adapter.SetSourceBool(v.source, backend.ParamRelative, relative); err != nil {
		return fmt.Errorf("voice: set relative: %w", err)
	}
	return nil
}

func (v *Voice) recomputeEffectivePriority() {
	var emitterBias int32
	var busBias int32
	if v.emitter != nil {
		emitterBias = v.emitter.PriorityBias()
	}
	if v.bus != nil {
		busBias = v.bus.Effective().PriorityBias
	}
	v.effectivePriority = v.local.Priority + emitterBias + busBias
}

func floatDiff(a, b float32) float32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// --- streaming pump ---

func (v *Voice) pump() error {
	s, ok := v.gen.(*generator.Streaming)
	if !ok {
		return nil
	}

	processed, err := v.adapter.ProcessedBufferCount(v.source)
	if err != nil {
		return fmt.Errorf("voice: processed buffer count: %w", err)
	}
	if processed > 0 {
		unqueued, err := v.adapter.UnqueueBuffers(v.source)
		if err != nil {
			return fmt.Errorf("voice: unqueue buffers: %w", err)
		}
		for _, h := range unqueued {
			s.PushFree(h)
		}
	}

	for {
		h, ok := s.PopFilled()
		if !ok {
			break
		}
		if err := v.adapter.QueueBuffer(v.source, h); err != nil {
			return fmt.Errorf("voice: queue buffer: %w", err)
		}
	}

	st, err := v.adapter.SourceState(v.source)
	if err != nil {
		return fmt.Errorf("voice: source state: %w", err)
	}
	if st != backend.SourcePlaying {
		queued, err := v.adapter.QueuedBufferCount(v.source)
		if err != nil {
			return fmt.Errorf("voice: queued buffer count: %w", err)
		}
		switch {
		case queued > 0:
			if v.onUnderrun != nil {
				v.onUnderrun()
			}
			if err := v.adapter.Play(v.source); err != nil {
				return fmt.Errorf("voice: restart on underrun: %w", err)
			}
		case s.EndOfStream():
			if !v.local.Looping {
				return v.stop()
			}
			v.logicalTime = 0
			if s.Seekable() {
				_ = s.Seek(0)
			}
		}
	}
	return nil
}
