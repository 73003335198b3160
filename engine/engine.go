// Package engine implements the top-level per-frame tick loop: drain the
// marshaller, advance every voice, apply the listener, run the
// virtualization scheduler, reap finished one-shots, drain again. It is
// the one place that owns the bus tree, source pool, listener, and voice
// registry together, and the only component callers construct directly.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/bus"
	"github.com/duskwave/sonora/emitter"
	"github.com/duskwave/sonora/errs"
	"github.com/duskwave/sonora/generator"
	"github.com/duskwave/sonora/listener"
	"github.com/duskwave/sonora/marshaller"
	"github.com/duskwave/sonora/pool"
	"github.com/duskwave/sonora/resolver"
	"github.com/duskwave/sonora/voice"
)

// DefaultPoolCapacity is the source pool's default size.
const DefaultPoolCapacity = 256

// InitState tracks the engine's own lifecycle, independent of any single
// voice's state machine.
type InitState int

const (
	// Created: buses, pool, listener, marshaller exist; Tick has not run.
	Created InitState = iota
	// Running: at least one Tick has executed.
	Running
	// Disposed: Close has run; no further Tick calls are accepted.
	Disposed
)

func (s InitState) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Config configures a new Engine.
type Config struct {
	// Adapter is the backend driver all sources/buffers/listener writes go
	// through. Required.
	Adapter backend.Adapter

	// PoolCapacity is the fixed number of backend sources to pre-allocate.
	// Defaults to DefaultPoolCapacity if zero.
	PoolCapacity int

	// DefaultScheme qualifies bare resource paths passed to PlayOneShot /
	// Resolve. Defaults to "file".
	DefaultScheme string

	// ErrorHandler receives non-fatal errors raised off the normal
	// call/return path. Defaults to a charmbracelet/log-backed handler
	// if nil.
	ErrorHandler errs.ErrorHandler

	// Logger is used for the engine's own structured log lines
	// (independent of ErrorHandler, which callers may replace entirely).
	// Defaults to log.Default() if nil.
	Logger *log.Logger

	// MeterProvider supplies the OpenTelemetry meter used for per-tick
	// instrumentation. Defaults to the global provider if nil.
	MeterProvider metric.MeterProvider
}

// Engine owns the bus tree, source pool, listener, voice registry, and
// marshaller, and drives their per-tick update per its data-flow
// description.
type Engine struct {
	ID uuid.UUID

	mu        sync.Mutex
	initState InitState

	adapter  backend.Adapter
	m        *marshaller.Marshaller
	buses    *bus.Tree
	pool     *pool.Pool
	listener *listener.Listener
	resolver *resolver.Resolver

	errHandler errs.ErrorHandler
	logger     *log.Logger
	metrics    *Metrics

	// registry holds every live voice, persistent and one-shot alike, for
	// per-tick iteration. oneShots is the subset the reaping pass disposes
	// once they reach Stopped.
	registry []*voice.Voice
	oneShots map[*voice.Voice]struct{}

	prevPhysical, prevVirtual, prevOneShot int
}

// New constructs an Engine: opens no device itself (the caller's Adapter
// is expected to already be opened, per its device-lifecycle split), but
// does allocate the source pool up front.
func New(cfg Config) (*Engine, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("engine: Config.Adapter is required")
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = DefaultPoolCapacity
	}
	if cfg.DefaultScheme == "" {
		cfg.DefaultScheme = "file"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	errHandler := cfg.ErrorHandler
	if errHandler == nil {
		// Throttle repeated occurrences of the same transient error (a
		// backend stuck rejecting one parameter write every tick, say) to
		// at most a few log lines a second instead of one per voice per
		// frame.
		errHandler = errs.NewRateLimitedErrorHandler(errs.NewDefaultErrorHandler(logger), 2, 5, 0)
	}

	m := marshaller.New(errHandler)

	p, err := pool.New(cfg.Adapter, cfg.PoolCapacity)
	if err != nil {
		return nil, fmt.Errorf("engine: create source pool: %w", err)
	}

	metrics, err := NewMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("engine: create metrics: %w", err)
	}

	e := &Engine{
		ID:         uuid.New(),
		initState:  Created,
		adapter:    cfg.Adapter,
		m:          m,
		buses:      bus.NewTree(m),
		pool:       p,
		listener:   listener.New(m),
		resolver:   resolver.New(cfg.DefaultScheme),
		errHandler: errHandler,
		logger:     logger,
		metrics:    metrics,
		oneShots:   make(map[*voice.Voice]struct{}),
	}
	return e, nil
}

// Marshaller returns the engine's deferred-action queue, for components
// (emitters, buses, voices) constructed alongside it.
func (e *Engine) Marshaller() *marshaller.Marshaller { return e.m }

// Buses returns the bus tree.
func (e *Engine) Buses() *bus.Tree { return e.buses }

// Listener returns the world listener.
func (e *Engine) Listener() *listener.Listener { return e.listener }

// Pool returns the fixed-capacity source pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Resolver returns the URI resolver voices and PlayOneShot resolve
// generators through.
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }

// State returns the engine's own lifecycle state.
func (e *Engine) State() InitState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initState
}

// NewEmitter creates an emitter bound to this engine's marshaller.
func (e *Engine) NewEmitter() *emitter.Emitter { return emitter.New(e.m) }

// CreateVoice registers a new, caller-owned Voice backed by gen, mixing
// into defaultBus (Master if nil). The voice is Stopped until the caller
// calls Play. Voice construction itself does not touch audio-thread state
// beyond gen's atomic refcount, so it is safe to call from any goroutine;
// the new voice becomes visible to the tick loop no later than the next
// Tick call.
func (e *Engine) CreateVoice(gen generator.Generator, defaultBus *bus.Bus) *voice.Voice {
	if defaultBus == nil {
		defaultBus = e.buses.Root()
	}
	v := voice.New(e.m, e.pool, e.adapter, gen, defaultBus, false)
	v.SetOnUnderrun(e.recordUnderrun)
	e.mu.Lock()
	e.registry = append(e.registry, v)
	e.mu.Unlock()
	return v
}

// recordUnderrun feeds the streaming pump's underrun-recovery branch into
// the buffer-underrun counter.
func (e *Engine) recordUnderrun() {
	e.metrics.BufferUnderruns.Add(context.Background(), 1)
}

// CreateVoiceOnEmitter registers a new, caller-owned Voice backed by gen
// and bound to em: the voice mixes into the emitter's bus override (Master
// if none) and follows the emitter's transform and priority bias.
func (e *Engine) CreateVoiceOnEmitter(gen generator.Generator, em *emitter.Emitter) *voice.Voice {
	b := em.BusOverride()
	if b == nil {
		b = e.buses.Root()
	}
	v := voice.New(e.m, e.pool, e.adapter, gen, b, false)
	v.SetOnUnderrun(e.recordUnderrun)
	if err := v.AttachToEmitter(em); err != nil {
		e.errHandler.HandleError(fmt.Errorf("engine: attach voice %s to emitter %s: %w", v.ID, em.ID, err))
	}
	e.mu.Lock()
	e.registry = append(e.registry, v)
	e.mu.Unlock()
	return v
}

// PlayOneShot resolves uri to a generator, creates an engine-owned one-shot
// voice for it, and plays it immediately. A resolution miss or decode
// failure is reported to the engine's ErrorHandler rather than returned,
// so fire-and-forget callers still get a diagnostic instead of silence.
// Returns the created voice, or nil if resolution failed.
func (e *Engine) PlayOneShot(ctx context.Context, uri string, defaultBus *bus.Bus) *voice.Voice {
	return e.playOneShot(ctx, uri, defaultBus, nil)
}

// PlayOneShotOnEmitter is PlayOneShot routed through an emitter: the voice
// mixes into the emitter's bus override (Master if none) and follows its
// transform for the one-shot's whole lifetime.
func (e *Engine) PlayOneShotOnEmitter(ctx context.Context, uri string, em *emitter.Emitter) *voice.Voice {
	return e.playOneShot(ctx, uri, em.BusOverride(), em)
}

func (e *Engine) playOneShot(ctx context.Context, uri string, defaultBus *bus.Bus, em *emitter.Emitter) *voice.Voice {
	gen, err := e.resolver.Resolve(ctx, uri)
	if err != nil {
		e.errHandler.HandleError(fmt.Errorf("engine: play one-shot %q: resolve: %w", uri, err))
		return nil
	}
	if gen == nil {
		e.errHandler.HandleError(fmt.Errorf("engine: play one-shot %q: no generator resolved", uri))
		return nil
	}
	if streaming, ok := gen.(*generator.Streaming); ok {
		streaming.SetOnError(e.errHandler.HandleError)
	}
	if defaultBus == nil {
		defaultBus = e.buses.Root()
	}
	v := voice.New(e.m, e.pool, e.adapter, gen, defaultBus, true)
	v.SetOnUnderrun(e.recordUnderrun)
	if em != nil {
		if err := v.AttachToEmitter(em); err != nil {
			e.errHandler.HandleError(fmt.Errorf("engine: play one-shot %q: attach emitter: %w", uri, err))
		}
	}
	e.mu.Lock()
	e.registry = append(e.registry, v)
	e.oneShots[v] = struct{}{}
	e.mu.Unlock()

	if err := v.Play(); err != nil {
		e.errHandler.HandleError(fmt.Errorf("engine: play one-shot %q: %w", uri, err))
	}
	return v
}

// RemoveVoice drops v from the registry without disposing it. Callers
// that manage a persistent voice's lifetime themselves call this after
// calling v.Dispose(), so the engine stops iterating a disposed voice.
func (e *Engine) RemoveVoice(v *voice.Voice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(v)
}

func (e *Engine) removeLocked(v *voice.Voice) {
	for i, cand := range e.registry {
		if cand == v {
			e.registry = append(e.registry[:i], e.registry[i+1:]...)
			break
		}
	}
	delete(e.oneShots, v)
}

// Tick runs exactly one frame of the engine's data flow: drain the
// marshaller, advance every voice, apply the listener, run the
// virtualization pass, reap finished one-shots, drain once more. Must be
// called only from the engine's single designated audio thread, never
// concurrently with itself.
func (e *Engine) Tick(dt float64) error {
	e.mu.Lock()
	if e.initState == Disposed {
		e.mu.Unlock()
		return fmt.Errorf("engine: tick on disposed engine")
	}
	e.initState = Running
	voices := make([]*voice.Voice, len(e.registry))
	copy(voices, e.registry)
	e.mu.Unlock()

	ctx := context.Background()
	start := time.Now()
	defer func() { e.metrics.TickDuration.Record(ctx, time.Since(start).Seconds()) }()

	e.m.Drain()

	var fatal error
	for _, v := range voices {
		if err := v.Update(dt); err != nil {
			e.metrics.BackendErrors.Add(ctx, 1)
			e.errHandler.HandleError(fmt.Errorf("engine: voice %s update: %w", v.ID, err))
			if fatal == nil && e.adapter.IsFatal(err) {
				fatal = err
			}
		}
	}
	if fatal != nil {
		if err := e.Close(); err != nil {
			e.errHandler.HandleError(err)
		}
		return fmt.Errorf("engine: fatal backend error, engine disposed: %w", fatal)
	}

	if err := e.listener.Apply(e.adapter); err != nil {
		e.metrics.BackendErrors.Add(ctx, 1)
		e.errHandler.HandleError(fmt.Errorf("engine: apply listener: %w", err))
	}

	e.virtualize(ctx, voices)
	e.reapOneShots(voices)

	e.m.Drain()

	e.recordVoiceCounts(ctx, voices)
	return nil
}

// virtualize runs the promotion pass: every virtual voice attempts to rent
// a source; success promotes it via hydration. It never preempts a
// physical voice to make room (see DESIGN.md).
func (e *Engine) virtualize(ctx context.Context, voices []*voice.Voice) {
	for _, v := range voices {
		if !v.State().IsVirtual() {
			continue
		}
		promoted, err := v.Promote()
		if err != nil {
			e.metrics.BackendErrors.Add(ctx, 1)
			e.errHandler.HandleError(fmt.Errorf("engine: promote voice %s: %w", v.ID, err))
			continue
		}
		if !promoted {
			e.metrics.PoolExhausted.Add(ctx, 1)
		}
	}
}

// reapOneShots disposes every one-shot voice that has reached Stopped and
// drops it from the registry.
func (e *Engine) reapOneShots(voices []*voice.Voice) {
	var toRemove []*voice.Voice
	for _, v := range voices {
		e.mu.Lock()
		_, oneShot := e.oneShots[v]
		e.mu.Unlock()
		if !oneShot || v.State() != voice.Stopped {
			continue
		}
		if err := v.Dispose(); err != nil {
			e.errHandler.HandleError(fmt.Errorf("engine: reap one-shot %s: %w", v.ID, err))
		}
		toRemove = append(toRemove, v)
	}
	if len(toRemove) == 0 {
		return
	}
	e.mu.Lock()
	for _, v := range toRemove {
		e.removeLocked(v)
	}
	e.mu.Unlock()
}

func (e *Engine) recordVoiceCounts(ctx context.Context, voices []*voice.Voice) {
	var physical, virtual, oneShot int
	e.mu.Lock()
	oneShotSet := e.oneShots
	for _, v := range voices {
		switch {
		case v.State().IsPhysical():
			physical++
		case v.State().IsVirtual():
			virtual++
		}
		if _, ok := oneShotSet[v]; ok {
			oneShot++
		}
	}
	e.mu.Unlock()

	e.metrics.setVoiceCounts(ctx, physical, virtual, oneShot, e.prevPhysical, e.prevVirtual, e.prevOneShot)
	e.prevPhysical, e.prevVirtual, e.prevOneShot = physical, virtual, oneShot
}

// VoiceCounts returns a snapshot of the current physical/virtual/one-shot
// voice counts. The physical count can never exceed the pool capacity.
func (e *Engine) VoiceCounts() (physical, virtual, oneShot int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.registry {
		switch {
		case v.State().IsPhysical():
			physical++
		case v.State().IsVirtual():
			virtual++
		}
		if _, ok := e.oneShots[v]; ok {
			oneShot++
		}
	}
	return physical, virtual, oneShot
}

// Close disposes every voice still in the registry, closes the source
// pool, and marks the engine Disposed. Further Tick calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.initState == Disposed {
		e.mu.Unlock()
		return nil
	}
	voices := make([]*voice.Voice, len(e.registry))
	copy(voices, e.registry)
	e.registry = nil
	e.oneShots = make(map[*voice.Voice]struct{})
	e.initState = Disposed
	e.mu.Unlock()

	for _, v := range voices {
		if err := v.Dispose(); err != nil {
			e.errHandler.HandleError(fmt.Errorf("engine: dispose voice %s on close: %w", v.ID, err))
		}
	}
	e.m.Drain()
	e.m.Close()

	if err := e.pool.Close(); err != nil {
		return fmt.Errorf("engine: close source pool: %w", err)
	}
	return nil
}
