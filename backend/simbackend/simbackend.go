// Package simbackend is a deterministic, allocation-light in-memory
// implementation of backend.Adapter. It models source/buffer state and
// playhead advancement under the caller's own clock (via Advance) instead
// of real time, which is what makes scheduling behavior — source counts,
// buffer conservation, round-trip rewinds — assertable without flakiness.
// It is the implementation the engine-level tests run against (only
// backend/portaudiobackend's own tests use another adapter), and the
// default backend for the demo CLI.
package simbackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/duskwave/sonora/backend"
)

type bufferState struct {
	format backend.Format
	data   []byte
	// durationFrames approximates how many frames of audio this buffer
	// holds, derived from len(data) and format; used only to drive
	// deterministic playhead advancement in Advance.
	durationFrames int
}

type sourceInternal struct {
	state        backend.SourceState
	gain         float32
	pitch        float32
	looping      bool
	rolloff      float32
	refDistance  float32
	maxDistance  float32
	position     backend.Vec3
	velocity     backend.Vec3
	spatialized  bool
	directChans  bool
	relative     bool
	queue        []backend.BufferHandle // buffers queued, in play order
	processed    []backend.BufferHandle // buffers fully consumed, awaiting unqueue
	playheadSecs float64
	framesInto   int // how far into queue[0] the playhead is, in frames
}

// Backend is the simbackend Adapter implementation.
type Backend struct {
	mu sync.Mutex

	opened     bool
	deviceName string

	nextSource backend.SourceHandle
	sources    map[backend.SourceHandle]*sourceInternal

	nextBuffer backend.BufferHandle
	buffers    map[backend.BufferHandle]*bufferState

	extensions map[backend.Extension]bool

	listenerPos             backend.Vec3
	listenerVel             backend.Vec3
	listenerFwd, listenerUp backend.Vec3

	sampleRate int // used to convert seconds<->frames for Advance
}

var _ backend.Adapter = (*Backend)(nil)

// New constructs a Backend. sampleRate is used only to translate between
// seconds and frames for the deterministic Advance(dt) clock; it need not
// match any real device.
func New(sampleRate int) *Backend {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &Backend{
		sources: make(map[backend.SourceHandle]*sourceInternal),
		buffers: make(map[backend.BufferHandle]*bufferState),
		extensions: map[backend.Extension]bool{
			backend.ExtSpatialization: true,
			backend.ExtDirectChannels: true,
			backend.ExtHRTF:           false,
		},
		sampleRate: sampleRate,
	}
}

func (b *Backend) OpenDevice(ctx context.Context, deviceName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = true
	b.deviceName = deviceName
	return nil
}

func (b *Backend) CloseDevice() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = false
	return nil
}

func (b *Backend) ResetDevice(ctx context.Context) error {
	return nil
}

func (b *Backend) EnumerateDevices(ctx context.Context) ([]backend.Device, error) {
	return []backend.Device{{Name: "sim-default", IsDefault: true}}, nil
}

func (b *Backend) CreateSources(n int) ([]backend.SourceHandle, error) {
	if n < 0 {
		return nil, fmt.Errorf("simbackend: negative source count")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.SourceHandle, 0, n)
	for i := 0; i < n; i++ {
		b.nextSource++
		h := b.nextSource
		b.sources[h] = &sourceInternal{state: backend.SourceInitial, gain: 1, pitch: 1}
		out = append(out, h)
	}
	return out, nil
}

func (b *Backend) DestroySources(handles []backend.SourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range handles {
		delete(b.sources, h)
	}
	return nil
}

func (b *Backend) source(h backend.SourceHandle) (*sourceInternal, error) {
	s, ok := b.sources[h]
	if !ok {
		return nil, fmt.Errorf("simbackend: unknown source %d", h)
	}
	return s, nil
}

func (b *Backend) SetSourceFloat(h backend.SourceHandle, key backend.ParamKey, v float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	switch key {
	case backend.ParamGain:
		s.gain = v
	case backend.ParamPitch:
		s.pitch = v
	case backend.ParamRolloffFactor:
		s.rolloff = v
	case backend.ParamReferenceDistance:
		s.refDistance = v
	case backend.ParamMaxDistance:
		s.maxDistance = v
	default:
		return fmt.Errorf("simbackend: unsupported float param %q", key)
	}
	return nil
}

func (b *Backend) SetSourceInt(h backend.SourceHandle, key backend.ParamKey, v int) error {
	return fmt.Errorf("simbackend: unsupported int param %q", key)
}

func (b *Backend) SetSourceBool(h backend.SourceHandle, key backend.ParamKey, v bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	switch key {
	case backend.ParamLooping:
		s.looping = v
	case backend.ParamRelative:
		s.relative = v
	default:
		return fmt.Errorf("simbackend: unsupported bool param %q", key)
	}
	return nil
}

func (b *Backend) SetSourceVec3(h backend.SourceHandle, key backend.ParamKey, v backend.Vec3) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	switch key {
	case backend.ParamPosition:
		s.position = v
	case backend.ParamVelocity:
		s.velocity = v
	default:
		return fmt.Errorf("simbackend: unsupported vec3 param %q", key)
	}
	return nil
}

func (b *Backend) GetSourceFloat(h backend.SourceHandle, key backend.ParamKey) (float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return 0, err
	}
	switch key {
	case backend.ParamGain:
		return s.gain, nil
	case backend.ParamPitch:
		return s.pitch, nil
	default:
		return 0, fmt.Errorf("simbackend: unsupported float param %q", key)
	}
}

func (b *Backend) QueueBuffer(h backend.SourceHandle, buf backend.BufferHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	if _, ok := b.buffers[buf]; !ok {
		return fmt.Errorf("simbackend: unknown buffer %d", buf)
	}
	s.queue = append(s.queue, buf)
	return nil
}

func (b *Backend) UnqueueBuffers(h backend.SourceHandle) ([]backend.BufferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return nil, err
	}
	out := s.processed
	s.processed = nil
	return out, nil
}

func (b *Backend) ProcessedBufferCount(h backend.SourceHandle) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return 0, err
	}
	return len(s.processed), nil
}

func (b *Backend) QueuedBufferCount(h backend.SourceHandle) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return 0, err
	}
	return len(s.queue), nil
}

func (b *Backend) Play(h backend.SourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.state = backend.SourcePlaying
	return nil
}

func (b *Backend) Pause(h backend.SourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.state = backend.SourcePaused
	return nil
}

func (b *Backend) Stop(h backend.SourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.state = backend.SourceStopped
	// Stopping marks the remaining queue processed rather than discarding
	// it, so a follow-up UnqueueBuffers recovers every buffer still on the
	// source.
	s.processed = append(s.processed, s.queue...)
	s.queue = nil
	s.playheadSecs = 0
	s.framesInto = 0
	return nil
}

func (b *Backend) Rewind(h backend.SourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.playheadSecs = 0
	s.framesInto = 0
	return nil
}

func (b *Backend) SourceState(h backend.SourceHandle) (backend.SourceState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return backend.SourceInitial, err
	}
	return s.state, nil
}

func (b *Backend) Playhead(h backend.SourceHandle) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return 0, err
	}
	return s.playheadSecs, nil
}

func (b *Backend) SeekPlayhead(h backend.SourceHandle, seconds float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.playheadSecs = seconds
	return nil
}

func (b *Backend) CreateBuffer(format backend.Format) (backend.BufferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextBuffer++
	h := b.nextBuffer
	b.buffers[h] = &bufferState{format: format}
	return h, nil
}

func (b *Backend) DestroyBuffer(buf backend.BufferHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, buf)
	return nil
}

func (b *Backend) UploadPCM(buf backend.BufferHandle, format backend.Format, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.buffers[buf]
	if !ok {
		return fmt.Errorf("simbackend: unknown buffer %d", buf)
	}
	bs.format = format
	bs.data = data
	bytesPerFrame := format.Channels * (format.BitsPerSample / 8)
	if bytesPerFrame <= 0 {
		bytesPerFrame = 1
	}
	bs.durationFrames = len(data) / bytesPerFrame
	return nil
}

func (b *Backend) SetListenerPosition(v backend.Vec3) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenerPos = v
	return nil
}

func (b *Backend) SetListenerVelocity(v backend.Vec3) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenerVel = v
	return nil
}

func (b *Backend) SetListenerOrientation(forward, up backend.Vec3) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenerFwd = forward
	b.listenerUp = up
	return nil
}

func (b *Backend) ProbeExtension(ext backend.Extension) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extensions[ext]
}

func (b *Backend) SetSourceSpatialized(h backend.SourceHandle, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.spatialized = on
	return nil
}

func (b *Backend) SetSourceDirectChannels(h backend.SourceHandle, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return err
	}
	s.directChans = on
	return nil
}

func (b *Backend) IsFatal(err error) bool {
	return false
}

// SourcePosition is simbackend-specific (not part of backend.Adapter): it
// exposes a source's last-written position for tests to assert against,
// since Adapter itself only offers GetSourceFloat for scalar params.
func (b *Backend) SourcePosition(h backend.SourceHandle) (backend.Vec3, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.source(h)
	if err != nil {
		return backend.Vec3{}, err
	}
	return s.position, nil
}

// Advance is simbackend-specific (not part of backend.Adapter): it moves
// every Playing source's playhead forward by dt seconds (scaled by each
// source's pitch), draining frames out of the head of its queue into
// processed once a buffer's duration has fully elapsed. This is what lets
// tests drive the streaming pump deterministically tick-by-tick instead of
// depending on real-time audio callbacks.
func (b *Backend) Advance(dt float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sources {
		if s.state != backend.SourcePlaying {
			continue
		}
		if len(s.queue) == 0 {
			continue
		}
		s.playheadSecs += dt * float64(s.pitch)
		framesAdvanced := int(dt * float64(s.pitch) * float64(b.sampleRate))
		s.framesInto += framesAdvanced
		// A single looping buffer models native AL_LOOPING: the hardware
		// wraps the playhead forever without reporting processed buffers
		// or a stopped state.
		if s.looping && len(s.queue) == 1 {
			bs := b.buffers[s.queue[0]]
			dur := 1
			if bs != nil && bs.durationFrames > 0 {
				dur = bs.durationFrames
			}
			if dur > 0 {
				s.framesInto %= dur
			}
			continue
		}
		for len(s.queue) > 0 {
			head := s.queue[0]
			bs := b.buffers[head]
			dur := 1
			if bs != nil && bs.durationFrames > 0 {
				dur = bs.durationFrames
			}
			if s.framesInto < dur {
				break
			}
			s.framesInto -= dur
			s.queue = s.queue[1:]
			s.processed = append(s.processed, head)
		}
		if len(s.queue) == 0 {
			s.state = backend.SourceStopped
		}
	}
}
