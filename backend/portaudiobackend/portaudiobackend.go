// Package portaudiobackend implements backend.Adapter on top of
// github.com/gordonklaus/portaudio, mixing every Playing source's queued
// PCM into a single stereo output stream with a background write loop —
// the real-hardware counterpart to backend/simbackend's deterministic
// Advance(dt) clock. It does not attempt spatialization (PortAudio has no
// such concept): ProbeExtension(backend.ExtSpatialization) always reports
// false, and SetSourceSpatialized/SetSourceDirectChannels only record the
// flag (nothing reads it back), per the voice layer's best-effort mix-mode
// write.
package portaudiobackend

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/duskwave/sonora/backend"
)

// DefaultFramesPerBuffer is the write-loop chunk size, chosen to keep
// latency low without starving the stream on a slow mixer pass.
const DefaultFramesPerBuffer = 512

const outputChannels = 2

type bufferState struct {
	format         backend.Format
	data           []byte
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
	queue        []backend.BufferHandle
	processed    []backend.BufferHandle
	playheadSecs float64
	framesInto   int
}

// Backend is a real PortAudio-backed Adapter. Every exported method may be
// called concurrently with the background mixing goroutine; mu guards all
// shared state the same way simbackend's mutex does.
type Backend struct {
	mu sync.Mutex

	opened          bool
	deviceName      string
	sampleRate      int
	framesPerBuffer int

	stream *portaudio.Stream
	outBuf []float32
	stopCh chan struct{}
	wg     sync.WaitGroup

	nextSource backend.SourceHandle
	sources    map[backend.SourceHandle]*sourceInternal

	nextBuffer backend.BufferHandle
	buffers    map[backend.BufferHandle]*bufferState

	listenerPos             backend.Vec3
	listenerVel             backend.Vec3
	listenerFwd, listenerUp backend.Vec3
}

var _ backend.Adapter = (*Backend)(nil)

// New constructs a Backend targeting sampleRate (Hz). OpenDevice performs
// the actual portaudio.Initialize and stream setup.
func New(sampleRate int) *Backend {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &Backend{
		sampleRate:      sampleRate,
		framesPerBuffer: DefaultFramesPerBuffer,
		sources:         make(map[backend.SourceHandle]*sourceInternal),
		buffers:         make(map[backend.BufferHandle]*bufferState),
	}
}

func (b *Backend) OpenDevice(ctx context.Context, deviceName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return fmt.Errorf("portaudiobackend: device already open")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudiobackend: initialize: %w", err)
	}

	dev, err := b.resolveOutputDeviceLocked(deviceName)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	b.outBuf = make([]float32, b.framesPerBuffer*outputChannels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: outputChannels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(b.sampleRate),
		FramesPerBuffer: b.framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, b.outBuf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudiobackend: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudiobackend: start stream: %w", err)
	}

	b.stream = stream
	b.deviceName = dev.Name
	b.opened = true
	b.stopCh = make(chan struct{})

	b.wg.Add(1)
	go b.writeLoop()
	return nil
}

func (b *Backend) resolveOutputDeviceLocked(deviceName string) (*portaudio.DeviceInfo, error) {
	if deviceName == "" {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudiobackend: default output device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudiobackend: enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceName && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudiobackend: no output device named %q", deviceName)
}

// writeLoop mixes Playing sources into outBuf and blocks on stream.Write
// until stopCh closes. Pa_StopStream (triggered from CloseDevice) causes
// the in-flight Write to return, the same shutdown sequence the capture
// side of a duplex stream relies on.
func (b *Backend) writeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.mu.Lock()
		b.mixLocked(b.outBuf)
		stream := b.stream
		b.mu.Unlock()

		if stream == nil {
			return
		}
		if err := stream.Write(); err != nil {
			return
		}
	}
}

// mixLocked sums every Playing source's queued PCM into out (interleaved
// stereo float32), applying per-source gain, and advances each source's
// playhead/queue by exactly len(out)/outputChannels frames — the real-time
// equivalent of simbackend's caller-driven Advance(dt).
func (b *Backend) mixLocked(out []float32) {
	for i := range out {
		out[i] = 0
	}
	nFrames := len(out) / outputChannels

	for _, s := range b.sources {
		if s.state != backend.SourcePlaying || len(s.queue) == 0 {
			continue
		}
		framesLeft := nFrames
		frameOffset := 0
		for framesLeft > 0 && len(s.queue) > 0 {
			bs := b.buffers[s.queue[0]]
			if bs == nil || bs.durationFrames == 0 {
				s.queue = s.queue[1:]
				continue
			}
			avail := bs.durationFrames - s.framesInto
			if avail <= 0 {
				s.framesInto = 0
				if s.looping && len(s.queue) == 1 {
					continue
				}
				s.processed = append(s.processed, s.queue[0])
				s.queue = s.queue[1:]
				continue
			}
			take := avail
			if take > framesLeft {
				take = framesLeft
			}
			mixFrames(out, frameOffset, take, bs, s.framesInto, s.gain)
			s.framesInto += take
			s.playheadSecs += float64(take) / float64(b.sampleRate) * float64(s.pitch)
			frameOffset += take
			framesLeft -= take

			if s.framesInto >= bs.durationFrames {
				s.framesInto = 0
				if !(s.looping && len(s.queue) == 1) {
					s.processed = append(s.processed, s.queue[0])
					s.queue = s.queue[1:]
				}
			}
		}
		if len(s.queue) == 0 {
			s.state = backend.SourceStopped
		}
	}
}

// mixFrames adds `frames` frames of bs starting at bs's frameOffset
// srcFrame, scaled by gain, into out starting at out frame dstFrame.
// Mono buffers are broadcast to both output channels; anything wider than
// stereo is downmixed by taking the first two channels.
func mixFrames(out []float32, dstFrame, frames int, bs *bufferState, srcFrame int, gain float32) {
	ch := bs.format.Channels
	if ch <= 0 {
		ch = 1
	}
	bytesPerSample := bs.format.BitsPerSample / 8
	if bytesPerSample <= 0 {
		bytesPerSample = 2
	}
	bytesPerFrame := ch * bytesPerSample

	for f := 0; f < frames; f++ {
		off := (srcFrame + f) * bytesPerFrame
		if off+bytesPerFrame > len(bs.data) {
			break
		}
		l, r := sampleFrame(bs.data[off:off+bytesPerFrame], bs.format, ch)
		oi := (dstFrame + f) * outputChannels
		if oi+1 >= len(out) {
			break
		}
		out[oi] += l * gain
		out[oi+1] += r * gain
	}
}

func sampleFrame(frame []byte, format backend.Format, channels int) (left, right float32) {
	read := func(idx int) float32 {
		switch format.Encoding {
		case backend.EncodingFloat:
			if (idx+1)*4 > len(frame) {
				return 0
			}
			bits := uint32(frame[idx*4]) | uint32(frame[idx*4+1])<<8 | uint32(frame[idx*4+2])<<16 | uint32(frame[idx*4+3])<<24
			return math.Float32frombits(bits)
		default:
			if (idx+1)*2 > len(frame) {
				return 0
			}
			v := int16(uint16(frame[idx*2]) | uint16(frame[idx*2+1])<<8)
			return float32(v) / 32768
		}
	}
	l := read(0)
	if channels >= 2 {
		return l, read(1)
	}
	return l, l
}

func (b *Backend) CloseDevice() error {
	b.mu.Lock()
	if !b.opened {
		b.mu.Unlock()
		return nil
	}
	stopCh := b.stopCh
	stream := b.stream
	b.opened = false
	b.mu.Unlock()

	close(stopCh)
	if stream != nil {
		_ = stream.Stop()
	}
	b.wg.Wait()
	if stream != nil {
		_ = stream.Close()
	}
	portaudio.Terminate()

	b.mu.Lock()
	b.stream = nil
	b.mu.Unlock()
	return nil
}

func (b *Backend) ResetDevice(ctx context.Context) error {
	deviceName := b.deviceName
	if err := b.CloseDevice(); err != nil {
		return err
	}
	return b.OpenDevice(ctx, deviceName)
}

func (b *Backend) EnumerateDevices(ctx context.Context) ([]backend.Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudiobackend: enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultOutputDevice()
	out := make([]backend.Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxOutputChannels <= 0 {
			continue
		}
		out = append(out, backend.Device{Name: d.Name, IsDefault: def != nil && d.Name == def.Name})
	}
	return out, nil
}

func (b *Backend) CreateSources(n int) ([]backend.SourceHandle, error) {
	if n < 0 {
		return nil, fmt.Errorf("portaudiobackend: negative source count")
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
		return nil, fmt.Errorf("portaudiobackend: unknown source %d", h)
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
		return fmt.Errorf("portaudiobackend: unsupported float param %q", key)
	}
	return nil
}

func (b *Backend) SetSourceInt(h backend.SourceHandle, key backend.ParamKey, v int) error {
	return fmt.Errorf("portaudiobackend: unsupported int param %q", key)
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
		return fmt.Errorf("portaudiobackend: unsupported bool param %q", key)
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
		return fmt.Errorf("portaudiobackend: unsupported vec3 param %q", key)
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
		return 0, fmt.Errorf("portaudiobackend: unsupported float param %q", key)
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
		return fmt.Errorf("portaudiobackend: unknown buffer %d", buf)
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
		return fmt.Errorf("portaudiobackend: unknown buffer %d", buf)
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

// ProbeExtension always reports spatialization as unsupported: PortAudio
// has no notion of it, and mixLocked never reads a source's position.
func (b *Backend) ProbeExtension(ext backend.Extension) bool {
	return false
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
