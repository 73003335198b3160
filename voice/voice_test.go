package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/backend/simbackend"
	"github.com/duskwave/sonora/bus"
	"github.com/duskwave/sonora/emitter"
	"github.com/duskwave/sonora/errs"
	"github.com/duskwave/sonora/generator"
	"github.com/duskwave/sonora/generator/decode/pcmraw"
	"github.com/duskwave/sonora/internal/testutil"
	"github.com/duskwave/sonora/marshaller"
	"github.com/duskwave/sonora/pool"
)

func testFormat() backend.Format {
	return backend.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16, Encoding: backend.EncodingIntegerPCM}
}

// newStaticGen builds a Static generator holding frames samples of silence
// (2 bytes/frame at the test format), so its duration in seconds is
// frames/1000.
func newStaticGen(t *testing.T, adapter backend.Adapter, frames int) *generator.Static {
	t.Helper()
	dec := pcmraw.New(testFormat(), make([]byte, frames*2))
	g, err := generator.NewStatic(adapter, dec)
	require.NoError(t, err)
	return g
}

func setup(t *testing.T, capacity int) (*marshaller.Marshaller, *bus.Tree, *pool.Pool, *simbackend.Backend) {
	t.Helper()
	m := marshaller.New(errs.NewCollectingErrorHandler())
	adapter := simbackend.New(1000)
	tree := bus.NewTree(m)
	p, err := pool.New(adapter, capacity)
	require.NoError(t, err)
	return m, tree, p, adapter
}

func TestPlayFromStoppedRentsSourceAndHydrates(t *testing.T) {
	m, tree, p, adapter := setup(t, 2)
	gen := newStaticGen(t, adapter, 500)

	v := New(m, p, adapter, gen, tree.Root(), false)
	require.NoError(t, v.SetGain(0.5))
	require.NoError(t, v.Play())
	m.Drain()

	require.Equal(t, PlayingPhysical, v.State())
	require.Equal(t, 1, p.InUse())

	st, err := adapter.SourceState(v.source)
	require.NoError(t, err)
	require.Equal(t, backend.SourcePlaying, st)

	gain, err := adapter.GetSourceFloat(v.source, backend.ParamGain)
	require.NoError(t, err)
	require.InDelta(t, 0.5, gain, 1e-6)
}

func TestPlayVirtualizesWhenPoolExhausted(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	genA := newStaticGen(t, adapter, 500)
	genB := newStaticGen(t, adapter, 500)

	a := New(m, p, adapter, genA, tree.Root(), false)
	b := New(m, p, adapter, genB, tree.Root(), false)

	require.NoError(t, a.Play())
	require.NoError(t, b.Play())
	m.Drain()

	require.Equal(t, PlayingPhysical, a.State())
	require.Equal(t, PlayingVirtual, b.State())
	require.Equal(t, 0, p.Available())
}

func TestStopReleasesSourceBackToPool(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	gen := newStaticGen(t, adapter, 500)
	v := New(m, p, adapter, gen, tree.Root(), false)

	require.NoError(t, v.Play())
	m.Drain()
	require.Equal(t, 0, p.Available())

	require.NoError(t, v.Stop())
	m.Drain()
	require.Equal(t, Stopped, v.State())
	require.Equal(t, 1, p.Available())
}

func TestVirtualVoiceAccumulatesLogicalTimeAndStops(t *testing.T) {
	m, tree, p, adapter := setup(t, 0) // no sources at all: always virtual
	gen := newStaticGen(t, adapter, 1000)
	v := New(m, p, adapter, gen, tree.Root(), false)

	require.NoError(t, v.Play())
	m.Drain()
	require.Equal(t, PlayingVirtual, v.State())

	require.NoError(t, v.Update(0.5))
	require.InDelta(t, 0.5, v.LogicalTime(), 1e-9)
	require.Equal(t, PlayingVirtual, v.State())

	require.NoError(t, v.Update(0.6)) // crosses the 1s duration
	require.Equal(t, Stopped, v.State())
}

func TestVirtualVoiceLoopsInsteadOfStopping(t *testing.T) {
	m, tree, p, adapter := setup(t, 0)
	gen := newStaticGen(t, adapter, 1000) // 1 second duration
	v := New(m, p, adapter, gen, tree.Root(), false)
	require.NoError(t, v.SetLooping(true))
	require.NoError(t, v.Play())
	m.Drain()

	require.NoError(t, v.Update(1.5))
	require.Equal(t, PlayingVirtual, v.State())
	require.InDelta(t, 0.5, v.LogicalTime(), 1e-9)
}

func TestBusGainCascadeAppliesToPhysicalVoice(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	stop := testutil.AutoDrain(m) // bus.ResolveOrCreate blocks on a drain
	sfx, err := tree.ResolveOrCreate("sfx")
	stop()
	require.NoError(t, err)

	gen := newStaticGen(t, adapter, 500)
	v := New(m, p, adapter, gen, sfx, false)
	require.NoError(t, v.Play())
	m.Drain()

	require.NoError(t, sfx.SetGain(tree, 0.25))
	m.Drain()
	require.NoError(t, v.Update(0))

	gain, err := adapter.GetSourceFloat(v.source, backend.ParamGain)
	require.NoError(t, err)
	require.InDelta(t, 0.25, gain, 1e-6)
}

func TestEmitterAttachComposesWorldPosition(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	gen := newStaticGen(t, adapter, 500)
	v := New(m, p, adapter, gen, tree.Root(), false)
	e := emitter.New(m)

	require.NoError(t, v.AttachToEmitter(e))
	require.NoError(t, v.SetPosition(backend.Vec3{X: 1}))
	require.NoError(t, v.Play())
	m.Drain()

	require.NoError(t, e.SetTransform(backend.Vec3{X: 10}, backend.Vec3{}))
	m.Drain()
	require.NoError(t, v.Update(0))

	pos, err := simbackendSourcePosition(adapter, v.source)
	require.NoError(t, err)
	require.Equal(t, backend.Vec3{X: 11}, pos, "world position = emitter + local offset")
}

// simbackendSourcePosition reads a source's position back out. Adapter has
// no GetSourceVec3, so this calls simbackend's test-observability accessor
// SourcePosition directly.
func simbackendSourcePosition(b *simbackend.Backend, h backend.SourceHandle) (backend.Vec3, error) {
	return b.SourcePosition(h)
}

func TestDisposeReleasesGeneratorReference(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	gen := newStaticGen(t, adapter, 500)
	require.Equal(t, 1, gen.RefCount())

	v := New(m, p, adapter, gen, tree.Root(), false)
	require.Equal(t, 2, gen.RefCount())

	require.NoError(t, v.Dispose())
	m.Drain()
	require.Equal(t, Disposed, v.State())
	require.Equal(t, 1, gen.RefCount())
}

func TestRewindResetsLogicalTimeWithoutChangingState(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	gen := newStaticGen(t, adapter, 1000)
	v := New(m, p, adapter, gen, tree.Root(), false)
	require.NoError(t, v.Play())
	m.Drain()

	require.NoError(t, v.Update(0.3))
	require.NoError(t, v.Rewind())
	m.Drain()

	require.Equal(t, PlayingPhysical, v.State())
	require.InDelta(t, 0, v.LogicalTime(), 1e-9)

	playhead, err := adapter.Playhead(v.source)
	require.NoError(t, err)
	require.InDelta(t, 0, playhead, 1e-9)
}

// streamConservation asserts that every buffer the generator owns is
// accounted for: in the free set, the filled set, or attached to the
// consuming source (queued or processed-awaiting-unqueue).
func streamConservation(t *testing.T, adapter *simbackend.Backend, v *Voice, s *generator.Streaming, total int) {
	t.Helper()
	queued, processed := 0, 0
	if v.hasSource {
		var err error
		queued, err = adapter.QueuedBufferCount(v.source)
		require.NoError(t, err)
		processed, err = adapter.ProcessedBufferCount(v.source)
		require.NoError(t, err)
	}
	sum := s.FreeCount() + s.FilledCount() + queued + processed
	require.True(t, sum == total || sum == total-1,
		"free+filled+on-source must equal the ring size (at most one buffer in flight with the producer), got %d of %d", sum, total)
}

func TestStreamingVoicePumpsAndStopsAtEndOfStream(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	// 2000 bytes = 1s at the test format, well under one decode chunk, so
	// the producer fills a single buffer and reaches end-of-stream.
	dec := pcmraw.New(testFormat(), make([]byte, 2000))
	upload := func(job func()) { _ = m.Submit(func() error { job(); return nil }) }
	s, err := generator.NewStreaming(adapter, dec, 2, false, upload)
	require.NoError(t, err)

	v := New(m, p, adapter, s, tree.Root(), false)
	require.NoError(t, v.Play())
	m.Drain()
	require.Equal(t, PlayingPhysical, v.State())

	require.Eventually(t, func() bool {
		m.Drain()
		require.NoError(t, v.Update(0.1))
		adapter.Advance(0.1)
		streamConservation(t, adapter, v, s, 2)
		return v.State() == Stopped
	}, 5*time.Second, time.Millisecond)
	require.Zero(t, v.LogicalTime())
}

func TestStreamingVoiceLoopsThroughUnderruns(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	dec := pcmraw.New(testFormat(), make([]byte, 400)) // 0.2s per pass
	upload := func(job func()) { _ = m.Submit(func() error { job(); return nil }) }
	s, err := generator.NewStreaming(adapter, dec, 2, false, upload)
	require.NoError(t, err)

	v := New(m, p, adapter, s, tree.Root(), false)
	require.NoError(t, v.SetLooping(true))
	require.NoError(t, v.Play())
	m.Drain()
	require.Equal(t, PlayingPhysical, v.State())

	// The producer fills one 0.2s buffer and then reaches end-of-stream.
	// With looping written to the source, simbackend wraps that single
	// queued buffer natively, so the pump keeps seeing a Playing source.
	// The voice must stay in Playing-Physical on every tick and never leak
	// a buffer.
	for i := 0; i < 100; i++ {
		m.Drain()
		require.NoError(t, v.Update(0.1))
		adapter.Advance(0.1)
		streamConservation(t, adapter, v, s, 2)
		require.Equal(t, PlayingPhysical, v.State())
		time.Sleep(time.Millisecond)
	}
}

func TestStopSeeksStreamingGeneratorToStart(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	dec := pcmraw.New(testFormat(), make([]byte, 2000))
	upload := func(job func()) { _ = m.Submit(func() error { job(); return nil }) }
	s, err := generator.NewStreaming(adapter, dec, 2, false, upload)
	require.NoError(t, err)

	v := New(m, p, adapter, s, tree.Root(), false)
	require.NoError(t, v.Play())
	m.Drain()

	// Let the producer drain the whole stream.
	require.Eventually(t, func() bool {
		m.Drain()
		return s.EndOfStream()
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, v.Stop())
	m.Drain()
	require.Equal(t, Stopped, v.State())
	require.Zero(t, v.LogicalTime())

	// The stop seeked the stream back to its start, so the producer resumes
	// decoding from the top and refills buffers for the next play.
	require.Eventually(t, func() bool {
		m.Drain()
		return s.FilledCount() > 0
	}, 5*time.Second, time.Millisecond)
}

func TestStopMidPlaybackRecoversQueuedStreamingBuffers(t *testing.T) {
	m, tree, p, adapter := setup(t, 1)
	// Several decode chunks' worth of data, so the ring stays full and
	// end-of-stream is never reached while buffers sit on the source.
	dec := pcmraw.New(testFormat(), make([]byte, 200*1024))
	upload := func(job func()) { _ = m.Submit(func() error { job(); return nil }) }
	s, err := generator.NewStreaming(adapter, dec, 2, false, upload)
	require.NoError(t, err)

	v := New(m, p, adapter, s, tree.Root(), false)
	require.NoError(t, v.Play())
	m.Drain()
	require.Equal(t, PlayingPhysical, v.State())

	// Wait until the pump has actually put a buffer on the source.
	require.Eventually(t, func() bool {
		m.Drain()
		require.NoError(t, v.Update(0.01))
		queued, err := adapter.QueuedBufferCount(v.source)
		require.NoError(t, err)
		return queued > 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, v.Stop())
	m.Drain()
	require.Equal(t, Stopped, v.State())

	// Every buffer that was still on the source must be back with the
	// generator; a mid-playback stop may not leak any of the ring.
	require.Eventually(t, func() bool {
		m.Drain()
		return s.FreeCount()+s.FilledCount() == 2
	}, 5*time.Second, time.Millisecond)

	// The ring survived, so a replay pumps again from the start.
	require.NoError(t, v.Play())
	m.Drain()
	require.Equal(t, PlayingPhysical, v.State())
	require.Eventually(t, func() bool {
		m.Drain()
		require.NoError(t, v.Update(0.01))
		queued, err := adapter.QueuedBufferCount(v.source)
		require.NoError(t, err)
		return queued > 0
	}, 5*time.Second, time.Millisecond)
}
