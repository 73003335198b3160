package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/backend/simbackend"
	"github.com/duskwave/sonora/generator"
	"github.com/duskwave/sonora/generator/decode/pcmraw"
	"github.com/duskwave/sonora/internal/testutil"
	"github.com/duskwave/sonora/resolver"
	"github.com/duskwave/sonora/voice"
)

func testFormat() backend.Format {
	return backend.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16, Encoding: backend.EncodingIntegerPCM}
}

func newStaticGen(t *testing.T, adapter backend.Adapter, frames int) *generator.Static {
	t.Helper()
	dec := pcmraw.New(testFormat(), make([]byte, frames*2))
	g, err := generator.NewStatic(adapter, dec)
	require.NoError(t, err)
	return g
}

func newTestEngine(t *testing.T, capacity int) (*Engine, *simbackend.Backend) {
	t.Helper()
	adapter := simbackend.New(1000)
	e, err := New(Config{Adapter: adapter, PoolCapacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, adapter
}

func TestPoolExhaustionVirtualization(t *testing.T) {
	e, adapter := newTestEngine(t, 2)

	genA := newStaticGen(t, adapter, 1000)
	genB := newStaticGen(t, adapter, 1000)
	genC := newStaticGen(t, adapter, 1000)

	a := e.CreateVoice(genA, nil)
	b := e.CreateVoice(genB, nil)
	c := e.CreateVoice(genC, nil)

	require.NoError(t, a.Play())
	require.NoError(t, b.Play())
	require.NoError(t, c.Play())

	require.NoError(t, e.Tick(0.01))

	require.Equal(t, voice.PlayingPhysical, a.State())
	require.Equal(t, voice.PlayingPhysical, b.State())
	require.Equal(t, voice.PlayingVirtual, c.State())

	require.NoError(t, a.Dispose())
	require.NoError(t, e.Tick(0.01))

	require.Equal(t, voice.PlayingPhysical, c.State())
}

// |physical voices| ≤ pool capacity at every tick boundary.
func TestSourceBudgetNeverExceedsCapacity(t *testing.T) {
	e, adapter := newTestEngine(t, 3)
	var voices []*voice.Voice
	for i := 0; i < 10; i++ {
		g := newStaticGen(t, adapter, 1000)
		v := e.CreateVoice(g, nil)
		require.NoError(t, v.Play())
		voices = append(voices, v)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Tick(0.01))
		physical, _, _ := e.VoiceCounts()
		require.LessOrEqual(t, physical, 3)
	}
}

// one-shot reaping: after a one-shot reaches Stopped, it is disposed by
// the next tick and no longer appears in the voice registry.
func TestOneShotReapedAfterStopping(t *testing.T) {
	e, adapter := newTestEngine(t, 4)
	// A one-frame generator so the voice naturally completes almost
	// immediately once ticked.
	gen := newStaticGen(t, adapter, 1)

	v := e.PlayOneShot(context.Background(), "raw-one-shot", nil)
	// PlayOneShot resolves through the engine's resolver, which has no
	// providers registered in this test, so it reports failure and
	// returns nil — exercise the direct registry path instead for the
	// reaping behavior itself.
	require.Nil(t, v)

	direct := e.CreateVoice(gen, nil)
	e.mu.Lock()
	e.oneShots[direct] = struct{}{}
	e.mu.Unlock()
	require.NoError(t, direct.Play())

	require.NoError(t, e.Tick(0.01))
	adapter.Advance(10) // fast-forward past the 1-frame buffer, in seconds

	require.NoError(t, e.Tick(0.01))
	require.NoError(t, e.Tick(0.01))

	_, _, oneShot := e.VoiceCounts()
	require.Zero(t, oneShot)
	require.Equal(t, voice.Disposed, direct.State())
}

func TestCloseDisposesAllVoices(t *testing.T) {
	e, adapter := newTestEngine(t, 2)
	gen := newStaticGen(t, adapter, 1000)
	v := e.CreateVoice(gen, nil)
	require.NoError(t, v.Play())
	require.NoError(t, e.Tick(0.01))

	require.NoError(t, e.Close())
	require.Equal(t, voice.Disposed, v.State())
	require.Equal(t, Disposed, e.State())

	err := e.Tick(0.01)
	require.Error(t, err)
}

func TestCreateVoiceOnEmitterUsesBusOverride(t *testing.T) {
	e, adapter := newTestEngine(t, 2)

	stop := testutil.AutoDrain(e.Marshaller())
	sfx, err := e.Buses().ResolveOrCreate("sfx")
	require.NoError(t, err)
	em := e.NewEmitter()
	require.NoError(t, em.SetBusOverride(sfx))
	require.NoError(t, em.SetPriorityBias(7))
	stop()

	gen := newStaticGen(t, adapter, 1000)
	v := e.CreateVoiceOnEmitter(gen, em)
	require.Same(t, sfx, v.Bus())

	require.NoError(t, v.Play())
	require.NoError(t, e.Tick(0.01))

	require.Equal(t, voice.PlayingPhysical, v.State())
	require.Same(t, em, v.Emitter())
	require.Equal(t, int32(7), v.EffectivePriority())
}

func TestPlayOneShotOnEmitterAttachesAndPlays(t *testing.T) {
	e, adapter := newTestEngine(t, 2)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boom.pcm"), make([]byte, 2000), 0o644))
	fp := resolver.NewFileProvider(adapter, e.Marshaller(), []string{dir}, nil, nil)
	e.Resolver().Register(fp)

	em := e.NewEmitter()
	v := e.PlayOneShotOnEmitter(context.Background(), "boom.pcm", em)
	require.NotNil(t, v)
	require.True(t, v.IsOneShot())

	require.NoError(t, e.Tick(0.01))
	require.Equal(t, voice.PlayingPhysical, v.State())
	require.Same(t, em, v.Emitter())
}
