package portaudiobackend

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskwave/sonora/backend"
)

func monoPCM16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestCreateDestroySources(t *testing.T) {
	b := New(48000)
	handles, err := b.CreateSources(3)
	require.NoError(t, err)
	require.Len(t, handles, 3)

	require.NoError(t, b.DestroySources(handles[:1]))
	_, err = b.SourceState(handles[0])
	require.Error(t, err)
	_, err = b.SourceState(handles[1])
	require.NoError(t, err)
}

func TestMixLockedAppliesGainAndBroadcastsMono(t *testing.T) {
	b := New(1000)
	hs, err := b.CreateSources(1)
	require.NoError(t, err)
	h := hs[0]

	buf, err := b.CreateBuffer(backend.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16, Encoding: backend.EncodingIntegerPCM})
	require.NoError(t, err)
	require.NoError(t, b.UploadPCM(buf, backend.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16, Encoding: backend.EncodingIntegerPCM}, monoPCM16(16384, -16384)))
	require.NoError(t, b.QueueBuffer(h, buf))
	require.NoError(t, b.SetSourceFloat(h, backend.ParamGain, 0.5))
	require.NoError(t, b.Play(h))

	b.mu.Lock()
	out := make([]float32, 4) // 2 frames * stereo
	b.mixLocked(out)
	b.mu.Unlock()

	require.InDelta(t, 0.25, out[0], 0.001) // left, frame 0
	require.InDelta(t, 0.25, out[1], 0.001) // right, frame 0 (mono broadcast)
	require.InDelta(t, -0.25, out[2], 0.001)
	require.InDelta(t, -0.25, out[3], 0.001)

	processed, err := b.ProcessedBufferCount(h)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	st, err := b.SourceState(h)
	require.NoError(t, err)
	require.Equal(t, backend.SourceStopped, st)
}

func TestMixLockedLoopsSingleQueuedBuffer(t *testing.T) {
	b := New(1000)
	hs, _ := b.CreateSources(1)
	h := hs[0]

	format := backend.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16, Encoding: backend.EncodingIntegerPCM}
	buf, _ := b.CreateBuffer(format)
	require.NoError(t, b.UploadPCM(buf, format, monoPCM16(32767)))
	require.NoError(t, b.QueueBuffer(h, buf))
	require.NoError(t, b.SetSourceBool(h, backend.ParamLooping, true))
	require.NoError(t, b.Play(h))

	for i := 0; i < 5; i++ {
		b.mu.Lock()
		out := make([]float32, 2)
		b.mixLocked(out)
		b.mu.Unlock()
		require.InDelta(t, 1.0, out[0], 0.01)
	}

	st, err := b.SourceState(h)
	require.NoError(t, err)
	require.Equal(t, backend.SourcePlaying, st, "a looping single-buffer source never reaches Stopped")
}

func TestMixLockedSkipsPausedAndStoppedSources(t *testing.T) {
	b := New(1000)
	hs, _ := b.CreateSources(1)
	h := hs[0]
	format := backend.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16, Encoding: backend.EncodingIntegerPCM}
	buf, _ := b.CreateBuffer(format)
	require.NoError(t, b.UploadPCM(buf, format, monoPCM16(32767)))
	require.NoError(t, b.QueueBuffer(h, buf))
	require.NoError(t, b.Pause(h))

	b.mu.Lock()
	out := make([]float32, 2)
	b.mixLocked(out)
	b.mu.Unlock()

	require.Equal(t, float32(0), out[0])
	require.Equal(t, float32(0), out[1])
}

func TestProbeExtensionNeverReportsSpatialization(t *testing.T) {
	b := New(48000)
	require.False(t, b.ProbeExtension(backend.ExtSpatialization))
	require.False(t, b.ProbeExtension(backend.ExtHRTF))
}

func TestSetSourceSpatializedRecordsFlagOnly(t *testing.T) {
	b := New(48000)
	hs, _ := b.CreateSources(1)
	require.NoError(t, b.SetSourceSpatialized(hs[0], true))
	require.NoError(t, b.SetSourceDirectChannels(hs[0], true))
}
