// Package opus implements a decode.Decoder backed by layeh.com/gopus. It
// reads a simple length-prefixed stream of Opus packets (uint32 big-endian
// length followed by the packet bytes), a framing defined by this package
// (resolver.FileProvider uses it only through a caller-supplied
// DecoderFactory), and exposes decoded PCM as interleaved little-endian
// int16 bytes.
package opus

import (
	"encoding/binary"
	"fmt"
	"io"

	"layeh.com/gopus"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/generator/decode"
)

const (
	sampleRate = 48000
	frameSize  = sampleRate * 20 / 1000 // 20ms frames
)

// Decoder decodes a length-prefixed Opus packet stream. Seeking is not
// supported: Opus packet streams carry no frame index in this module's
// simple framing, so Seek always reports decode.ErrUnsupportedOperation.
type Decoder struct {
	src      io.ReadSeeker
	dec      *gopus.Decoder
	channels int
}

var _ decode.Decoder = (*Decoder)(nil)

// New creates a Decoder reading packets from src, decoding Opus at 48kHz
// into the given channel count.
func New(src io.ReadSeeker, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{src: src, dec: dec, channels: channels}, nil
}

func (d *Decoder) Format() backend.Format {
	return backend.Format{
		Channels:      d.channels,
		SampleRate:    sampleRate,
		BitsPerSample: 16,
		Encoding:      backend.EncodingIntegerPCM,
	}
}

// Duration is unknown for a streamed packet source.
func (d *Decoder) Duration() float64 { return -1 }

func (d *Decoder) Seekable() bool { return false }

func (d *Decoder) Decode(dst []byte) (int, error) {
	var length uint32
	if err := binary.Read(d.src, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("opus: read packet length: %w", err)
	}
	packet := make([]byte, length)
	if _, err := io.ReadFull(d.src, packet); err != nil {
		return 0, fmt.Errorf("opus: read packet: %w", err)
	}
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return 0, fmt.Errorf("opus: decode packet: %w", err)
	}
	out := int16sToBytes(pcm)
	n := copy(dst, out)
	if n < len(out) {
		return 0, fmt.Errorf("opus: destination buffer too small for one frame (%d < %d)", len(dst), len(out))
	}
	return n, nil
}

func (d *Decoder) Seek(seconds float64) error {
	return decode.ErrUnsupportedOperation
}

func (d *Decoder) Close() error { return nil }

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
