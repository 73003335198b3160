// Package pcmraw implements a decode.Decoder that simply replays an
// in-memory PCM buffer, for generators fed pre-decoded audio (tests,
// procedurally generated tones, or formats decoded upstream of this
// module).
package pcmraw

import (
	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/generator/decode"
)

// Decoder replays pcm from memory, reporting format and a duration derived
// from its byte length.
type Decoder struct {
	format backend.Format
	pcm    []byte
	pos    int
}

var _ decode.Decoder = (*Decoder)(nil)

// New wraps pcm (already in the layout described by format) as a Decoder.
func New(format backend.Format, pcm []byte) *Decoder {
	return &Decoder{format: format, pcm: pcm}
}

func (d *Decoder) Format() backend.Format { return d.format }

func (d *Decoder) Duration() float64 {
	bytesPerFrame := d.format.Channels * (d.format.BitsPerSample / 8)
	if bytesPerFrame == 0 || d.format.SampleRate == 0 {
		return -1
	}
	frames := len(d.pcm) / bytesPerFrame
	return float64(frames) / float64(d.format.SampleRate)
}

func (d *Decoder) Seekable() bool { return true }

func (d *Decoder) Decode(dst []byte) (int, error) {
	if d.pos >= len(d.pcm) {
		return 0, nil
	}
	n := copy(dst, d.pcm[d.pos:])
	d.pos += n
	return n, nil
}

func (d *Decoder) Seek(seconds float64) error {
	bytesPerFrame := d.format.Channels * (d.format.BitsPerSample / 8)
	frame := int(seconds * float64(d.format.SampleRate))
	offset := frame * bytesPerFrame
	if offset < 0 {
		offset = 0
	}
	if offset > len(d.pcm) {
		offset = len(d.pcm)
	}
	d.pos = offset
	return nil
}

func (d *Decoder) Close() error { return nil }
