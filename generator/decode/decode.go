// Package decode defines the Decoder capability interface external codecs
// implement ("concrete decoder implementations... treated as external
// collaborators"). Two implementations ship: decode/opus (layeh.com/gopus)
// and decode/pcmraw (a passthrough for pre-decoded PCM).
package decode

import (
	"errors"

	"github.com/duskwave/sonora/backend"
)

// ErrUnsupportedOperation is returned by Seek on a non-seekable decoder.
var ErrUnsupportedOperation = errors.New("decode: unsupported operation")

// Decoder produces PCM chunks from some encoded source. Implementations
// are not required to be safe for concurrent use; the streaming producer
// and the static decode path each own a single Decoder instance for its
// lifetime.
type Decoder interface {
	// Format returns the PCM layout decoded output will be delivered in.
	Format() backend.Format

	// Duration returns the stream's total duration in seconds, or a
	// negative value if unknown/unbounded.
	Duration() float64

	// Seekable reports whether Seek is supported.
	Seekable() bool

	// Decode produces up to len(dst) bytes of PCM into dst, returning the
	// number of bytes written. A zero-byte, nil-error return means
	// end-of-stream.
	Decode(dst []byte) (n int, err error)

	// Seek repositions the decode cursor to the given offset in seconds.
	// Returns ErrUnsupportedOperation if Seekable() is false.
	Seek(seconds float64) error

	// Close releases any resources (file handles, decoder state) held by
	// the decoder.
	Close() error
}
