// Package generator implements the producers of PCM data voices play:
// static generators (one immutable buffer, decoded once) and streaming
// generators (a bounded ring of buffers fed by a background producer).
package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/generator/decode"
)

// ErrDisposed is returned by operations on a generator whose reference
// count has already reached zero.
var ErrDisposed = errors.New("generator: disposed")

// Generator is the common contract voices and the engine depend on. Static
// and Streaming both implement it.
type Generator interface {
	// Format returns the PCM layout this generator produces.
	Format() backend.Format

	// Duration returns total duration in seconds, or a negative value if
	// unknown/unbounded.
	Duration() float64

	// Exclusive reports whether this generator can back only one voice at
	// a time (true for streaming generators, false for static ones).
	Exclusive() bool

	// Retain increments the reference count.
	Retain()

	// Release decrements the reference count, disposing the generator's
	// backend resources when it reaches zero.
	Release(adapter backend.Adapter) error

	// SilentRelease decrements the reference count without disposing,
	// used by providers handing ownership to a caller.
	SilentRelease()

	// RefCount returns the current reference count.
	RefCount() int
}

// Static owns exactly one backend buffer, decoded once up front, and is
// shareable across any number of voices.
type Static struct {
	mu        sync.Mutex
	format    backend.Format
	duration  float64
	buffer    backend.BufferHandle
	refs      int
	disposed  bool
	ready     chan struct{}
	initErr   error
	onDispose func()
}

var _ Generator = (*Static)(nil)

// NewStatic decodes dec fully into a single backend buffer. The returned
// Static is immediately usable; Ready blocks until the decode completes
// (it runs synchronously here since static decode is a one-shot bounded
// operation, unlike the streaming producer's unbounded background loop).
func NewStatic(adapter backend.Adapter, dec decode.Decoder) (*Static, error) {
	format := dec.Format()
	buf, err := adapter.CreateBuffer(format)
	if err != nil {
		return nil, fmt.Errorf("generator: create static buffer: %w", err)
	}

	s := &Static{
		format:   format,
		duration: dec.Duration(),
		buffer:   buf,
		refs:     1,
		ready:    make(chan struct{}),
	}

	var pcm []byte
	chunk := make([]byte, 64*1024)
	for {
		n, err := dec.Decode(chunk)
		if err != nil {
			s.initErr = fmt.Errorf("generator: decode static source: %w", err)
			close(s.ready)
			return s, s.initErr
		}
		if n == 0 {
			break
		}
		pcm = append(pcm, chunk[:n]...)
	}
	if err := adapter.UploadPCM(buf, format, pcm); err != nil {
		s.initErr = fmt.Errorf("generator: upload static pcm: %w", err)
	}
	close(s.ready)
	return s, s.initErr
}

// Ready blocks until decode has finished and returns any init error.
func (s *Static) Ready() error {
	<-s.ready
	return s.initErr
}

func (s *Static) Format() backend.Format { return s.format }
func (s *Static) Duration() float64      { return s.duration }
func (s *Static) Exclusive() bool        { return false }

// Buffer returns the single backend buffer this generator owns, for a
// voice to attach directly on hydration.
func (s *Static) Buffer() backend.BufferHandle { return s.buffer }

// SetOnDispose registers a hook invoked after the generator's last
// reference drops and its backend buffer has been destroyed. The file
// provider uses it to evict its cache entry.
func (s *Static) SetOnDispose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDispose = fn
}

func (s *Static) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

// Disposed reports whether the generator's backend buffer has been
// destroyed. A disposed generator must not be handed to new voices.
func (s *Static) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Static) Release(adapter backend.Adapter) error {
	s.mu.Lock()
	if s.refs <= 0 || s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	onDispose := s.onDispose
	s.mu.Unlock()

	err := adapter.DestroyBuffer(s.buffer)
	if onDispose != nil {
		onDispose()
	}
	return err
}

func (s *Static) SilentRelease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
}

func (s *Static) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Streaming owns N≥2 backend buffers partitioned into free/filled sets
// plus an end-of-stream flag and a looping flag. Its background producer
// runs on a dedicated goroutine managed by an errgroup, decoupled from the
// audio thread; buffer uploads are marshaled back onto the audio thread
// since adapter calls must happen there.
type Streaming struct {
	mu sync.Mutex

	adapter  backend.Adapter
	dec      decode.Decoder
	format   backend.Format
	duration float64

	// decMu serializes decoder access between the producer's Decode calls
	// and a Seek issued from the audio thread.
	decMu sync.Mutex

	free   []backend.BufferHandle
	filled []backend.BufferHandle
	total  int

	endOfStream bool
	looping     bool
	refs        int
	disposed    bool

	// pauseGate is a closed channel while the producer is allowed to run.
	// Seek replaces it with a fresh, unclosed channel that blocks the
	// producer for the duration of the seek, then closes it.
	pauseGate chan struct{}

	// uploadFn marshals an upload+filled-push job onto the audio thread.
	// Supplied by the owning voice/engine since Streaming itself has no
	// reference to the marshaller.
	uploadFn func(job func())

	// onError receives decode failures from the producer goroutine, which
	// otherwise has nobody to report to. May be nil.
	onError func(error)

	group  *errgroup.Group
	cancel context.CancelFunc
}

var _ Generator = (*Streaming)(nil)

// DefaultBufferCount is the default ring size.
const DefaultBufferCount = 4

// NewStreaming creates a Streaming generator with n≥2 backend buffers and
// starts its background producer. uploadFn is called from the producer's
// goroutine with a closure that must be run on the audio thread (the
// caller is expected to route it through a marshaller.Marshaller.Submit).
func NewStreaming(adapter backend.Adapter, dec decode.Decoder, n int, looping bool, uploadFn func(job func())) (*Streaming, error) {
	if n < 2 {
		n = 2
	}
	format := dec.Format()
	free := make([]backend.BufferHandle, 0, n)
	for i := 0; i < n; i++ {
		buf, err := adapter.CreateBuffer(format)
		if err != nil {
			return nil, fmt.Errorf("generator: create streaming buffer %d/%d: %w", i, n, err)
		}
		free = append(free, buf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	s := &Streaming{
		adapter:   adapter,
		dec:       dec,
		format:    format,
		duration:  dec.Duration(),
		free:      free,
		total:     n,
		looping:   looping,
		refs:      1,
		pauseGate: closedChan(),
		uploadFn:  uploadFn,
		group:     g,
		cancel:    cancel,
	}

	g.Go(func() error { return s.produce(ctx) })
	return s, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *Streaming) Format() backend.Format { return s.format }
func (s *Streaming) Duration() float64      { return s.duration }
func (s *Streaming) Exclusive() bool        { return true }
func (s *Streaming) Looping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.looping
}
func (s *Streaming) EndOfStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOfStream
}

// Seekable reports whether the underlying decoder supports Seek.
func (s *Streaming) Seekable() bool { return s.dec.Seekable() }

// PopFree removes and returns one buffer from the free set.
func (s *Streaming) PopFree() (backend.BufferHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return 0, false
	}
	h := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return h, true
}

// PushFree returns a buffer (e.g. one unqueued after processing) to the
// free set.
func (s *Streaming) PushFree(h backend.BufferHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, h)
}

// PopFilled removes and returns the oldest buffer from the filled set, for
// the pump to queue on the consuming source.
func (s *Streaming) PopFilled() (backend.BufferHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.filled) == 0 {
		return 0, false
	}
	h := s.filled[0]
	s.filled = s.filled[1:]
	return h, true
}

func (s *Streaming) pushFilled(h backend.BufferHandle) {
	s.mu.Lock()
	s.filled = append(s.filled, h)
	s.mu.Unlock()
}

// FreeCount reports how many buffers currently sit in the free set.
func (s *Streaming) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// FilledCount reports how many buffers currently sit in the filled set.
func (s *Streaming) FilledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filled)
}

// produce is the background loop. A decode failure is reported through
// onError and marks end-of-stream so attached voices drain and stop; the
// producer itself exits cleanly rather than tearing anything down.
func (s *Streaming) produce(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pauseGateSnapshot():
		}

		if s.EndOfStream() {
			// Nothing more to decode until a seek clears the flag.
			time.Sleep(5 * time.Millisecond)
			continue
		}

		buf, ok := s.PopFree()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		chunk := make([]byte, 64*1024)
		s.decMu.Lock()
		n, err := s.dec.Decode(chunk)
		s.decMu.Unlock()
		if err != nil {
			s.PushFree(buf)
			if sink := s.errorSink(); sink != nil {
				sink(fmt.Errorf("generator: streaming decode: %w", err))
			}
			s.mu.Lock()
			s.endOfStream = true
			s.mu.Unlock()
			return nil
		}
		if n == 0 {
			if s.Looping() && s.dec.Seekable() {
				s.decMu.Lock()
				err := s.dec.Seek(0)
				s.decMu.Unlock()
				if err != nil {
					s.PushFree(buf)
					s.mu.Lock()
					s.endOfStream = true
					s.mu.Unlock()
					if sink := s.errorSink(); sink != nil {
						sink(fmt.Errorf("generator: streaming loop-seek: %w", err))
					}
					return nil
				}
				s.PushFree(buf)
				continue
			}
			s.PushFree(buf)
			s.mu.Lock()
			s.endOfStream = true
			s.mu.Unlock()
			continue
		}

		pcm := chunk[:n]
		format := s.format
		adapter := s.adapter
		s.uploadFn(func() {
			if err := adapter.UploadPCM(buf, format, pcm); err != nil {
				s.PushFree(buf)
				return
			}
			s.pushFilled(buf)
		})
	}
}

func (s *Streaming) pauseGateSnapshot() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseGate
}

// Seek pauses the producer, drains filled back into free, clears
// end-of-stream, performs the decoder seek, and resumes the producer.
func (s *Streaming) Seek(seconds float64) error {
	if !s.dec.Seekable() {
		return decode.ErrUnsupportedOperation
	}
	s.mu.Lock()
	s.pauseGate = make(chan struct{}) // open channel: blocks the producer
	s.filled, s.free = nil, append(s.free, s.filled...)
	s.endOfStream = false
	gate := s.pauseGate
	s.mu.Unlock()

	s.decMu.Lock()
	err := s.dec.Seek(seconds)
	s.decMu.Unlock()

	s.mu.Lock()
	close(gate)
	s.mu.Unlock()
	return err
}

// SetOnError registers a sink for decode failures raised by the background
// producer, typically wired to the engine's error handler.
func (s *Streaming) SetOnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *Streaming) errorSink() func(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onError
}

func (s *Streaming) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

func (s *Streaming) Release(adapter backend.Adapter) error {
	s.mu.Lock()
	if s.refs <= 0 {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.refs--
	dispose := s.refs == 0 && !s.disposed
	if dispose {
		s.disposed = true
	}
	all := append(append([]backend.BufferHandle{}, s.free...), s.filled...)
	s.mu.Unlock()

	if !dispose {
		return nil
	}
	s.cancel()
	_ = s.group.Wait()
	_ = s.dec.Close()
	for _, h := range all {
		if err := adapter.DestroyBuffer(h); err != nil {
			return fmt.Errorf("generator: destroy streaming buffer: %w", err)
		}
	}
	return nil
}

func (s *Streaming) SilentRelease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
}

func (s *Streaming) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
