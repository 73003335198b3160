// Package marshaller implements the audio-thread deferred-action queue
// described by the engine's concurrency model: any goroutine may enqueue an
// action, but only the designated audio thread — the goroutine that calls
// Drain — ever executes one. No action ever runs concurrently with another
// or with any other audio-thread work, because Drain runs them one at a
// time, synchronously, on its caller's goroutine.
//
// Two submission modes exist: Submit (fire-and-forget; a panic or error is
// handed to the configured errs.ErrorHandler) and SubmitSync
// (completion-signaling; the caller blocks until the action has run and
// receives its error).
//
package marshaller

import (
	"errors"
	"sync"

	"github.com/duskwave/sonora/errs"
)

// Action is a zero-argument deferred operation. Implementations run on the
// audio thread, never concurrently with another action.
type Action func() error

// ErrClosed is returned by Submit/SubmitSync once the marshaller has been
// closed.
var ErrClosed = errors.New("marshaller: closed")

// Marshaller is a single-consumer FIFO of deferred actions. It is safe for
// concurrent Submit/SubmitSync calls from any number of goroutines; Drain
// must only ever be called from the single audio thread.
type Marshaller struct {
	mu      sync.Mutex
	pending []entry
	closed  bool
	onError errs.ErrorHandler
}

type entry struct {
	action Action
	reply  chan error // nil for fire-and-forget
}

// New creates a Marshaller. onError receives panics/errors from
// fire-and-forget actions; it may be nil to discard them silently, but
// engine.New always wires a real handler.
func New(onError errs.ErrorHandler) *Marshaller {
	return &Marshaller{onError: onError}
}

// Submit enqueues an action to run on the next Drain, without waiting for
// it to execute. Errors returned by the action are delivered to the
// configured ErrorHandler rather than to the caller.
func (m *Marshaller) Submit(action Action) error {
	return m.enqueue(action, nil)
}

// SubmitSync enqueues an action and blocks the calling goroutine until a
// Drain has executed it, returning whatever error the action produced. This
// is the suspension point callers use when they need confirmation that a
// mutation has actually been applied on the audio thread.
func (m *Marshaller) SubmitSync(action Action) error {
	reply := make(chan error, 1)
	if err := m.enqueue(action, reply); err != nil {
		return err
	}
	return <-reply
}

func (m *Marshaller) enqueue(action Action, reply chan error) error {
	if action == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if reply != nil {
			reply <- ErrClosed
		}
		return ErrClosed
	}
	m.pending = append(m.pending, entry{action: action, reply: reply})
	m.mu.Unlock()
	return nil
}

// Drain executes every action enqueued so far, in FIFO order, on the
// calling goroutine. Actions submitted reentrantly from within an action
// body (i.e. during this very Drain call) are NOT visible to this Drain —
// they land in m.pending after the snapshot below and are only picked up by
// the next Drain call. The engine relies on this by draining twice per
// tick (once before, once after the per-voice update).
func (m *Marshaller) Drain() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, e := range batch {
		m.run(e)
	}
}

func (m *Marshaller) run(e entry) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
			}
		}()
		err = e.action()
	}()

	if e.reply != nil {
		e.reply <- err
		return
	}
	if err != nil && m.onError != nil {
		m.onError.HandleError(err)
	}
}

// Close marks the marshaller closed: further Submit/SubmitSync calls fail
// fast with ErrClosed instead of queuing. Actions already queued are left
// for a final Drain; Close does not drain itself.
func (m *Marshaller) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Pending reports the number of actions currently queued. Intended for
// tests and diagnostics only.
func (m *Marshaller) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PanicError wraps a recovered panic value so it satisfies the error
// interface and can flow through the same ErrorHandler/reply path as a
// normal error.
type PanicError struct {
	Value interface{}
}

func (p *PanicError) Error() string {
	return "marshaller: action panicked: " + errorString(p.Value)
}

func errorString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}
