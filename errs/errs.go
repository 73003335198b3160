// Package errs defines the engine-wide error reporting boundary.
//
// Every component that can fail without aborting the current tick (a
// transient backend write, a decode error, a resource-resolution miss)
// reports through an ErrorHandler instead of returning an error up a call
// chain nobody is waiting on. This mirrors a fire-and-forget log sink more
// than a typical error-return discipline, because most of the call sites
// that hit it are themselves running inside deferred, fire-and-forget
// marshaller actions.
package errs

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// ErrorHandler receives non-fatal errors raised off the normal call/return
// path: a backend parameter write that failed, a decode error, a dropped
// one-shot. Implementations must be safe to call from the audio thread and
// must not block for long — the tick loop calls them synchronously.
type ErrorHandler interface {
	HandleError(err error)
}

// DefaultErrorHandler logs to a charmbracelet/log logger at Error level.
// It is the zero-configuration handler used when Config.ErrorHandler is
// left nil.
type DefaultErrorHandler struct {
	logger *log.Logger
}

// NewDefaultErrorHandler returns a handler writing leveled, structured log
// lines. A nil logger falls back to log.Default().
func NewDefaultErrorHandler(logger *log.Logger) *DefaultErrorHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &DefaultErrorHandler{logger: logger}
}

func (h *DefaultErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	h.logger.Error("engine error", "err", err)
}

// LoggingErrorHandler wraps another handler and additionally invokes a
// caller-supplied sink (e.g. forwarding to a metrics counter or an
// out-of-band diagnostic channel) before delegating.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	sink       func(error)
}

// NewLoggingErrorHandler builds a handler that calls sink, then underlying.
// underlying may be nil to skip delegation.
func NewLoggingErrorHandler(underlying ErrorHandler, sink func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{underlying: underlying, sink: sink}
}

func (h *LoggingErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	if h.sink != nil {
		h.sink(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error. Useful in tests and development
// builds where a swallowed error should fail loudly instead of degrading.
type PanicErrorHandler struct{}

func (PanicErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	panic(fmt.Sprintf("sonora: fatal engine error: %v", err))
}

// CollectingErrorHandler records every error it receives, for assertions in
// tests that need to observe what the engine reported without a real log
// sink.
type CollectingErrorHandler struct {
	mu   sync.Mutex
	errs []error
}

func NewCollectingErrorHandler() *CollectingErrorHandler {
	return &CollectingErrorHandler{}
}

func (h *CollectingErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

// Errors returns a snapshot of every error received so far.
func (h *CollectingErrorHandler) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]error, len(h.errs))
	copy(out, h.errs)
	return out
}

// rateLimitEntry tracks a per-message token bucket and when it last fired,
// so a stale entry can be evicted instead of growing the map forever.
type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitedErrorHandler wraps another handler and throttles repeated
// occurrences of the same error message, so a backend stuck returning the
// same transient write failure every tick doesn't flood the log with one
// line per voice per frame.
type RateLimitedErrorHandler struct {
	mu         sync.Mutex
	underlying ErrorHandler
	limit      rate.Limit
	burst      int
	maxAge     time.Duration
	entries    map[string]*rateLimitEntry
}

// NewRateLimitedErrorHandler builds a handler allowing up to burst
// occurrences of any single error message, refilling at limit per second,
// then delegating surviving occurrences to underlying. Entries idle for
// longer than maxAge are evicted on the next HandleError call.
func NewRateLimitedErrorHandler(underlying ErrorHandler, limit rate.Limit, burst int, maxAge time.Duration) *RateLimitedErrorHandler {
	if burst <= 0 {
		burst = 1
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RateLimitedErrorHandler{
		underlying: underlying,
		limit:      limit,
		burst:      burst,
		maxAge:     maxAge,
		entries:    make(map[string]*rateLimitEntry),
	}
}

func (h *RateLimitedErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	key := err.Error()
	now := time.Now()

	h.mu.Lock()
	entry, ok := h.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(h.limit, h.burst)}
		h.entries[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.Allow()
	h.evictStaleLocked(now)
	h.mu.Unlock()

	if !allowed {
		return
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// evictStaleLocked drops entries not seen within maxAge. Called under mu
// from HandleError rather than a background ticker, since this handler has
// no lifecycle owner to stop such a goroutine on engine Close.
func (h *RateLimitedErrorHandler) evictStaleLocked(now time.Time) {
	cutoff := now.Add(-h.maxAge)
	for key, entry := range h.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(h.entries, key)
		}
	}
}
