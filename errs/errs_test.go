package errs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectingErrorHandlerRecordsInOrder(t *testing.T) {
	h := NewCollectingErrorHandler()
	h.HandleError(errors.New("first"))
	h.HandleError(nil)
	h.HandleError(errors.New("second"))

	got := h.Errors()
	require.Len(t, got, 2)
	require.EqualError(t, got[0], "first")
	require.EqualError(t, got[1], "second")
}

func TestPanicErrorHandlerPanicsOnlyForNonNil(t *testing.T) {
	require.NotPanics(t, func() { PanicErrorHandler{}.HandleError(nil) })
	require.Panics(t, func() { PanicErrorHandler{}.HandleError(errors.New("boom")) })
}

func TestLoggingErrorHandlerInvokesSinkThenUnderlying(t *testing.T) {
	var sunk []error
	underlying := NewCollectingErrorHandler()
	h := NewLoggingErrorHandler(underlying, func(err error) { sunk = append(sunk, err) })

	h.HandleError(errors.New("relay me"))

	require.Len(t, sunk, 1)
	require.Len(t, underlying.Errors(), 1)
}

func TestRateLimitedErrorHandlerThrottlesRepeatedMessage(t *testing.T) {
	underlying := NewCollectingErrorHandler()
	h := NewRateLimitedErrorHandler(underlying, 1, 2, time.Minute)

	err := errors.New("backend: transient write failure")
	for i := 0; i < 5; i++ {
		h.HandleError(err)
	}

	// Burst of 2 lets the first two occurrences through; the rest are
	// dropped before a full second has elapsed to refill the bucket.
	require.Len(t, underlying.Errors(), 2)
}

func TestRateLimitedErrorHandlerTracksEachMessageIndependently(t *testing.T) {
	underlying := NewCollectingErrorHandler()
	h := NewRateLimitedErrorHandler(underlying, 1, 1, time.Minute)

	h.HandleError(errors.New("message A"))
	h.HandleError(errors.New("message B"))
	h.HandleError(errors.New("message A"))

	require.Len(t, underlying.Errors(), 2)
}

func TestRateLimitedErrorHandlerIgnoresNil(t *testing.T) {
	underlying := NewCollectingErrorHandler()
	h := NewRateLimitedErrorHandler(underlying, 1, 1, time.Minute)
	h.HandleError(nil)
	require.Empty(t, underlying.Errors())
}
