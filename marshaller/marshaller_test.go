package marshaller

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskwave/sonora/errs"
)

func TestSubmitRunsOnDrainInFIFOOrder(t *testing.T) {
	m := New(nil)
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, m.Submit(func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.Equal(t, 10, m.Pending())
	m.Drain()
	require.Equal(t, 0, m.Pending())
	for i := 0; i < 10; i++ {
		require.Equal(t, i, order[i])
	}
}

func TestSubmitSyncBlocksUntilDrain(t *testing.T) {
	m := New(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	var result error
	go func() {
		defer wg.Done()
		result = m.SubmitSync(func() error { return errors.New("boom") })
	}()

	// Give the goroutine a chance to enqueue, then drain.
	for m.Pending() == 0 {
	}
	m.Drain()
	wg.Wait()
	require.EqualError(t, result, "boom")
}

func TestFireAndForgetErrorGoesToErrorHandler(t *testing.T) {
	h := errs.NewCollectingErrorHandler()
	m := New(h)
	require.NoError(t, m.Submit(func() error { return errors.New("sad") }))
	m.Drain()
	got := h.Errors()
	require.Len(t, got, 1)
	require.EqualError(t, got[0], "sad")
}

func TestPanicInFireAndForgetIsCapturedNotPropagated(t *testing.T) {
	h := errs.NewCollectingErrorHandler()
	m := New(h)
	require.NoError(t, m.Submit(func() error { panic("kaboom") }))
	require.NotPanics(t, func() { m.Drain() })
	require.Len(t, h.Errors(), 1)
}

func TestPanicInSyncActionDeliveredToWaiter(t *testing.T) {
	m := New(nil)
	done := make(chan error, 1)
	go func() { done <- m.SubmitSync(func() error { panic("sync-kaboom") }) }()
	for m.Pending() == 0 {
	}
	m.Drain()
	err := <-done
	require.Error(t, err)
}

func TestReentrantSubmitVisibleOnlyToNextDrain(t *testing.T) {
	m := New(nil)
	var ran []string
	require.NoError(t, m.Submit(func() error {
		ran = append(ran, "first")
		// Reentrant submit from inside an action body.
		_ = m.Submit(func() error {
			ran = append(ran, "reentrant")
			return nil
		})
		return nil
	}))
	m.Drain()
	require.Equal(t, []string{"first"}, ran)
	m.Drain()
	require.Equal(t, []string{"first", "reentrant"}, ran)
}

func TestCloseRejectsFurtherSubmits(t *testing.T) {
	m := New(nil)
	m.Close()
	require.ErrorIs(t, m.Submit(func() error { return nil }), ErrClosed)
	require.ErrorIs(t, m.SubmitSync(func() error { return nil }), ErrClosed)
}

func TestConcurrentSubmitIsSafe(t *testing.T) {
	m := New(nil)
	var wg sync.WaitGroup
	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Submit(func() error { return nil })
		}()
	}
	wg.Wait()
	require.Equal(t, n, m.Pending())
	m.Drain()
}
