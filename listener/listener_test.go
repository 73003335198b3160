package listener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/backend/simbackend"
	"github.com/duskwave/sonora/errs"
	"github.com/duskwave/sonora/marshaller"
)

func TestDefaultOrientation(t *testing.T) {
	m := marshaller.New(errs.NewCollectingErrorHandler())
	l := New(m)
	tr := l.Transform()
	require.Equal(t, backend.Vec3{X: 0, Y: 0, Z: -1}, tr.Forward)
	require.Equal(t, backend.Vec3{X: 0, Y: 1, Z: 0}, tr.Up)
}

func TestSetTransformIsDeferredUntilDrain(t *testing.T) {
	m := marshaller.New(errs.NewCollectingErrorHandler())
	l := New(m)

	require.NoError(t, l.SetTransform(backend.Vec3{X: 1, Y: 2, Z: 3}, backend.Vec3{X: 0.1}))
	require.Equal(t, backend.Vec3{}, l.Transform().Position, "mutation must not be visible before Drain")

	m.Drain()
	require.Equal(t, backend.Vec3{X: 1, Y: 2, Z: 3}, l.Transform().Position)
	require.Equal(t, backend.Vec3{X: 0.1}, l.Transform().Velocity)
}

func TestApplyPushesTransformToBackend(t *testing.T) {
	m := marshaller.New(errs.NewCollectingErrorHandler())
	l := New(m)
	require.NoError(t, l.SetTransform(backend.Vec3{X: 5}, backend.Vec3{}))
	require.NoError(t, l.SetOrientation(backend.Vec3{X: 1}, backend.Vec3{Y: 1}))
	m.Drain()

	adapter := simbackend.New(44100)
	require.NoError(t, adapter.OpenDevice(context.Background(), ""))
	defer adapter.CloseDevice()

	require.NoError(t, l.Apply(adapter))
}
