package call

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpilot/internal/domain"
)

func newIdleController(id string) *Controller {
	c := &domain.Call{CallControlID: id, State: domain.CallStateInitiated, CreatedAt: time.Now()}
	return NewController(c, Deps{}, testConfig(), slog.New(slog.DiscardHandler))
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry()
	ctrl := newIdleController("cc-1")
	require.NoError(t, r.Add(ctrl))

	assert.Same(t, ctrl, r.Get("cc-1"))
	assert.Nil(t, r.Get("cc-2"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newIdleController("cc-1")))
	assert.ErrorIs(t, r.Add(newIdleController("cc-1")), domain.ErrInvalidInput)
}

func TestRegistryBridgedSet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newIdleController("cc-1")))

	assert.False(t, r.IsBridged("cc-1"))
	r.MarkBridged("cc-1")
	assert.True(t, r.IsBridged("cc-1"))

	r.Remove("cc-1")
	assert.False(t, r.IsBridged("cc-1"), "Remove must clear the bridged set")
	assert.Nil(t, r.Get("cc-1"))
}

func TestRegistryControllersSnapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newIdleController("cc-1")))
	require.NoError(t, r.Add(newIdleController("cc-2")))

	ctrls := r.Controllers()
	assert.Len(t, ctrls, 2)
}
