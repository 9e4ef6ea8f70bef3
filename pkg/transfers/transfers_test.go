package transfers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
)

func TestLifecycleComplete(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	transfer := registry.Start(context.Background(), KindModel, "some-model")
	transfer.Progress(50, 100)

	snapshot, err := registry.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, snapshot.State)
	assert.Equal(t, int64(50), snapshot.Bytes)

	transfer.Complete()
	snapshot, err = registry.Get("some-model")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snapshot.State)
	assert.Equal(t, int64(100), snapshot.Bytes)

	registry.Remove(transfer.ID)
	_, err = registry.Get(transfer.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestPauseAbortsContextAndRetainsTransfer(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	transfer := registry.Start(context.Background(), KindModel, "some-model")

	require.NoError(t, registry.Pause("some-model"))
	assert.ErrorIs(t, transfer.Context().Err(), context.Canceled)

	var aborted *errdefs.DownloadAbortedError
	require.True(t, errors.As(transfer.Err(), &aborted))
	assert.True(t, aborted.Paused())

	// A paused transfer can be taken for resumption exactly once.
	taken := registry.TakePaused("some-model")
	require.NotNil(t, taken)
	assert.Nil(t, registry.TakePaused("some-model"))
}

func TestCancel(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	transfer := registry.Start(context.Background(), KindBackend, "llamacpp:vulkan")

	require.NoError(t, registry.Cancel(transfer.ID))
	assert.ErrorIs(t, transfer.Context().Err(), context.Canceled)

	var aborted *errdefs.DownloadAbortedError
	require.True(t, errors.As(transfer.Err(), &aborted))
	assert.False(t, aborted.Paused())

	snapshot, err := registry.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, snapshot.State)

	// Cancelling twice is an error, as is cancelling a completed transfer.
	assert.Error(t, registry.Cancel(transfer.ID))
}

func TestCompleteSticksAgainstLateFailure(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	transfer := registry.Start(context.Background(), KindModel, "some-model")
	transfer.Complete()
	transfer.Fail(errors.New("transport closed"))

	snapshot, err := registry.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snapshot.State)
	assert.Empty(t, snapshot.Error)
}

func TestControlUnknownTransfer(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	assert.ErrorIs(t, registry.Pause("missing"), ErrTransferNotFound)
	assert.ErrorIs(t, registry.Cancel("missing"), ErrTransferNotFound)
	assert.Nil(t, registry.TakePaused("missing"))
}
