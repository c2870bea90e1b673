package feed

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

func attachedRegistry(t *testing.T) (*Registry, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	r := NewRegistry(zerolog.Nop(), nil)
	require.NoError(t, r.Attach(tr))
	return r, tr
}

func TestRegistryIdenticalSubscribeSendsOnce(t *testing.T) {
	r, tr := attachedRegistry(t)

	require.NoError(t, r.Subscribe("watchlist", []string{"NSE:1"}, models.ModeQuote))
	require.NoError(t, r.Subscribe("watchlist", []string{"NSE:1"}, models.ModeQuote))

	assert.Equal(t, 1, tr.count("subscribe"))
	assert.Equal(t, 1, r.RefCount("NSE:1"))
}

func TestRegistrySecondConsumerSameModeSendsNothing(t *testing.T) {
	r, tr := attachedRegistry(t)

	require.NoError(t, r.Subscribe("watchlist", []string{"NSE:1"}, models.ModeQuote))
	require.NoError(t, r.Subscribe("positions", []string{"NSE:1"}, models.ModeQuote))

	assert.Equal(t, 1, tr.count("subscribe"))
	assert.Equal(t, 2, r.RefCount("NSE:1"))
}

func TestRegistryRaisingModeResubscribes(t *testing.T) {
	r, tr := attachedRegistry(t)

	require.NoError(t, r.Subscribe("watchlist", []string{"NSE:1"}, models.ModeTicker))
	require.NoError(t, r.Subscribe("depth", []string{"NSE:1"}, models.ModeFull))

	calls := tr.snapshotCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.ModeFull, calls[1].mode)
	assert.Equal(t, models.ModeFull, r.Transmitted()["NSE:1"])

	// Lower request from a third consumer does not change the transport.
	require.NoError(t, r.Subscribe("chart", []string{"NSE:1"}, models.ModeQuote))
	assert.Len(t, tr.snapshotCalls(), 2)
}

func TestRegistryUnsubscribeOnlyAtZeroRefCount(t *testing.T) {
	r, tr := attachedRegistry(t)

	require.NoError(t, r.Subscribe("a", []string{"NSE:1", "NSE:2"}, models.ModeQuote))
	require.NoError(t, r.Subscribe("b", []string{"NSE:1"}, models.ModeQuote))

	require.NoError(t, r.Unsubscribe("a", []string{"NSE:1", "NSE:2"}, models.ModeQuote))
	calls := tr.snapshotCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "unsubscribe", calls[1].op)
	assert.Equal(t, []string{"NSE:2"}, calls[1].keys)
	assert.Contains(t, r.Transmitted(), "NSE:1")

	require.NoError(t, r.Unsubscribe("b", []string{"NSE:1"}, models.ModeQuote))
	assert.Equal(t, 2, tr.count("unsubscribe"))
	assert.Empty(t, r.Transmitted())

	// Unsubscribing again is a no-op.
	require.NoError(t, r.Unsubscribe("b", []string{"NSE:1"}, models.ModeQuote))
	assert.Equal(t, 2, tr.count("unsubscribe"))
}

func TestRegistryDowngradesWhenHighestConsumerLeaves(t *testing.T) {
	r, tr := attachedRegistry(t)

	require.NoError(t, r.Subscribe("watchlist", []string{"NSE:1"}, models.ModeQuote))
	require.NoError(t, r.Subscribe("depth", []string{"NSE:1"}, models.ModeFull))
	require.NoError(t, r.ReleaseConsumer("depth"))

	calls := tr.snapshotCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "subscribe", calls[2].op)
	assert.Equal(t, models.ModeQuote, calls[2].mode)
	assert.Equal(t, 0, tr.count("unsubscribe"))
}

func TestRegistryQueuesBeforeAttach(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)

	require.NoError(t, r.Subscribe("a", []string{"NSE:1", "NSE:2"}, models.ModeQuote))
	require.NoError(t, r.Subscribe("b", []string{"NSE:3"}, models.ModeFull))
	require.NoError(t, r.Unsubscribe("a", []string{"NSE:2"}, models.ModeQuote))
	assert.Empty(t, r.Transmitted())

	tr := &fakeTransport{}
	require.NoError(t, r.Attach(tr))

	calls := tr.snapshotCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, call{op: "subscribe", keys: []string{"NSE:1"}, mode: models.ModeQuote}, calls[0])
	assert.Equal(t, call{op: "subscribe", keys: []string{"NSE:3"}, mode: models.ModeFull}, calls[1])
}

func TestRegistryDetachKeepsDesiredState(t *testing.T) {
	r, _ := attachedRegistry(t)
	require.NoError(t, r.Subscribe("a", []string{"NSE:1"}, models.ModeQuote))

	r.Detach()
	assert.False(t, r.Attached())
	assert.Empty(t, r.Transmitted())
	assert.Equal(t, map[string]models.Mode{"NSE:1": models.ModeQuote}, r.Desired())

	tr := &fakeTransport{}
	require.NoError(t, r.Attach(tr))
	assert.Equal(t, 1, tr.count("subscribe"))
}

func TestRegistryTransportFailureIsRetriedOnReplay(t *testing.T) {
	tr := &fakeTransport{subErr: errors.New("broken pipe")}
	r := NewRegistry(zerolog.Nop(), nil)
	err := r.Attach(tr)
	assert.NoError(t, err) // nothing desired yet

	err = r.Subscribe("a", []string{"NSE:1"}, models.ModeQuote)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.Empty(t, r.Transmitted())

	tr.mu.Lock()
	tr.subErr = nil
	tr.mu.Unlock()

	require.NoError(t, r.Replay())
	assert.Equal(t, models.ModeQuote, r.Transmitted()["NSE:1"])
}

func TestRegistryRejectsMissingMode(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	assert.Error(t, r.Subscribe("a", []string{"NSE:1"}, models.ModeNone))
}
