package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "maxrelay/internal/errors"
	"maxrelay/internal/models"
	"maxrelay/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOffsets(t *testing.T) *state.OffsetStore {
	t.Helper()
	offsets, err := state.NewOffsetStore(filepath.Join(t.TempDir(), "offsets.json"))
	require.NoError(t, err)
	return offsets
}

func newTestCoordinator(
	listener SourceListener,
	dispatcher DeliveryDispatcher,
	offsets *state.OffsetStore,
	catalog *state.CatalogStore,
	subs SubscriberSource,
	refreshEvery time.Duration,
) *RelayCoordinator {
	return NewRelayCoordinator(
		listener, fakeResolver{}, dispatcher,
		offsets, catalog, subs,
		fastBackoff(), 10, refreshEvery, quietLogger(),
	)
}

func msg(chatID, id int64, text string) models.InboundMessage {
	return models.InboundMessage{ChatID: chatID, ID: id, Text: text, Timestamp: time.Now()}
}

func TestPipeline_BackfillDeliversOldestFirst(t *testing.T) {
	listener := newFakeListener()
	listener.history[5] = []models.InboundMessage{msg(5, 10, "a"), msg(5, 20, "b"), msg(5, 30, "c")}
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool {
		off, ok := offsets.Get(5)
		return ok && off == 30
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{10, 20, 30}, dispatcher.dispatchedIDs())
}

func TestPipeline_EmptyHistoryStillRecordsOffset(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool {
		off, ok := offsets.Get(5)
		return ok && off == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, dispatcher.dispatchedIDs())
}

func TestPipeline_ResumeSkipsDeliveredMessages(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(5, 20))
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	// subscribe first so pushes queue up before the pipeline starts reading
	listener.Subscribe(5)
	listener.push(5, msg(5, 15, "old"))
	listener.push(5, msg(5, 20, "boundary"))
	listener.push(5, msg(5, 25, "new"))

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool {
		off, _ := offsets.Get(5)
		return off == 25
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{25}, dispatcher.dispatchedIDs())
	listener.mu.Lock()
	calls := listener.historyCalls
	listener.mu.Unlock()
	assert.Zero(t, calls, "a chat with a recorded offset must not backfill")
}

func TestPipeline_PersistenceFailureStopsPipeline(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "offsets")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	offsets, err := state.NewOffsetStore(filepath.Join(dir, "offsets.json"))
	require.NoError(t, err)
	require.NoError(t, offsets.Set(5, 1))

	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	listener.Subscribe(5)

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool { return rc.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	// turn the state directory into a regular file so the atomic write
	// fails even when the tests run as root
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))
	listener.push(5, msg(5, 2, "doomed"))

	require.Eventually(t, func() bool { return rc.Running() == 0 }, 2*time.Second, 5*time.Millisecond)

	// the message was delivered before the persist attempt; a restart would
	// re-deliver it, never skip it
	assert.Equal(t, []int64{2}, dispatcher.dispatchedFor(5))

	// reconcile must not restart a pipeline that died on unwritable state
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rc.Running())
}

func TestPipeline_BackfillFailureStopsOnlyThatChat(t *testing.T) {
	listener := newFakeListener()
	listener.historyErr = apperrors.NewFetchError("history", 401, nil)
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(6, 1)) // chat 6 resumes, chat 5 must backfill
	catalog := testCatalog(t, 5, 6)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}, 6: {200}}}

	listener.Subscribe(6)

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	listener.push(6, msg(6, 2, "alive"))
	require.Eventually(t, func() bool {
		return len(dispatcher.dispatchedFor(6)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// chat 5 died during backfill and stays down; chat 6 keeps relaying
	require.Eventually(t, func() bool { return rc.Running() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, dispatcher.dispatchedFor(5))
	_, known := offsets.Get(5)
	assert.False(t, known, "a failed backfill must not record an offset")
}

// blockingDispatcher parks every delivery until the context dies, the way a
// slow Telegram send looks to the pipeline during shutdown.
type blockingDispatcher struct {
	entered chan struct{}
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, content *models.ResolvedContent, recipients []int64) []models.DeliveryAttempt {
	close(b.entered)
	<-ctx.Done()
	attempts := make([]models.DeliveryAttempt, 0, len(recipients))
	for _, r := range recipients {
		attempts = append(attempts, models.DeliveryAttempt{Recipient: r, Status: models.DeliveryStatusFailed, Err: ctx.Err()})
	}
	return attempts
}

func TestPipeline_ShutdownMidDeliveryKeepsOffset(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &blockingDispatcher{entered: make(chan struct{})}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(5, 1))
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	listener.Subscribe(5)
	listener.push(5, msg(5, 2, "in flight"))

	rc := NewRelayCoordinator(
		listener, fakeResolver{}, dispatcher,
		offsets, catalog, subs,
		fastBackoff(), 10, time.Hour, quietLogger(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rc.Run(ctx) }()

	select {
	case <-dispatcher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	// the aborted message must be re-delivered on restart, so its
	// offset stays unwritten
	off, _ := offsets.Get(5)
	assert.Equal(t, int64(1), off)
}

func TestPipeline_DeactivationStopsPipelineKeepsOffset(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(5, 10))
	require.NoError(t, offsets.Set(6, 10))
	catalog := testCatalog(t, 5, 6)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}, 6: {200}}}

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool { return rc.Running() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, catalog.Deactivate(6))
	require.Eventually(t, func() bool { return rc.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	off, ok := offsets.Get(6)
	assert.True(t, ok)
	assert.Equal(t, int64(10), off, "deactivation must not touch the offset")

	// the surviving chat keeps relaying
	listener.push(5, msg(5, 11, "still here"))
	require.Eventually(t, func() bool {
		ids := dispatcher.dispatchedIDs()
		return len(ids) == 1 && ids[0] == 11
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_ReactivationResumesWithoutBackfill(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(5, 10))
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool { return rc.Running() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, catalog.Deactivate(5))
	require.Eventually(t, func() bool { return rc.Running() == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, catalog.Upsert(5, ""))
	require.Eventually(t, func() bool { return rc.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	listener.mu.Lock()
	calls := listener.historyCalls
	listener.mu.Unlock()
	assert.Zero(t, calls)
}

func TestPipeline_NoRecipientsStillAdvancesOffset(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(5, 1))
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{}}

	listener.Subscribe(5)
	listener.push(5, msg(5, 2, "nobody listens"))

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool {
		off, _ := offsets.Get(5)
		return off == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, dispatcher.dispatchedIDs())
}

func TestPipeline_StreamCloseEndsPipelineCleanly(t *testing.T) {
	listener := newFakeListener()
	dispatcher := &fakeDispatcher{}
	offsets := testOffsets(t)
	require.NoError(t, offsets.Set(5, 1))
	catalog := testCatalog(t, 5)
	subs := &fakeSubscribers{byChat: map[int64][]int64{5: {100}}}

	rc := newTestCoordinator(listener, dispatcher, offsets, catalog, subs, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	require.Eventually(t, func() bool { return rc.Running() == 1 }, 2*time.Second, 5*time.Millisecond)
	listener.Unsubscribe(5)
	require.Eventually(t, func() bool { return rc.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
}
