package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func waitSnapshot(t *testing.T, w *Window, pred func([]*TimelineEvent) bool) []*TimelineEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-w.Snapshots():
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func snapshotIDs(snap []*TimelineEvent) []id.EventID {
	ids := make([]id.EventID, len(snap))
	for i, te := range snap {
		ids[i] = te.Event.EventID
	}
	return ids
}

func TestDebouncer_BurstYieldsOneDelivery(t *testing.T) {
	var deliveries atomic.Int32
	debouncer := newSnapshotDebouncer(20*time.Millisecond, func() {
		deliveries.Add(1)
	})
	defer debouncer.Stop()

	for i := 0; i < 10; i++ {
		debouncer.Trigger()
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load())

	// A fresh trigger after delivery starts a new window.
	debouncer.Trigger()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), deliveries.Load())
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	var deliveries atomic.Int32
	debouncer := newSnapshotDebouncer(50*time.Millisecond, func() {
		deliveries.Add(1)
	})
	debouncer.Trigger()
	debouncer.Stop()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), deliveries.Load())
}

func TestWindow_LiveEventsArriveInOneSnapshot(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	syncEvents(t, engine, textEvent(t, "$e1", otherUser, "one"))

	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 1 })

	// A burst of live events lands as a single coalesced snapshot.
	burst := make([]*Event, 10)
	for i := range burst {
		burst[i] = textEvent(t, fmt.Sprintf("$burst%d", i), otherUser, "hi")
	}
	syncEvents(t, engine, burst...)

	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 11 })
	assert.Equal(t, id.EventID("$e1"), snap[0].Event.EventID)
	assert.Equal(t, id.EventID("$burst9"), snap[10].Event.EventID)
}

func TestWindow_SnapshotCarriesSummaries(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	syncEvents(t, engine, textEvent(t, "$msg", otherUser, "hello"))
	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	syncEvents(t, engine, reactionEvent(t, "$r1", otherUser, "$msg", "👍"))

	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool {
		return len(snap) >= 1 && snap[0].Summary != nil
	})
	require.Len(t, snap[0].Summary.Reactions, 1)
	assert.Equal(t, "👍", snap[0].Summary.Reactions[0].Key)
	assert.Equal(t, 1, snap[0].Summary.Reactions[0].Count)
}

func TestWindow_PaginateServesFromCacheFirst(t *testing.T) {
	store := newTestStore(t)
	cfg := newTestConfig()
	cfg.InitialWindowSize = 5
	engine := NewEngine(store, nil, nil, cfg, zerolog.Nop())
	t.Cleanup(engine.Close)
	ctx := context.Background()

	events := make([]*Event, 20)
	for i := range events {
		events[i] = textEvent(t, fmt.Sprintf("$e%02d", i), otherUser, "hi")
	}
	require.NoError(t, engine.HandleSyncBatch(ctx, testRoomID,
		&Page{Events: events, PrevToken: "t0"}, false))

	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 5 })

	// Cache covers the whole request; no fetcher is wired and none is
	// needed.
	require.NoError(t, w.Paginate(ctx, DirectionBackwards, 10))
	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 15 })
	assert.Equal(t, id.EventID("$e05"), snap[0].Event.EventID)

	more, err := w.HasMoreToLoad(ctx, DirectionBackwards)
	require.NoError(t, err)
	assert.True(t, more)
	more, err = w.HasMoreToLoad(ctx, DirectionForwards)
	require.NoError(t, err)
	assert.False(t, more, "live edge has nothing to fetch")
}

func TestWindow_PaginateFetchesDeficitFromServer(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	fetcher.pages["t1"] = page("", "t1",
		textEvent(t, "$old1", otherUser, "old one"),
		textEvent(t, "$old2", otherUser, "old two"))
	engine, cfg := newTestEngine(t, store, fetcher)
	ctx := context.Background()

	require.NoError(t, engine.HandleSyncBatch(ctx, testRoomID,
		&Page{Events: []*Event{textEvent(t, "$e1", otherUser, "one")}, PrevToken: "t1"}, false))

	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 1 })

	require.NoError(t, w.Paginate(ctx, DirectionBackwards, 5))
	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 3 })
	assert.Equal(t, []id.EventID{"$old1", "$old2", "$e1"}, snapshotIDs(snap))

	require.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, cfg.MinFetchLimit, fetcher.calls[0].Limit,
		"small deficits are padded up to the fetch floor")

	// The empty PrevToken marked room creation; nothing more to load.
	more, err := w.HasMoreToLoad(ctx, DirectionBackwards)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestWindow_ConfirmedEchoStaysVisible(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	syncEvents(t, engine, textEvent(t, "$msg", otherUser, "hello"))
	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 1 })

	txnID, err := engine.SendReaction(ctx, testRoomID, "$msg", "👍")
	require.NoError(t, err)
	waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 2 })

	// The server accepts the send; the echo row is re-keyed in place and
	// must stay in the window under its confirmed ID.
	confirmed := reactionEvent(t, "$confirmed", id.UserID(testUserID), "$msg", "👍")
	confirmed.TransactionID = txnID
	syncEvents(t, engine, confirmed)

	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool {
		return len(snap) == 2 && snap[1].Event.EventID == "$confirmed"
	})
	assert.Equal(t, SendStateSynced, snap[1].Event.SendState)
}

func TestWindow_EventDuringStartupNotLost(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	syncEvents(t, engine, textEvent(t, "$e1", otherUser, "one"))

	// An event committed while Start is loading the initial rows lands
	// either in the load or in the already-open change feed, never nowhere.
	late := textEvent(t, "$e2", otherUser, "two")
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.HandleSyncBatch(ctx, testRoomID, &Page{Events: []*Event{late}}, false)
	}()
	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	require.NoError(t, <-errCh)

	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 2 })
	assert.Equal(t, []id.EventID{"$e1", "$e2"}, snapshotIDs(snap))
}

func TestWindow_DecryptionUpdatesRowInPlace(t *testing.T) {
	store := newTestStore(t)
	cfg := newTestConfig()
	dec := newFakeDecryptor()
	dec.results["$enc"] = fakeDecryption{
		clearType:    "m.room.message",
		clearContent: marshalContent(t, map[string]any{"msgtype": "m.text", "body": "secret"}),
	}
	dec.results["$bad"] = fakeDecryption{err: errors.New("olm session missing")}
	engine := NewEngine(store, nil, dec, cfg, zerolog.Nop())
	t.Cleanup(engine.Close)
	ctx := context.Background()

	syncEvents(t, engine,
		encryptedEvent(t, "$enc", otherUser),
		encryptedEvent(t, "$bad", otherUser))

	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool {
		return len(snap) == 2 && snap[0].Event.DecryptedContent != nil
	})
	assert.Equal(t, "m.room.message", snap[0].Event.DecryptedType.Type)
	assert.JSONEq(t, `{"msgtype":"m.text","body":"secret"}`, string(snap[0].Event.DecryptedContent))

	// The undecryptable event keeps its error on the row instead of being
	// retried or dropped.
	require.Eventually(t, func() bool {
		ev, err := store.GetEvent(ctx, testRoomID, "$bad")
		return err == nil && ev != nil && ev.DecryptionError != ""
	}, 3*time.Second, 10*time.Millisecond)
	ev, err := store.GetEvent(ctx, testRoomID, "$bad")
	require.NoError(t, err)
	assert.Contains(t, ev.DecryptionError, "failed to decrypt $bad")
	assert.Contains(t, ev.DecryptionError, "olm session missing")
}

func TestWindow_StopDiscardsInFlightDecryption(t *testing.T) {
	store := newTestStore(t)
	cfg := newTestConfig()
	dec := newFakeDecryptor()
	dec.release = make(chan struct{})
	dec.results["$enc"] = fakeDecryption{
		clearType:    "m.room.message",
		clearContent: marshalContent(t, map[string]any{"msgtype": "m.text", "body": "secret"}),
	}
	engine := NewEngine(store, nil, dec, cfg, zerolog.Nop())
	t.Cleanup(engine.Close)
	ctx := context.Background()

	syncEvents(t, engine, encryptedEvent(t, "$enc", otherUser))

	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	w.Stop()

	// The decryptor finishes only after the window stopped; the stale
	// result must not be written back.
	close(dec.release)
	time.Sleep(100 * time.Millisecond)

	ev, err := store.GetEvent(ctx, testRoomID, "$enc")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, ev.DecryptedContent)
	assert.Empty(t, ev.DecryptionError)
}

func TestWindow_RestartWithEventIDRecenters(t *testing.T) {
	store := newTestStore(t)
	cfg := newTestConfig()
	cfg.InitialWindowSize = 4
	engine := NewEngine(store, nil, nil, cfg, zerolog.Nop())
	t.Cleanup(engine.Close)
	ctx := context.Background()

	events := make([]*Event, 20)
	for i := range events {
		events[i] = textEvent(t, fmt.Sprintf("$e%02d", i), otherUser, "hi")
	}
	require.NoError(t, engine.HandleSyncBatch(ctx, testRoomID, &Page{Events: events}, false))

	w := engine.Window(testRoomID)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	waitSnapshot(t, w, func(snap []*TimelineEvent) bool { return len(snap) == 4 })

	require.NoError(t, w.RestartWithEventID(ctx, "$e10"))
	snap := waitSnapshot(t, w, func(snap []*TimelineEvent) bool {
		for _, te := range snap {
			if te.Event.EventID == "$e10" {
				return true
			}
		}
		return false
	})
	assert.Len(t, snap, 4)

	assert.ErrorIs(t, w.RestartWithEventID(ctx, "$nope"), ErrEventNotInRoom)
}
