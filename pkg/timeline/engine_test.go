package timeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestEngine_GappySyncThenBackfillMerges(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	require.NoError(t, engine.HandleSyncBatch(ctx, testRoomID, &Page{
		Events: []*Event{
			textEvent(t, "$a", otherUser, "a"),
			textEvent(t, "$b", otherUser, "b"),
		},
		PrevToken: "t1",
	}, false))

	// Client was offline; sync resumes with a gap.
	require.NoError(t, engine.HandleSyncBatch(ctx, testRoomID, &Page{
		Events: []*Event{
			textEvent(t, "$c", otherUser, "c"),
			textEvent(t, "$d", otherUser, "d"),
		},
		PrevToken: "t3",
	}, true))

	chunks, err := store.ListChunks(ctx, testRoomID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	live, err := store.GetLiveChunk(ctx, testRoomID)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "t3", live.PrevToken)

	// Backfilling the gap returns the overlap event $b, bridging the two
	// chunks back into one.
	require.NoError(t, engine.HandlePaginationResponse(ctx, testRoomID, DirectionBackwards, "t3",
		page("t2", "t3",
			textEvent(t, "$b", otherUser, "b"),
			textEvent(t, "$bridge", otherUser, "bridge"))))

	chunks, err = store.ListChunks(ctx, testRoomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsLastForward)

	rows := loadAscending(t, store, testRoomID)
	assert.Equal(t, []id.EventID{"$a", "$b", "$bridge", "$c", "$d"}, eventIDsOf(rows))
}

func TestEngine_MarkSendFailed(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	syncEvents(t, engine, textEvent(t, "$msg", otherUser, "hello"))
	txnID, err := engine.SendReaction(ctx, testRoomID, "$msg", "👍")
	require.NoError(t, err)

	require.NoError(t, engine.MarkSendFailed(ctx, testRoomID, txnID))

	failed, err := store.FailedCount(ctx, testRoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	pending, err := store.PendingCount(ctx, testRoomID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	// The failed row stays visible in the timeline.
	rows := loadAscending(t, store, testRoomID)
	require.Len(t, rows, 2)
	assert.Equal(t, SendStateFailed, rows[1].SendState)

	assert.Error(t, engine.MarkSendFailed(ctx, testRoomID, "no-such-txn"))
}

func TestEngine_SendEditFoldsImmediately(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	mine := textEvent(t, "$mine", id.UserID(testUserID), "hello")
	syncEvents(t, engine, mine)

	txnID, err := engine.SendEdit(ctx, testRoomID, "$mine",
		marshalContent(t, map[string]any{"msgtype": "m.text", "body": "hello world"}))
	require.NoError(t, err)

	summary, err := store.GetEditSummary(ctx, testRoomID, "$mine")
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.Len(t, summary.Editions, 1)
	assert.True(t, summary.Editions[0].IsLocalEcho)
	assert.Equal(t, txnID, summary.Editions[0].TransactionID)

	// Confirmation replaces the echo edition in place.
	confirmed := editEvent(t, "$edit1", id.UserID(testUserID), "$mine", "hello world")
	confirmed.TransactionID = txnID
	syncEvents(t, engine, confirmed)

	summary, err = store.GetEditSummary(ctx, testRoomID, "$mine")
	require.NoError(t, err)
	require.Len(t, summary.Editions, 1)
	assert.False(t, summary.Editions[0].IsLocalEcho)
	assert.Equal(t, id.EventID("$edit1"), summary.Editions[0].EventID)
}

func TestEngine_ClearRoomDropsEverything(t *testing.T) {
	store := newTestStore(t)
	engine, _ := newTestEngine(t, store, nil)
	ctx := context.Background()

	syncEvents(t, engine, textEvent(t, "$msg", otherUser, "hello"))
	syncEvents(t, engine, reactionEvent(t, "$r1", otherUser, "$msg", "👍"))
	require.NoError(t, engine.ClearRoom(ctx, testRoomID))

	rows := loadAscending(t, store, testRoomID)
	assert.Empty(t, rows)
	chunks, err := store.ListChunks(ctx, testRoomID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	summary, err := store.GetSummary(ctx, testRoomID, "$msg")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestEngine_CloseDuringSubmitDoesNotPanic(t *testing.T) {
	store := newTestStore(t)
	cfg := newTestConfig()
	engine := NewEngine(store, nil, nil, cfg, zerolog.Nop())
	ctx := context.Background()

	const goroutines = 8
	const batchesEach = 20
	events := make([]*Event, goroutines*batchesEach)
	for i := range events {
		events[i] = textEvent(t, fmt.Sprintf("$e%03d", i), otherUser, "hi")
	}

	// Submissions racing Close must either complete or come back with
	// ErrEngineClosed, never panic on the worker channels.
	errCh := make(chan error, goroutines*batchesEach)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < batchesEach; i++ {
				ev := events[g*batchesEach+i]
				errCh <- engine.HandleSyncBatch(ctx, ev.RoomID, &Page{Events: []*Event{ev}}, false)
			}
		}(g)
	}
	engine.Close()
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			require.ErrorIs(t, err, ErrEngineClosed)
		}
	}
	assert.ErrorIs(t, engine.HandleSyncBatch(ctx, testRoomID, &Page{}, false), ErrEngineClosed)
}

func TestEngine_ClosedEngineRejectsWork(t *testing.T) {
	store := newTestStore(t)
	cfg := newTestConfig()
	engine := NewEngine(store, nil, nil, cfg, zerolog.Nop())
	engine.Close()
	err := engine.HandleSyncBatch(context.Background(), testRoomID, &Page{}, false)
	assert.ErrorIs(t, err, ErrEngineClosed)
}
