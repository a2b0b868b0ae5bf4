package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestStore_BackwardIndexesGrowDownward(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := &Chunk{RoomID: testRoomID}
	require.NoError(t, store.CreateChunk(ctx, chunk))

	fwd1, err := store.AllocForwardIndex(ctx, testRoomID)
	require.NoError(t, err)
	fwd2, err := store.AllocForwardIndex(ctx, testRoomID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fwd1)
	assert.Equal(t, int64(2), fwd2)

	// Empty chunk falls back to the room-wide backward counter.
	back1, err := store.AllocBackwardIndex(ctx, testRoomID, chunk.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), back1)

	// A chunk with events allocates below its own floor.
	ev := textEvent(t, "$e1", otherUser, "hi")
	ev.DisplayIndex = &fwd2
	ev.ChunkID = chunk.ChunkID
	require.NoError(t, store.InsertEvent(ctx, ev, relation{}))
	back2, err := store.AllocBackwardIndex(ctx, testRoomID, chunk.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, fwd2-1, back2)
}

func TestStore_PurgeOrphanedChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live := &Chunk{RoomID: testRoomID, PrevToken: "t2", IsLastForward: true}
	require.NoError(t, store.CreateChunk(ctx, live))
	linked := &Chunk{RoomID: testRoomID, PrevToken: "t1", NextToken: "t2"}
	require.NoError(t, store.CreateChunk(ctx, linked))
	orphan := &Chunk{RoomID: testRoomID, PrevToken: "tx", NextToken: "ty"}
	require.NoError(t, store.CreateChunk(ctx, orphan))
	_, err := store.GetStateChunk(ctx, testRoomID)
	require.NoError(t, err)

	stranded := textEvent(t, "$stranded", otherUser, "bye")
	index := int64(-50)
	stranded.DisplayIndex = &index
	stranded.ChunkID = orphan.ChunkID
	require.NoError(t, store.InsertEvent(ctx, stranded, relation{}))

	purged, err := store.PurgeOrphanedChunks(ctx, testRoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	chunks, err := store.ListChunks(ctx, testRoomID)
	require.NoError(t, err)
	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	assert.Contains(t, ids, live.ChunkID)
	assert.Contains(t, ids, linked.ChunkID)
	assert.NotContains(t, ids, orphan.ChunkID)

	gone, err := store.GetEvent(ctx, testRoomID, "$stranded")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStore_RowFilter(t *testing.T) {
	store := newTestStore(t)
	stitchPage(t, store, DirectionForwards, "", page("t1", "",
		textEvent(t, "$msg", otherUser, "hello"),
		reactionEvent(t, "$r1", otherUser, "$msg", "👍"),
		editEvent(t, "$edit", otherUser, "$msg", "hello world")))
	ctx := context.Background()

	all, err := store.LoadLatest(ctx, testRoomID, 10, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	noEdits, err := store.LoadLatest(ctx, testRoomID, 10, &rowFilter{HideEdits: true})
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{"$r1", "$msg"}, eventIDsOf(noEdits))

	messagesOnly, err := store.LoadLatest(ctx, testRoomID, 10, &rowFilter{
		AllowedTypes: []string{event.EventMessage.Type},
	})
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{"$edit", "$msg"}, eventIDsOf(messagesOnly))

	// The existence checks take the same filter with a different placeholder
	// layout.
	more, err := store.HasEventsBefore(ctx, testRoomID, *messagesOnly[0].DisplayIndex, &rowFilter{
		AllowedTypes: []string{event.EventMessage.Type},
	})
	require.NoError(t, err)
	assert.True(t, more)
	more, err = store.HasEventsAfter(ctx, testRoomID, *messagesOnly[0].DisplayIndex, &rowFilter{
		AllowedTypes: []string{event.EventMessage.Type},
	})
	require.NoError(t, err)
	assert.False(t, more)
}

func TestStore_NullColumnsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := &Chunk{RoomID: testRoomID}
	require.NoError(t, store.CreateChunk(ctx, chunk))
	index, err := store.AllocForwardIndex(ctx, testRoomID)
	require.NoError(t, err)

	// An encrypted event starts with every optional column NULL.
	ev := encryptedEvent(t, "$enc", otherUser)
	ev.DisplayIndex = &index
	ev.ChunkID = chunk.ChunkID
	require.NoError(t, store.InsertEvent(ctx, ev, relation{}))

	got, err := store.GetEvent(ctx, testRoomID, "$enc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.DecryptedContent)
	assert.Empty(t, got.DecryptedType.Type)
	assert.Empty(t, got.DecryptionError)
	assert.Nil(t, got.StateKey)
	assert.True(t, got.IsEncrypted())

	loaded, err := store.LoadLatest(ctx, testRoomID, 10, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.JSONEq(t, string(ev.Content), string(loaded[0].Content))
}

func TestStore_ReadReceipts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	stitchPage(t, store, DirectionForwards, "", page("t1", "",
		textEvent(t, "$e1", otherUser, "one"),
		textEvent(t, "$e2", otherUser, "two")))

	require.NoError(t, store.SetReadReceipt(ctx, &ReadReceipt{
		RoomID: testRoomID, UserID: otherUser, EventID: "$e1", TS: 1000,
	}))
	// Receipts move forward: the same user reading further replaces the row.
	require.NoError(t, store.SetReadReceipt(ctx, &ReadReceipt{
		RoomID: testRoomID, UserID: otherUser, EventID: "$e2", TS: 2000,
	}))

	receipts, err := store.ReceiptsForEvents(ctx, testRoomID, []id.EventID{"$e1", "$e2"})
	require.NoError(t, err)
	assert.Empty(t, receipts["$e1"])
	require.Len(t, receipts["$e2"], 1)
	assert.Equal(t, otherUser, receipts["$e2"][0].UserID)
}

func TestStore_ChangeFeedDeliversOnCommit(t *testing.T) {
	store := newTestStore(t)
	sub := store.Subscribe(testRoomID)
	defer sub.Close()

	stitchPage(t, store, DirectionForwards, "", page("t1", "",
		textEvent(t, "$e1", otherUser, "one")))

	select {
	case <-sub.Ready():
	default:
		t.Fatal("expected a queued change batch after commit")
	}
	batches := sub.Drain()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Inserted, 1)
	assert.Equal(t, id.EventID("$e1"), batches[0].Inserted[0].EventID)
}
