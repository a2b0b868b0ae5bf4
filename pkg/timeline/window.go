// matrix-timeline - A client-side timeline engine for Matrix rooms.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrWindowNotReady  = errors.New("timeline window is not started")
	ErrWindowStarted   = errors.New("timeline window is already started")
	ErrEventNotInRoom  = errors.New("event not found in local room history")
	ErrEventNotOrdered = errors.New("event has no display index and cannot anchor a window")
)

// Paginator runs one remote pagination round trip: fetch, stitch, aggregate.
// The Engine implements it; windows never talk to the transport directly.
type Paginator interface {
	PaginateRoom(ctx context.Context, roomID id.RoomID, fromToken string, dir Direction, limit int) error
}

type windowState int

const (
	windowStopped windowState = iota
	windowReady
)

// Window is a movable view over one room's ordered local history. All row
// mutation happens on the window's own goroutine; Paginate and Restart
// submit work to it and wait. Consumers receive immutable snapshots on the
// Snapshots channel, debounced so a burst of changes yields one delivery.
type Window struct {
	store     *Store
	agg       *Aggregator
	paginator Paginator
	decryptor Decryptor
	cfg       *Config
	log       zerolog.Logger
	roomID    id.RoomID
	filter    *rowFilter

	mu         sync.Mutex
	state      windowState
	rows       []*Event // ascending display index
	paginating map[Direction]bool

	sub       *Subscription
	inbox     chan func()
	snapshots chan []*TimelineEvent
	debouncer *snapshotDebouncer
	stopCh    chan struct{}
	loopDone  chan struct{}

	// decryptCtx bounds in-flight decryptions to the window's lifetime;
	// results arriving after Stop are discarded.
	decryptCtx    context.Context
	decryptCancel context.CancelFunc
}

func newWindow(store *Store, agg *Aggregator, paginator Paginator, decryptor Decryptor, cfg *Config, log zerolog.Logger, roomID id.RoomID, filter *rowFilter) *Window {
	w := &Window{
		store:      store,
		agg:        agg,
		paginator:  paginator,
		decryptor:  decryptor,
		cfg:        cfg,
		log:        log.With().Str("component", "window").Stringer("room_id", roomID).Logger(),
		roomID:     roomID,
		filter:     filter,
		paginating: map[Direction]bool{},
		inbox:      make(chan func(), 16),
		snapshots:  make(chan []*TimelineEvent, 1),
	}
	w.debouncer = newSnapshotDebouncer(cfg.SnapshotDebounce(), w.deliverSnapshot)
	return w
}

// Snapshots delivers the current window contents after each debounce
// period with changes. Only the latest snapshot is retained: a slow
// consumer skips intermediate states, never blocks the engine.
func (w *Window) Snapshots() <-chan []*TimelineEvent {
	return w.snapshots
}

// Start prunes chunks unreachable from the live edge, loads the initial
// window and begins following the room's change feed.
func (w *Window) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != windowStopped {
		w.mu.Unlock()
		return ErrWindowStarted
	}
	w.mu.Unlock()

	err := w.store.DoRoomTxn(ctx, w.roomID, func(ctx context.Context) error {
		purged, err := w.store.PurgeOrphanedChunks(ctx, w.roomID)
		if purged > 0 {
			w.log.Info().Int("purged_chunks", purged).Msg("Pruned chunks unreachable from live edge")
		}
		return err
	})
	if err != nil {
		return err
	}

	// Subscribe before the initial load: a commit landing between the two
	// shows up in the feed instead of falling through the crack.
	sub := w.store.Subscribe(w.roomID)
	latest, err := w.store.LoadLatest(ctx, w.roomID, w.cfg.InitialWindowSize, w.filter)
	if err != nil {
		sub.Close()
		return err
	}

	w.mu.Lock()
	w.rows = reverseRows(latest)
	w.sub = sub
	w.stopCh = make(chan struct{})
	w.loopDone = make(chan struct{})
	w.decryptCtx, w.decryptCancel = context.WithCancel(context.Background())
	// Stop tears the debouncer down for good, so a restart needs a new one.
	w.debouncer = newSnapshotDebouncer(w.cfg.SnapshotDebounce(), w.deliverSnapshot)
	w.state = windowReady
	initial := append([]*Event(nil), w.rows...)
	w.mu.Unlock()

	go w.run()
	w.decryptAsync(initial)
	w.debouncer.Trigger()
	return nil
}

// Stop detaches from the change feed and cancels pending deliveries. The
// window can be restarted afterwards.
func (w *Window) Stop() {
	w.mu.Lock()
	if w.state == windowStopped {
		w.mu.Unlock()
		return
	}
	w.state = windowStopped
	sub, stopCh, loopDone := w.sub, w.stopCh, w.loopDone
	cancel := w.decryptCancel
	w.mu.Unlock()

	close(stopCh)
	<-loopDone
	// The run loop reads w.sub unlocked, so it must stay set until the loop
	// has exited; Start reassigns it on restart.
	w.mu.Lock()
	w.sub = nil
	w.mu.Unlock()
	cancel()
	sub.Close()
	w.debouncer.Stop()
}

func (w *Window) run() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.sub.Ready():
			for _, batch := range w.sub.Drain() {
				w.applyBatch(batch)
			}
		case fn := <-w.inbox:
			fn()
		}
	}
}

// exec runs fn on the window goroutine and waits for it.
func (w *Window) exec(fn func()) {
	done := make(chan struct{})
	select {
	case w.inbox <- func() { fn(); close(done) }:
	case <-w.stopCh:
		return
	}
	select {
	case <-done:
	case <-w.stopCh:
	}
}

// applyBatch folds a committed change set into the window. Inserts only
// grow the live edge here; rows gained by explicit pagination are spliced
// in by Paginate itself after its reload.
func (w *Window) applyBatch(batch *ChangeBatch) {
	w.mu.Lock()
	changed := false
	for _, ev := range batch.Inserted {
		if ev.DisplayIndex == nil || !w.filter.allows(ev) {
			continue
		}
		if len(w.rows) == 0 || *ev.DisplayIndex > *w.rows[len(w.rows)-1].DisplayIndex {
			w.rows = append(w.rows, ev)
			changed = true
		}
	}
	for _, ev := range batch.Updated {
		for i, row := range w.rows {
			// A confirmed local echo keeps its display index but changes
			// event ID, so the position match catches the re-keyed row.
			if row.EventID == ev.EventID ||
				(row.DisplayIndex != nil && ev.DisplayIndex != nil && *row.DisplayIndex == *ev.DisplayIndex) {
				w.rows[i] = ev
				changed = true
				break
			}
		}
	}
	for _, gone := range batch.Deleted {
		for i, row := range w.rows {
			if row.EventID == gone {
				w.rows = append(w.rows[:i], w.rows[i+1:]...)
				changed = true
				break
			}
		}
	}
	if !changed {
		for _, target := range append(batch.SummariesChanged, batch.ReceiptsChanged...) {
			for _, row := range w.rows {
				if row.EventID == target || row.relTarget == target {
					changed = true
					break
				}
			}
		}
	}
	var encrypted []*Event
	for _, ev := range batch.Inserted {
		if ev.IsEncrypted() {
			encrypted = append(encrypted, ev)
		}
	}
	w.mu.Unlock()

	w.decryptAsync(encrypted)
	if changed {
		w.debouncer.Trigger()
	}
}

func (w *Window) bounds() (low, high int64, empty bool) {
	if len(w.rows) == 0 {
		return math.MaxInt64, math.MinInt64, true
	}
	return *w.rows[0].DisplayIndex, *w.rows[len(w.rows)-1].DisplayIndex, false
}

// Paginate extends the window by count events in the given direction,
// serving from already persisted history first and fetching from the
// homeserver only for the remaining deficit. Calls while a pagination in
// the same direction is in flight are absorbed.
func (w *Window) Paginate(ctx context.Context, dir Direction, count int) error {
	w.mu.Lock()
	if w.state != windowReady {
		w.mu.Unlock()
		return ErrWindowNotReady
	}
	if w.paginating[dir] {
		w.mu.Unlock()
		return nil
	}
	w.paginating[dir] = true
	low, high, _ := w.bounds()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.paginating, dir)
		w.mu.Unlock()
	}()

	cached, err := w.loadEdge(ctx, dir, low, high, count)
	if err != nil {
		return err
	}
	if deficit := count - len(cached); deficit > 0 {
		fetched, err := w.fetchRemote(ctx, dir, cached, deficit)
		if err != nil {
			return err
		}
		if fetched {
			if cached, err = w.loadEdge(ctx, dir, low, high, count); err != nil {
				return err
			}
		}
	}
	if len(cached) > 0 {
		w.splice(dir, cached)
		w.debouncer.Trigger()
	}
	w.decryptAsync(cached)
	return nil
}

func (w *Window) loadEdge(ctx context.Context, dir Direction, low, high int64, count int) ([]*Event, error) {
	if dir == DirectionBackwards {
		rows, err := w.store.LoadBefore(ctx, w.roomID, low, count, w.filter)
		return reverseRows(rows), err // descending to ascending
	}
	return w.store.LoadAfter(ctx, w.roomID, high, count, w.filter)
}

// fetchRemote resolves the edge chunk's continuation token and runs one
// pagination round trip through the engine. Returns false when the edge is
// terminal and there is nothing left to fetch.
func (w *Window) fetchRemote(ctx context.Context, dir Direction, cached []*Event, deficit int) (bool, error) {
	edge, err := w.edgeChunk(ctx, dir, cached)
	if err != nil || edge == nil {
		return false, err
	}
	var token string
	if dir == DirectionBackwards {
		if edge.IsLastBackward {
			return false, nil
		}
		token = edge.PrevToken
	} else {
		if edge.IsLastForward {
			return false, nil
		}
		token = edge.NextToken
	}
	if token == "" {
		return false, nil
	}
	limit := deficit
	if limit < w.cfg.MinFetchLimit {
		limit = w.cfg.MinFetchLimit
	}
	w.log.Debug().
		Stringer("direction", dir).
		Int("limit", limit).
		Msg("Paginating from homeserver")
	return true, w.paginator.PaginateRoom(ctx, w.roomID, token, dir, limit)
}

// edgeChunk finds the chunk holding the window's outermost known row in the
// requested direction, falling back to the live chunk for an empty room.
func (w *Window) edgeChunk(ctx context.Context, dir Direction, cached []*Event) (*Chunk, error) {
	var edgeRow *Event
	w.mu.Lock()
	if len(w.rows) > 0 {
		if dir == DirectionBackwards {
			edgeRow = w.rows[0]
		} else {
			edgeRow = w.rows[len(w.rows)-1]
		}
	}
	w.mu.Unlock()
	if len(cached) > 0 {
		if dir == DirectionBackwards {
			edgeRow = cached[0]
		} else {
			edgeRow = cached[len(cached)-1]
		}
	}
	if edgeRow == nil {
		return w.store.GetLiveChunk(ctx, w.roomID)
	}
	return w.store.GetChunk(ctx, edgeRow.ChunkID)
}

// splice merges freshly loaded rows into the window edge on the window
// goroutine, dropping anything already present.
func (w *Window) splice(dir Direction, incoming []*Event) {
	w.exec(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		low, high, empty := w.bounds()
		fresh := incoming[:0:0]
		for _, ev := range incoming {
			if ev.DisplayIndex == nil {
				continue
			}
			if empty || (dir == DirectionBackwards && *ev.DisplayIndex < low) ||
				(dir == DirectionForwards && *ev.DisplayIndex > high) {
				fresh = append(fresh, ev)
			}
		}
		if len(fresh) == 0 {
			return
		}
		if dir == DirectionBackwards {
			w.rows = append(fresh, w.rows...)
		} else {
			w.rows = append(w.rows, fresh...)
		}
	})
}

// RestartWithEventID re-anchors the window around a past event, for deep
// links into history. The event must already be in local storage with an
// assigned display index.
func (w *Window) RestartWithEventID(ctx context.Context, eventID id.EventID) error {
	w.mu.Lock()
	if w.state != windowReady {
		w.mu.Unlock()
		return ErrWindowNotReady
	}
	w.mu.Unlock()

	anchor, err := w.store.GetEvent(ctx, w.roomID, eventID)
	if err != nil {
		return err
	}
	if anchor == nil {
		return ErrEventNotInRoom
	}
	if anchor.DisplayIndex == nil {
		return ErrEventNotOrdered
	}
	rows, err := w.store.LoadAround(ctx, w.roomID, *anchor.DisplayIndex, w.cfg.InitialWindowSize, w.filter)
	if err != nil {
		return err
	}
	rows = reverseRows(rows)
	w.exec(func() {
		w.mu.Lock()
		w.rows = rows
		w.mu.Unlock()
	})
	w.decryptAsync(rows)
	w.debouncer.Trigger()
	return nil
}

// HasMoreToLoad reports whether paginating in the given direction can yield
// more events, from cache or from the homeserver.
func (w *Window) HasMoreToLoad(ctx context.Context, dir Direction) (bool, error) {
	w.mu.Lock()
	low, high, empty := w.bounds()
	w.mu.Unlock()

	if !empty {
		var more bool
		var err error
		if dir == DirectionBackwards {
			more, err = w.store.HasEventsBefore(ctx, w.roomID, low, w.filter)
		} else {
			more, err = w.store.HasEventsAfter(ctx, w.roomID, high, w.filter)
		}
		if err != nil || more {
			return more, err
		}
	}
	edge, err := w.edgeChunk(ctx, dir, nil)
	if err != nil || edge == nil {
		return false, err
	}
	if dir == DirectionBackwards {
		return !edge.IsLastBackward, nil
	}
	return !edge.IsLastForward, nil
}

// PendingEventCount counts local echoes not yet confirmed by the server.
func (w *Window) PendingEventCount(ctx context.Context) (int, error) {
	return w.store.PendingCount(ctx, w.roomID)
}

// FailedEventCount counts local echoes whose send permanently failed.
func (w *Window) FailedEventCount(ctx context.Context) (int, error) {
	return w.store.FailedCount(ctx, w.roomID)
}

// deliverSnapshot assembles the derived consumer rows and publishes them,
// latest wins. Runs on the debouncer timer, never concurrently with itself.
func (w *Window) deliverSnapshot() {
	w.mu.Lock()
	if w.state != windowReady {
		w.mu.Unlock()
		return
	}
	rows := make([]*Event, len(w.rows))
	copy(rows, w.rows)
	w.mu.Unlock()

	ctx := context.Background()
	eventIDs := make([]id.EventID, len(rows))
	for i, ev := range rows {
		eventIDs[i] = ev.EventID
	}
	summaries, err := w.store.SummariesForEvents(ctx, w.roomID, eventIDs)
	if err != nil {
		w.log.Err(err).Msg("Failed to load summaries for snapshot")
		return
	}
	receipts, err := w.store.ReceiptsForEvents(ctx, w.roomID, eventIDs)
	if err != nil {
		w.log.Err(err).Msg("Failed to load read receipts for snapshot")
		return
	}
	snapshot := make([]*TimelineEvent, len(rows))
	for i, ev := range rows {
		snapshot[i] = &TimelineEvent{
			Event:        ev,
			Summary:      summaries[ev.EventID],
			ReadReceipts: receipts[ev.EventID],
		}
	}
	// Latest wins: drop the stale queued snapshot if the consumer is slow.
	select {
	case w.snapshots <- snapshot:
	default:
		select {
		case <-w.snapshots:
		default:
		}
		select {
		case w.snapshots <- snapshot:
		default:
		}
	}
}

// decryptAsync kicks off decryption for encrypted rows. Results land back
// through the normal transactional path so aggregation and the change feed
// see the clear event exactly like any other mutation.
func (w *Window) decryptAsync(rows []*Event) {
	if w.decryptor == nil {
		return
	}
	w.mu.Lock()
	ctx := w.decryptCtx
	w.mu.Unlock()
	if ctx == nil {
		return
	}
	for _, ev := range rows {
		if !ev.IsEncrypted() {
			continue
		}
		go w.decryptOne(ctx, ev)
	}
}

func (w *Window) decryptOne(ctx context.Context, ev *Event) {
	clearType, clearContent, err := w.decryptor.Decrypt(ctx, ev)
	if ctx.Err() != nil {
		// The window stopped while the decryptor ran; drop the result.
		return
	}
	if err != nil {
		derr := &DecryptionError{EventID: ev.EventID, Reason: "decryptor failed", Err: err}
		w.log.Warn().Err(derr).Stringer("event_id", ev.EventID).Msg("Failed to decrypt event")
		storeErr := w.store.DoRoomTxn(ctx, w.roomID, func(ctx context.Context) error {
			return w.store.SetDecryptionError(ctx, w.roomID, ev.EventID, derr.Error())
		})
		if storeErr != nil {
			w.log.Err(storeErr).Stringer("event_id", ev.EventID).Msg("Failed to persist decryption error")
		}
		return
	}
	err = w.store.DoRoomTxn(ctx, w.roomID, func(ctx context.Context) error {
		clear := *ev
		clear.DecryptedType = event.NewEventType(clearType)
		clear.DecryptedContent = clearContent
		rel, relErr := resolveRelation(&clear)
		if relErr != nil {
			w.log.Warn().Err(relErr).Stringer("event_id", ev.EventID).Msg("Decrypted event has malformed relation")
			rel = relation{}
		}
		if err := w.store.AttachDecrypted(ctx, w.roomID, ev.EventID, clear.DecryptedType, clearContent, rel); err != nil {
			return err
		}
		_, err := w.agg.ProcessEvents(ctx, w.roomID, []*Event{&clear})
		return err
	})
	if err != nil {
		w.log.Err(err).Stringer("event_id", ev.EventID).Msg("Failed to store decrypted event")
	}
}

func reverseRows(rows []*Event) []*Event {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}
