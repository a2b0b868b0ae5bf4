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
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrEngineClosed = errors.New("timeline engine is closed")

// gapIndexStride is how far the forward index counter jumps on a gappy
// sync. Backfill into the gap allocates downward from the new live events,
// so the stride bounds how much history can be backfilled before index
// order degrades at the seam.
const gapIndexStride = 1 << 20

// Engine is the entry point for everything that mutates a room's timeline:
// sync batches, pagination responses and local sends. Each room has one
// worker goroutine, so ingest for a room is strictly serialized while
// different rooms proceed in parallel.
type Engine struct {
	store     *Store
	stitcher  *Stitcher
	agg       *Aggregator
	fetcher   Fetcher
	decryptor Decryptor
	cfg       *Config
	log       zerolog.Logger

	workersMu sync.Mutex
	workers   map[id.RoomID]chan func()
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewEngine(store *Store, fetcher Fetcher, decryptor Decryptor, cfg *Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		stitcher:  NewStitcher(store, log),
		agg:       NewAggregator(store, cfg, log),
		fetcher:   fetcher,
		decryptor: decryptor,
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		workers:   map[id.RoomID]chan func(){},
		stopCh:    make(chan struct{}),
	}
}

// Close stops every room worker and rejects further work. Queued jobs that
// have not started yet are dropped; their submitters get ErrEngineClosed.
func (e *Engine) Close() {
	e.workersMu.Lock()
	if e.closed {
		e.workersMu.Unlock()
		return
	}
	e.closed = true
	e.workersMu.Unlock()
	close(e.stopCh)
	e.wg.Wait()
}

// runSerialized executes fn on the room's worker goroutine and waits for
// the result. Shutdown is signaled through stopCh rather than closing the
// job channels, so a submission racing Close can never panic.
func (e *Engine) runSerialized(ctx context.Context, roomID id.RoomID, fn func() error) error {
	e.workersMu.Lock()
	if e.closed {
		e.workersMu.Unlock()
		return ErrEngineClosed
	}
	jobs, ok := e.workers[roomID]
	if !ok {
		jobs = make(chan func(), 8)
		e.workers[roomID] = jobs
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case job := <-jobs:
					job()
				case <-e.stopCh:
					return
				}
			}
		}()
	}
	e.workersMu.Unlock()

	errCh := make(chan error, 1)
	select {
	case jobs <- func() { errCh <- fn() }:
	case <-e.stopCh:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-e.stopCh:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSyncBatch ingests the live-edge events of one sync response.
// A limited (gappy) sync detaches the old live chunk: the new batch starts
// its own chunk whose PrevToken can later be backfilled down to the old
// history.
func (e *Engine) HandleSyncBatch(ctx context.Context, roomID id.RoomID, page *Page, limited bool) error {
	return e.runSerialized(ctx, roomID, func() error {
		return e.store.DoRoomTxn(ctx, roomID, func(ctx context.Context) error {
			live, err := e.store.GetLiveChunk(ctx, roomID)
			if err != nil {
				return err
			}
			if limited && live != nil {
				live.IsLastForward = false
				if err = e.store.UpdateChunk(ctx, live); err != nil {
					return err
				}
				if err = e.store.BumpForwardIndex(ctx, roomID, gapIndexStride); err != nil {
					return err
				}
				e.log.Debug().Stringer("room_id", roomID).
					Int64("old_live_chunk", live.ChunkID).
					Msg("Gappy sync, starting new live chunk")
				return e.ingest(ctx, roomID, page, func(ctx context.Context) error {
					_, err := e.stitcher.HandlePage(ctx, roomID, DirectionForwards, "", page)
					return err
				})
			}
			return e.ingest(ctx, roomID, page, func(ctx context.Context) error {
				_, err := e.stitcher.HandleLiveEvents(ctx, roomID, page)
				return err
			})
		})
	})
}

// PaginateRoom fetches one page from the homeserver and ingests it. This is
// the Paginator implementation windows call for their deficit.
func (e *Engine) PaginateRoom(ctx context.Context, roomID id.RoomID, fromToken string, dir Direction, limit int) error {
	page, err := e.fetcher.Fetch(ctx, roomID, fromToken, dir, limit)
	if err != nil {
		return fmt.Errorf("failed to fetch page: %w", err)
	}
	return e.HandlePaginationResponse(ctx, roomID, dir, fromToken, page)
}

// HandlePaginationResponse ingests an already fetched, normalized page.
func (e *Engine) HandlePaginationResponse(ctx context.Context, roomID id.RoomID, dir Direction, fromToken string, page *Page) error {
	return e.runSerialized(ctx, roomID, func() error {
		return e.store.DoRoomTxn(ctx, roomID, func(ctx context.Context) error {
			return e.ingest(ctx, roomID, page, func(ctx context.Context) error {
				_, err := e.stitcher.HandlePage(ctx, roomID, dir, fromToken, page)
				return err
			})
		})
	})
}

// ingest runs the full pipeline inside an open room transaction: confirm
// local echoes, stitch the page into the chunk set, then fold the newly
// visible events into the aggregates.
func (e *Engine) ingest(ctx context.Context, roomID id.RoomID, page *Page, stitch func(ctx context.Context) error) error {
	aggBatch, err := e.confirmEchoes(ctx, roomID, page)
	if err != nil {
		return err
	}

	batch := e.store.collector(ctx)
	insertedBefore := len(batch.Inserted)
	if err = stitch(ctx); err != nil {
		return err
	}
	aggBatch = append(aggBatch, batch.Inserted[insertedBefore:]...)

	counts, err := e.agg.ProcessEvents(ctx, roomID, aggBatch)
	if err != nil {
		return err
	}
	if counts.Malformed > 0 {
		e.log.Warn().Stringer("room_id", roomID).
			Int("malformed", counts.Malformed).
			Msg("Page carried malformed relation events")
	}
	return nil
}

// confirmEchoes re-keys pending local echo rows whose server event arrived
// in this page. The confirmed events still go through aggregation so
// pending reaction echoes swap to their confirmed IDs.
func (e *Engine) confirmEchoes(ctx context.Context, roomID id.RoomID, page *Page) ([]*Event, error) {
	var confirmed []*Event
	for _, ev := range page.Events {
		if ev.TransactionID == "" {
			continue
		}
		echo, err := e.store.GetEventByTxnID(ctx, roomID, ev.TransactionID)
		if err != nil {
			return nil, err
		}
		if echo == nil || !echo.IsLocalEcho() {
			continue
		}
		if err = e.store.ConfirmLocalEcho(ctx, roomID, ev.TransactionID, ev); err != nil {
			return nil, fmt.Errorf("failed to confirm local echo %s: %w", ev.TransactionID, err)
		}
		confirmed = append(confirmed, ev)
	}
	return confirmed, nil
}

// SendReaction records a pending local reaction so the aggregate updates
// immediately, before any server round trip. Returns the transaction ID the
// caller must attach to the actual send.
func (e *Engine) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (string, error) {
	content, err := json.Marshal(map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": event.RelAnnotation,
			"event_id": target,
			"key":      key,
		},
	})
	if err != nil {
		return "", err
	}
	return e.sendLocalEcho(ctx, roomID, event.EventReaction, content)
}

// SendEdit records a pending local edit of one of the user's own messages.
func (e *Engine) SendEdit(ctx context.Context, roomID id.RoomID, target id.EventID, newContent json.RawMessage) (string, error) {
	content, err := json.Marshal(map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": event.RelReplace,
			"event_id": target,
		},
		"m.new_content": newContent,
	})
	if err != nil {
		return "", err
	}
	return e.sendLocalEcho(ctx, roomID, event.EventMessage, content)
}

func (e *Engine) sendLocalEcho(ctx context.Context, roomID id.RoomID, evType event.Type, content json.RawMessage) (string, error) {
	txnID := uuid.NewString()
	ev := &Event{
		EventID:        id.EventID(localEchoPrefix + txnID),
		RoomID:         roomID,
		Type:           evType,
		Sender:         id.UserID(e.cfg.UserID),
		OriginServerTS: 0,
		Content:        content,
		TransactionID:  txnID,
		SendState:      SendStatePending,
	}
	err := e.runSerialized(ctx, roomID, func() error {
		return e.store.DoRoomTxn(ctx, roomID, func(ctx context.Context) error {
			live, err := e.store.GetLiveChunk(ctx, roomID)
			if err != nil {
				return err
			}
			if live == nil {
				live = &Chunk{RoomID: roomID, IsLastForward: true}
				if err = e.store.CreateChunk(ctx, live); err != nil {
					return err
				}
			}
			index, err := e.store.AllocForwardIndex(ctx, roomID)
			if err != nil {
				return err
			}
			ev.DisplayIndex = &index
			ev.ChunkID = live.ChunkID
			rel, relErr := resolveRelation(ev)
			if relErr != nil {
				return relErr
			}
			if err = e.store.InsertEvent(ctx, ev, rel); err != nil {
				return err
			}
			_, err = e.agg.ProcessEvents(ctx, roomID, []*Event{ev})
			return err
		})
	})
	if err != nil {
		return "", err
	}
	return txnID, nil
}

// MarkSendFailed flags a pending local echo whose send permanently failed.
// The row stays in the timeline so the failure is visible and retryable.
func (e *Engine) MarkSendFailed(ctx context.Context, roomID id.RoomID, txnID string) error {
	return e.runSerialized(ctx, roomID, func() error {
		return e.store.DoRoomTxn(ctx, roomID, func(ctx context.Context) error {
			echo, err := e.store.GetEventByTxnID(ctx, roomID, txnID)
			if err != nil {
				return err
			}
			if echo == nil {
				return fmt.Errorf("no local echo with transaction id %s", txnID)
			}
			return e.store.SetSendState(ctx, roomID, echo.EventID, SendStateFailed)
		})
	})
}

// HandleReadReceipt persists one user's read position and notifies windows.
func (e *Engine) HandleReadReceipt(ctx context.Context, rr *ReadReceipt) error {
	return e.runSerialized(ctx, rr.RoomID, func() error {
		return e.store.DoRoomTxn(ctx, rr.RoomID, func(ctx context.Context) error {
			return e.store.SetReadReceipt(ctx, rr)
		})
	})
}

// SeedServerAggregations forwards server-side reaction counts to the
// aggregation engine, serialized like any other ingest.
func (e *Engine) SeedServerAggregations(ctx context.Context, roomID id.RoomID, target id.EventID, items []ServerAggregation) error {
	return e.runSerialized(ctx, roomID, func() error {
		return e.store.DoRoomTxn(ctx, roomID, func(ctx context.Context) error {
			return e.agg.SeedServerAggregations(ctx, roomID, target, items)
		})
	})
}

// ClearRoom drops every chunk, event and aggregate of a room. Used when the
// local history diverged beyond repair and must be rebuilt from sync.
func (e *Engine) ClearRoom(ctx context.Context, roomID id.RoomID) error {
	return e.runSerialized(ctx, roomID, func() error {
		return e.store.DoRoomTxn(ctx, roomID, func(ctx context.Context) error {
			return e.store.ClearRoom(ctx, roomID)
		})
	})
}

// Window opens an unfiltered view over the room's timeline. The window is
// created stopped; call Start on it.
func (e *Engine) Window(roomID id.RoomID) *Window {
	return newWindow(e.store, e.agg, e, e.decryptor, e.cfg, e.log, roomID, nil)
}

// FilteredWindow opens a view limited to the listed event types, optionally
// hiding edit events from the visible rows (they still fold into
// summaries).
func (e *Engine) FilteredWindow(roomID id.RoomID, allowedTypes []string, hideEdits bool) *Window {
	return newWindow(e.store, e.agg, e, e.decryptor, e.cfg, e.log, roomID, &rowFilter{
		AllowedTypes: allowedTypes,
		HideEdits:    hideEdits,
	})
}
