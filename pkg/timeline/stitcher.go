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
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Stitcher integrates fetched pages into a room's chunk set: no duplicate
// events, no disconnected fragments where avoidable. It must run inside a
// Store.DoRoomTxn; concurrent pages for one room are serialized by the
// engine's per-room worker.
type Stitcher struct {
	store *Store
	log   zerolog.Logger
}

func NewStitcher(store *Store, log zerolog.Logger) *Stitcher {
	return &Stitcher{
		store: store,
		log:   log.With().Str("component", "stitcher").Logger(),
	}
}

type stitchCounters struct {
	Inserted    int
	Skipped     int
	MergedPrev  int
	MergedOver  int
	StateEvents int
}

func (c *stitchCounters) add(other stitchCounters) {
	c.Inserted += other.Inserted
	c.Skipped += other.Skipped
	c.MergedPrev += other.MergedPrev
	c.MergedOver += other.MergedOver
	c.StateEvents += other.StateEvents
}

// HandlePage stitches one normalized page (chronological events, PrevToken
// on the older edge) fetched from fromToken in the given direction.
// Re-applying the same page is a no-op: inserts are skipped by event ID and
// merges only fire while overlapping chunks still exist.
func (st *Stitcher) HandlePage(ctx context.Context, roomID id.RoomID, dir Direction, fromToken string, page *Page) (stitchCounters, error) {
	var counts stitchCounters
	log := st.log.With().Stringer("room_id", roomID).Stringer("direction", dir).Logger()

	if len(page.Events) == 0 && len(page.StateEvents) == 0 {
		// Token bookkeeping only: an empty backward page means the
		// room-creation boundary was reached.
		if dir == DirectionBackwards && fromToken != "" {
			chunk, err := st.store.GetChunkByPrevToken(ctx, roomID, fromToken)
			if err != nil {
				return counts, err
			}
			if chunk != nil && !chunk.IsLastBackward {
				chunk.IsLastBackward = true
				if err = st.store.UpdateChunk(ctx, chunk); err != nil {
					return counts, err
				}
				log.Info().Int64("chunk_id", chunk.ChunkID).Msg("Backward pagination reached room creation")
			}
		}
		return counts, nil
	}

	eventIDs := make([]id.EventID, 0, len(page.Events))
	for _, ev := range page.Events {
		eventIDs = append(eventIDs, ev.EventID)
	}

	nextChunk, err := st.store.GetChunkByPrevToken(ctx, roomID, page.NextToken)
	if err != nil {
		return counts, err
	}
	prevChunk, err := st.store.GetChunkByNextToken(ctx, roomID, page.PrevToken)
	if err != nil {
		return counts, err
	}
	overlapChunks, err := st.store.GetChunksContaining(ctx, roomID, eventIDs)
	if err != nil {
		return counts, err
	}

	target := nextChunk
	if target == nil {
		target = &Chunk{
			RoomID:    roomID,
			PrevToken: page.PrevToken,
			NextToken: page.NextToken,
		}
		if dir == DirectionForwards {
			// The very first batch of a room establishes the live edge.
			live, err := st.store.GetLiveChunk(ctx, roomID)
			if err != nil {
				return counts, err
			}
			target.IsLastForward = live == nil || (prevChunk != nil && prevChunk.IsLastForward)
		}
		if err = st.store.CreateChunk(ctx, target); err != nil {
			return counts, fmt.Errorf("failed to create chunk: %w", err)
		}
	} else {
		// The page extends an existing chunk backward; adopt the older edge
		// unless a merge below supplies an even older one.
		target.PrevToken = page.PrevToken
	}

	insertCounts, err := st.insertPageEvents(ctx, roomID, dir, target.ChunkID, page.Events)
	counts.add(insertCounts)
	if err != nil {
		return counts, err
	}

	if prevChunk != nil && prevChunk.ChunkID != target.ChunkID {
		if err = st.mergeChunk(ctx, prevChunk, target); err != nil {
			return counts, fmt.Errorf("failed to merge adjacent chunk: %w", err)
		}
		counts.MergedPrev++
	} else if prevChunk == nil {
		for _, overlap := range overlapChunks {
			if overlap.ChunkID == target.ChunkID {
				continue
			}
			// A redundant re-fetch bridged into an already-known chunk:
			// fold it in, keeping whichever older edge reaches further back.
			adoptPrev, err := st.extendsFurtherBack(ctx, overlap, target)
			if err != nil {
				return counts, err
			}
			savedPrev := target.PrevToken
			if err = st.mergeChunk(ctx, overlap, target); err != nil {
				return counts, fmt.Errorf("failed to merge overlapping chunk: %w", err)
			}
			if !adoptPrev {
				target.PrevToken = savedPrev
			}
			counts.MergedOver++
		}
	}

	if dir == DirectionBackwards && page.PrevToken == "" {
		target.IsLastBackward = true
	}
	if err = st.store.UpdateChunk(ctx, target); err != nil {
		return counts, fmt.Errorf("failed to persist target chunk: %w", err)
	}

	stateCounts, err := st.insertStateEvents(ctx, roomID, page.StateEvents)
	counts.add(stateCounts)
	if err != nil {
		return counts, err
	}

	log.Debug().
		Int("inserted", counts.Inserted).
		Int("skipped", counts.Skipped).
		Int("merged_prev", counts.MergedPrev).
		Int("merged_overlap", counts.MergedOver).
		Int("state_events", counts.StateEvents).
		Int64("target_chunk", target.ChunkID).
		Msg("Stitched pagination page")
	return counts, nil
}

// insertPageEvents assigns display indexes and persists the page's events,
// skipping IDs the room already knows. Backward pages allocate from the
// descending counter newest-first so older events always sort lower.
func (st *Stitcher) insertPageEvents(ctx context.Context, roomID id.RoomID, dir Direction, chunkID int64, events []*Event) (stitchCounters, error) {
	var counts stitchCounters
	insertOne := func(ev *Event) error {
		exists, err := st.store.HasEvent(ctx, roomID, ev.EventID)
		if err != nil {
			return err
		}
		if !exists && ev.TransactionID != "" {
			// A remote echo of our own send: the local row is re-keyed by
			// the aggregation path, not inserted twice.
			echo, err := st.store.GetEventByTxnID(ctx, roomID, ev.TransactionID)
			if err != nil {
				return err
			}
			exists = echo != nil
		}
		if exists {
			counts.Skipped++
			return nil
		}
		var index int64
		if dir == DirectionForwards {
			index, err = st.store.AllocForwardIndex(ctx, roomID)
		} else {
			index, err = st.store.AllocBackwardIndex(ctx, roomID, chunkID)
		}
		if err != nil {
			return err
		}
		ev.DisplayIndex = &index
		ev.ChunkID = chunkID
		rel, relErr := resolveRelation(ev)
		if relErr != nil {
			// Malformed relations still enter the timeline as plain events;
			// the aggregation engine logs and skips them.
			rel = relation{}
		}
		if err = st.store.InsertEvent(ctx, ev, rel); err != nil {
			return fmt.Errorf("failed to insert %s: %w", ev.EventID, err)
		}
		counts.Inserted++
		return nil
	}

	if dir == DirectionForwards {
		for _, ev := range events {
			if err := insertOne(ev); err != nil {
				return counts, err
			}
		}
	} else {
		for i := len(events) - 1; i >= 0; i-- {
			if err := insertOne(events[i]); err != nil {
				return counts, err
			}
		}
	}
	return counts, nil
}

// insertStateEvents files out-of-band events into the sentinel state chunk,
// idempotently by ID. They carry no display index and never surface in the
// window.
func (st *Stitcher) insertStateEvents(ctx context.Context, roomID id.RoomID, events []*Event) (stitchCounters, error) {
	var counts stitchCounters
	if len(events) == 0 {
		return counts, nil
	}
	stateChunk, err := st.store.GetStateChunk(ctx, roomID)
	if err != nil {
		return counts, err
	}
	for _, ev := range events {
		exists, err := st.store.HasEvent(ctx, roomID, ev.EventID)
		if err != nil {
			return counts, err
		}
		if exists {
			counts.Skipped++
			continue
		}
		ev.DisplayIndex = nil
		ev.ChunkID = stateChunk.ChunkID
		if err = st.store.InsertEvent(ctx, ev, relation{}); err != nil {
			return counts, fmt.Errorf("failed to insert state event %s: %w", ev.EventID, err)
		}
		counts.StateEvents++
	}
	return counts, nil
}

// HandleLiveEvents appends a non-gappy sync batch to the live chunk,
// advancing its forward token. Falls back to HandlePage when the room has
// no live chunk yet (first sync).
func (st *Stitcher) HandleLiveEvents(ctx context.Context, roomID id.RoomID, page *Page) (stitchCounters, error) {
	live, err := st.store.GetLiveChunk(ctx, roomID)
	if err != nil {
		return stitchCounters{}, err
	}
	if live == nil {
		return st.HandlePage(ctx, roomID, DirectionForwards, "", page)
	}
	counts, err := st.insertPageEvents(ctx, roomID, DirectionForwards, live.ChunkID, page.Events)
	if err != nil {
		return counts, err
	}
	if page.NextToken != "" && page.NextToken != live.NextToken {
		live.NextToken = page.NextToken
		if err = st.store.UpdateChunk(ctx, live); err != nil {
			return counts, err
		}
	}
	stateCounts, err := st.insertStateEvents(ctx, roomID, page.StateEvents)
	counts.add(stateCounts)
	return counts, err
}

// mergeChunk folds source into target: events move over (dedup by the
// room-scoped event primary key), target adopts the older edge and the
// boundary flags, source is deleted.
func (st *Stitcher) mergeChunk(ctx context.Context, source, target *Chunk) error {
	if err := st.store.MoveChunkEvents(ctx, source.ChunkID, target.ChunkID); err != nil {
		return err
	}
	target.PrevToken = source.PrevToken
	target.IsLastBackward = target.IsLastBackward || source.IsLastBackward
	if source.IsLastForward {
		// Folding the live chunk in: the live edge token moves with the flag,
		// or a replayed page would leave the merged chunk pointing at stale
		// history. A target already holding the edge keeps its newer token.
		if !target.IsLastForward {
			target.NextToken = source.NextToken
		}
		target.IsLastForward = true
		source.IsLastForward = false
		if err := st.store.UpdateChunk(ctx, source); err != nil {
			return err
		}
	}
	return st.store.DeleteChunk(ctx, source.ChunkID)
}

// extendsFurtherBack reports whether candidate holds older history than
// target. Tokens are opaque, so the comparison uses the display index floor.
func (st *Stitcher) extendsFurtherBack(ctx context.Context, candidate, target *Chunk) (bool, error) {
	candidateMin, candidateAny, err := st.minDisplayIndex(ctx, candidate.ChunkID)
	if err != nil {
		return false, err
	}
	targetMin, targetAny, err := st.minDisplayIndex(ctx, target.ChunkID)
	if err != nil {
		return false, err
	}
	if !candidateAny {
		return false, nil
	}
	if !targetAny {
		return true, nil
	}
	return candidateMin < targetMin, nil
}

func (st *Stitcher) minDisplayIndex(ctx context.Context, chunkID int64) (int64, bool, error) {
	var minIndex *int64
	err := st.store.db.QueryRow(ctx,
		`SELECT MIN(display_index) FROM timeline_event WHERE chunk_id=$1 AND display_index IS NOT NULL`,
		chunkID).Scan(&minIndex)
	if err != nil || minIndex == nil {
		return 0, false, err
	}
	return *minIndex, true, nil
}
