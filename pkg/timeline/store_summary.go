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
	"database/sql"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ============================================================================
// Reaction aggregates
// ============================================================================

// GetReactionAggregate returns one key's aggregate on a target, nil if absent.
func (s *Store) GetReactionAggregate(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (*ReactionAggregate, error) {
	var ra ReactionAggregate
	var confirmedJSON, pendingJSON string
	err := s.db.QueryRow(ctx, `
		SELECT reaction_key, count, confirmed_ids_json, pending_echo_ids_json, added_by_me
		FROM reaction_aggregate WHERE room_id=$1 AND target_event_id=$2 AND reaction_key=$3
	`, roomID, target, key).Scan(&ra.Key, &ra.Count, &confirmedJSON, &pendingJSON, &ra.AddedByMe)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err = json.Unmarshal([]byte(confirmedJSON), &ra.ConfirmedEventIDs); err != nil {
		return nil, fmt.Errorf("corrupt confirmed id set for %s/%s: %w", target, key, err)
	}
	if err = json.Unmarshal([]byte(pendingJSON), &ra.PendingLocalEchoIDs); err != nil {
		return nil, fmt.Errorf("corrupt pending echo set for %s/%s: %w", target, key, err)
	}
	return &ra, nil
}

// GetReactionAggregates returns all reaction aggregates on a target.
func (s *Store) GetReactionAggregates(ctx context.Context, roomID id.RoomID, target id.EventID) ([]*ReactionAggregate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT reaction_key, count, confirmed_ids_json, pending_echo_ids_json, added_by_me
		FROM reaction_aggregate WHERE room_id=$1 AND target_event_id=$2
		ORDER BY reaction_key
	`, roomID, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var aggregates []*ReactionAggregate
	for rows.Next() {
		var ra ReactionAggregate
		var confirmedJSON, pendingJSON string
		if err = rows.Scan(&ra.Key, &ra.Count, &confirmedJSON, &pendingJSON, &ra.AddedByMe); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(confirmedJSON), &ra.ConfirmedEventIDs); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(pendingJSON), &ra.PendingLocalEchoIDs); err != nil {
			return nil, err
		}
		aggregates = append(aggregates, &ra)
	}
	return aggregates, rows.Err()
}

// PutReactionAggregate upserts one key's aggregate on a target.
func (s *Store) PutReactionAggregate(ctx context.Context, roomID id.RoomID, target id.EventID, ra *ReactionAggregate) error {
	confirmedJSON, err := json.Marshal(ra.ConfirmedEventIDs)
	if err != nil {
		return err
	}
	pendingJSON, err := json.Marshal(ra.PendingLocalEchoIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO reaction_aggregate (room_id, target_event_id, reaction_key, count, confirmed_ids_json, pending_echo_ids_json, added_by_me)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, target_event_id, reaction_key) DO UPDATE SET
			count=excluded.count,
			confirmed_ids_json=excluded.confirmed_ids_json,
			pending_echo_ids_json=excluded.pending_echo_ids_json,
			added_by_me=excluded.added_by_me
	`, roomID, target, ra.Key, ra.Count, string(confirmedJSON), string(pendingJSON), ra.AddedByMe)
	if err != nil {
		return err
	}
	s.recordSummaryChanged(ctx, target)
	return nil
}

// DeleteReactionAggregate removes an aggregate whose count reached zero.
func (s *Store) DeleteReactionAggregate(ctx context.Context, roomID id.RoomID, target id.EventID, key string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM reaction_aggregate WHERE room_id=$1 AND target_event_id=$2 AND reaction_key=$3`,
		roomID, target, key)
	if err != nil {
		return err
	}
	s.recordSummaryChanged(ctx, target)
	return nil
}

// ============================================================================
// Edit summaries
// ============================================================================

// GetEditSummary returns the edit history of a target, nil if it has none.
func (s *Store) GetEditSummary(ctx context.Context, roomID id.RoomID, target id.EventID) (*EditSummary, error) {
	var editionsJSON string
	err := s.db.QueryRow(ctx,
		`SELECT editions_json FROM edit_summary WHERE room_id=$1 AND target_event_id=$2`,
		roomID, target).Scan(&editionsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var summary EditSummary
	if err = json.Unmarshal([]byte(editionsJSON), &summary.Editions); err != nil {
		return nil, fmt.Errorf("corrupt edit summary for %s: %w", target, err)
	}
	return &summary, nil
}

// PutEditSummary upserts the edit history of a target.
func (s *Store) PutEditSummary(ctx context.Context, roomID id.RoomID, target id.EventID, summary *EditSummary) error {
	editionsJSON, err := json.Marshal(summary.Editions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO edit_summary (room_id, target_event_id, editions_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, target_event_id) DO UPDATE SET editions_json=excluded.editions_json
	`, roomID, target, string(editionsJSON))
	if err != nil {
		return err
	}
	s.recordSummaryChanged(ctx, target)
	return nil
}

// ============================================================================
// Verification summaries
// ============================================================================

// GetVerificationState returns the handshake state for a request event,
// empty string if none.
func (s *Store) GetVerificationState(ctx context.Context, roomID id.RoomID, target id.EventID) (VerificationState, error) {
	var state string
	err := s.db.QueryRow(ctx,
		`SELECT state FROM verification_summary WHERE room_id=$1 AND target_event_id=$2`,
		roomID, target).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return VerificationState(state), nil
}

// PutVerificationState upserts the handshake state for a request event.
func (s *Store) PutVerificationState(ctx context.Context, roomID id.RoomID, target id.EventID, state VerificationState) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO verification_summary (room_id, target_event_id, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, target_event_id) DO UPDATE SET state=excluded.state
	`, roomID, target, state)
	if err != nil {
		return err
	}
	s.recordSummaryChanged(ctx, target)
	return nil
}

// ============================================================================
// Thread summaries
// ============================================================================

// GetThreadSummary returns the thread summary for a root event, nil if none.
func (s *Store) GetThreadSummary(ctx context.Context, roomID id.RoomID, root id.EventID) (*ThreadSummary, error) {
	var ts ThreadSummary
	err := s.db.QueryRow(ctx,
		`SELECT room_id, root_event_id, latest_event_id, event_count
		 FROM thread_summary WHERE room_id=$1 AND root_event_id=$2`,
		roomID, root).Scan(&ts.RoomID, &ts.RootEventID, &ts.LatestEventID, &ts.EventCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ts, nil
}

// GetThreadSummariesByLatest finds threads whose latest pointer references
// the given event. Edits to that event move the pointer.
func (s *Store) GetThreadSummariesByLatest(ctx context.Context, roomID id.RoomID, latest id.EventID) ([]*ThreadSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT room_id, root_event_id, latest_event_id, event_count
		 FROM thread_summary WHERE room_id=$1 AND latest_event_id=$2`,
		roomID, latest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var summaries []*ThreadSummary
	for rows.Next() {
		var ts ThreadSummary
		if err = rows.Scan(&ts.RoomID, &ts.RootEventID, &ts.LatestEventID, &ts.EventCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, &ts)
	}
	return summaries, rows.Err()
}

// PutThreadSummary upserts a thread's latest-message pointer.
func (s *Store) PutThreadSummary(ctx context.Context, ts *ThreadSummary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO thread_summary (room_id, root_event_id, latest_event_id, event_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, root_event_id) DO UPDATE SET
			latest_event_id=excluded.latest_event_id, event_count=excluded.event_count
	`, ts.RoomID, ts.RootEventID, ts.LatestEventID, ts.EventCount)
	if err != nil {
		return err
	}
	s.recordSummaryChanged(ctx, ts.RootEventID)
	return nil
}

// ============================================================================
// Assembled summaries
// ============================================================================

// GetSummary assembles the full annotations summary of a target event,
// nil when the target has no aggregates at all.
func (s *Store) GetSummary(ctx context.Context, roomID id.RoomID, target id.EventID) (*EventAnnotationsSummary, error) {
	reactions, err := s.GetReactionAggregates(ctx, roomID, target)
	if err != nil {
		return nil, err
	}
	edits, err := s.GetEditSummary(ctx, roomID, target)
	if err != nil {
		return nil, err
	}
	verification, err := s.GetVerificationState(ctx, roomID, target)
	if err != nil {
		return nil, err
	}
	summary := &EventAnnotationsSummary{
		RoomID:        roomID,
		TargetEventID: target,
		Reactions:     reactions,
		Edit:          edits,
	}
	if verification != "" {
		summary.Verification = &VerificationAggregate{State: verification}
	}
	if summary.IsEmpty() {
		return nil, nil
	}
	return summary, nil
}

// SummariesForEvents bulk-loads summaries for a window's visible rows.
func (s *Store) SummariesForEvents(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID]*EventAnnotationsSummary, error) {
	result := make(map[id.EventID]*EventAnnotationsSummary, len(eventIDs))
	for _, eventID := range eventIDs {
		summary, err := s.GetSummary(ctx, roomID, eventID)
		if err != nil {
			return nil, err
		}
		if summary != nil {
			result[eventID] = summary
		}
	}
	return result, nil
}

func (s *Store) recordSummaryChanged(ctx context.Context, target id.EventID) {
	if batch := s.collector(ctx); batch != nil {
		batch.SummariesChanged = append(batch.SummariesChanged, target)
	}
}
