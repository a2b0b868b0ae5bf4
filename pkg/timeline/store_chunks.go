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
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const chunkColumns = `chunk_id, room_id, prev_token, next_token, is_last_forward, is_last_backward`

func (s *Store) scanChunk(row dbutil.Scannable) (*Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ChunkID, &c.RoomID, &c.PrevToken, &c.NextToken, &c.IsLastForward, &c.IsLastBackward)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// CreateChunk persists a new chunk and fills in its generated ID.
func (s *Store) CreateChunk(ctx context.Context, c *Chunk) error {
	if err := s.ensureRoom(ctx, c.RoomID); err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, `
		INSERT INTO chunk (room_id, prev_token, next_token, is_last_forward, is_last_backward, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.RoomID, c.PrevToken, c.NextToken, c.IsLastForward, c.IsLastBackward, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	c.ChunkID, err = res.LastInsertId()
	return err
}

// UpdateChunk rewrites a chunk's tokens and boundary flags.
func (s *Store) UpdateChunk(ctx context.Context, c *Chunk) error {
	_, err := s.db.Exec(ctx, `
		UPDATE chunk SET prev_token=$2, next_token=$3, is_last_forward=$4, is_last_backward=$5
		WHERE chunk_id=$1
	`, c.ChunkID, c.PrevToken, c.NextToken, c.IsLastForward, c.IsLastBackward)
	return err
}

// DeleteChunk removes a chunk row. Events must have been moved or deleted
// first; stray rows would break window queries.
func (s *Store) DeleteChunk(ctx context.Context, chunkID int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM chunk WHERE chunk_id=$1`, chunkID)
	return err
}

func (s *Store) GetChunk(ctx context.Context, chunkID int64) (*Chunk, error) {
	row := s.db.QueryRow(ctx, `SELECT `+chunkColumns+` FROM chunk WHERE chunk_id=$1`, chunkID)
	return s.scanChunk(row)
}

// GetChunkByPrevToken finds the chunk that starts at the given token.
func (s *Store) GetChunkByPrevToken(ctx context.Context, roomID id.RoomID, token string) (*Chunk, error) {
	if token == "" {
		return nil, nil
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk WHERE room_id=$1 AND prev_token=$2`,
		roomID, token)
	return s.scanChunk(row)
}

// GetChunkByNextToken finds the chunk that ends at the given token.
func (s *Store) GetChunkByNextToken(ctx context.Context, roomID id.RoomID, token string) (*Chunk, error) {
	if token == "" {
		return nil, nil
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk WHERE room_id=$1 AND next_token=$2`,
		roomID, token)
	return s.scanChunk(row)
}

// GetLiveChunk returns the chunk holding the live edge, nil before the first
// sync batch.
func (s *Store) GetLiveChunk(ctx context.Context, roomID id.RoomID) (*Chunk, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk WHERE room_id=$1 AND is_last_forward=TRUE`,
		roomID)
	return s.scanChunk(row)
}

// GetStateChunk returns the per-room sentinel chunk for out-of-band events,
// creating it on first use.
func (s *Store) GetStateChunk(ctx context.Context, roomID id.RoomID) (*Chunk, error) {
	chunk, err := s.GetChunkByPrevToken(ctx, roomID, stateChunkPrevToken)
	if err != nil || chunk != nil {
		return chunk, err
	}
	chunk = &Chunk{
		RoomID:    roomID,
		PrevToken: stateChunkPrevToken,
		NextToken: stateChunkNextToken,
	}
	return chunk, s.CreateChunk(ctx, chunk)
}

// GetChunksContaining returns the distinct chunks that already hold any of
// the given events. Used for overlap detection on redundant re-fetches.
func (s *Store) GetChunksContaining(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) ([]*Chunk, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT c.chunk_id, c.room_id, c.prev_token, c.next_token, c.is_last_forward, c.is_last_backward
		FROM chunk c JOIN timeline_event e ON e.chunk_id = c.chunk_id
		WHERE c.room_id=$1 AND e.event_id IN (`
	args := []any{roomID}
	for i, eventID := range eventIDs {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("$%d", len(args)+1)
		args = append(args, eventID)
	}
	query += ")"
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []*Chunk
	for rows.Next() {
		chunk, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// MoveChunkEvents reassigns every event of one chunk to another. Display
// indexes are assigned once and keep the merged ordering intact.
func (s *Store) MoveChunkEvents(ctx context.Context, fromChunkID, toChunkID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE timeline_event SET chunk_id=$2 WHERE chunk_id=$1`,
		fromChunkID, toChunkID)
	return err
}

// CountChunkEvents returns how many events a chunk holds.
func (s *Store) CountChunkEvents(ctx context.Context, chunkID int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM timeline_event WHERE chunk_id=$1`, chunkID).Scan(&count)
	return count, err
}

// ListChunks returns every chunk of a room.
func (s *Store) ListChunks(ctx context.Context, roomID id.RoomID) ([]*Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunk WHERE room_id=$1 ORDER BY chunk_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []*Chunk
	for rows.Next() {
		chunk, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// PurgeOrphanedChunks deletes chunks (and their events) that are not
// reachable from the live chunk through token links. Transient overlap
// handling can leave such fragments behind; window start clears them.
// The sentinel state chunk is always kept.
func (s *Store) PurgeOrphanedChunks(ctx context.Context, roomID id.RoomID) (int, error) {
	chunks, err := s.ListChunks(ctx, roomID)
	if err != nil {
		return 0, err
	}
	var live *Chunk
	byPrev := make(map[string]*Chunk, len(chunks))
	byNext := make(map[string]*Chunk, len(chunks))
	for _, chunk := range chunks {
		if chunk.IsLastForward {
			live = chunk
		}
		if chunk.PrevToken != "" {
			byPrev[chunk.PrevToken] = chunk
		}
		if chunk.NextToken != "" {
			byNext[chunk.NextToken] = chunk
		}
	}
	if live == nil {
		// No live edge yet: nothing is authoritative, keep everything.
		return 0, nil
	}

	reachable := map[int64]bool{live.ChunkID: true}
	// Walk backward: the chunk before X ends where X starts.
	for cursor := live; cursor != nil && cursor.PrevToken != ""; {
		prev := byNext[cursor.PrevToken]
		if prev == nil || reachable[prev.ChunkID] {
			break
		}
		reachable[prev.ChunkID] = true
		cursor = prev
	}
	// Walk forward symmetrically in case the live flag sits mid-chain.
	for cursor := live; cursor != nil && cursor.NextToken != ""; {
		next := byPrev[cursor.NextToken]
		if next == nil || reachable[next.ChunkID] {
			break
		}
		reachable[next.ChunkID] = true
		cursor = next
	}

	purged := 0
	for _, chunk := range chunks {
		if reachable[chunk.ChunkID] || chunk.IsStateChunk() {
			continue
		}
		if err = s.deleteChunkEvents(ctx, chunk.ChunkID); err != nil {
			return purged, err
		}
		if err = s.DeleteChunk(ctx, chunk.ChunkID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (s *Store) deleteChunkEvents(ctx context.Context, chunkID int64) error {
	if batch := s.collector(ctx); batch != nil {
		rows, err := s.db.Query(ctx, `SELECT event_id FROM timeline_event WHERE chunk_id=$1`, chunkID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var eventID id.EventID
			if err = rows.Scan(&eventID); err != nil {
				rows.Close()
				return err
			}
			batch.Deleted = append(batch.Deleted, eventID)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(ctx, `DELETE FROM timeline_event WHERE chunk_id=$1`, chunkID)
	return err
}
