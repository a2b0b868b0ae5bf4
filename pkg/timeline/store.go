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
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Store is the local, transactional event/chunk/summary store plus its
// per-room change feed. All mutation happens inside DoRoomTxn so that a
// single commit publishes a single ChangeBatch.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	subsMu sync.Mutex
	subs   map[id.RoomID][]*Subscription
}

// NewStore wraps an already-open database handle.
func NewStore(rawDB *sql.DB, dialect string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDB(rawDB, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "timeline_db").Logger())
	return &Store{
		db:   db,
		log:  log.With().Str("component", "timeline_store").Logger(),
		subs: make(map[id.RoomID][]*Subscription),
	}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS room (
			room_id TEXT PRIMARY KEY,
			fwd_idx BIGINT NOT NULL DEFAULT 0,
			back_idx BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunk (
			chunk_id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			prev_token TEXT NOT NULL DEFAULT '',
			next_token TEXT NOT NULL DEFAULT '',
			is_last_forward BOOLEAN NOT NULL DEFAULT FALSE,
			is_last_backward BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS timeline_event (
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			display_index BIGINT,
			type TEXT NOT NULL,
			sender TEXT NOT NULL,
			origin_server_ts BIGINT NOT NULL,
			content BLOB,
			state_key TEXT,
			redacts TEXT NOT NULL DEFAULT '',
			txn_id TEXT NOT NULL DEFAULT '',
			rel_type TEXT NOT NULL DEFAULT '',
			rel_target TEXT NOT NULL DEFAULT '',
			decrypted_type TEXT NOT NULL DEFAULT '',
			decrypted_content BLOB,
			decryption_error TEXT NOT NULL DEFAULT '',
			send_state TEXT NOT NULL DEFAULT 'synced',
			created_ts BIGINT NOT NULL,
			PRIMARY KEY (room_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS reaction_aggregate (
			room_id TEXT NOT NULL,
			target_event_id TEXT NOT NULL,
			reaction_key TEXT NOT NULL,
			count INTEGER NOT NULL,
			confirmed_ids_json TEXT NOT NULL DEFAULT '[]',
			pending_echo_ids_json TEXT NOT NULL DEFAULT '[]',
			added_by_me BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (room_id, target_event_id, reaction_key)
		)`,
		`CREATE TABLE IF NOT EXISTS edit_summary (
			room_id TEXT NOT NULL,
			target_event_id TEXT NOT NULL,
			editions_json TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (room_id, target_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS verification_summary (
			room_id TEXT NOT NULL,
			target_event_id TEXT NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY (room_id, target_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS thread_summary (
			room_id TEXT NOT NULL,
			root_event_id TEXT NOT NULL,
			latest_event_id TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, root_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS read_receipt (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS timeline_event_room_idx
			ON timeline_event (room_id, display_index)`,
		`CREATE INDEX IF NOT EXISTS timeline_event_chunk_idx
			ON timeline_event (chunk_id)`,
		`CREATE INDEX IF NOT EXISTS timeline_event_txn_idx
			ON timeline_event (room_id, txn_id) WHERE txn_id <> ''`,
		`CREATE INDEX IF NOT EXISTS chunk_room_idx
			ON chunk (room_id)`,
		`CREATE INDEX IF NOT EXISTS read_receipt_event_idx
			ON read_receipt (room_id, event_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure timeline schema: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Change feed
// ============================================================================

// Subscription is a per-room change feed handle. Pushes never block the
// committing transaction: batches queue internally and Ready is a level
// signal the consumer selects on before draining.
type Subscription struct {
	roomID id.RoomID
	store  *Store

	mu     sync.Mutex
	queue  []*ChangeBatch
	ready  chan struct{}
	closed bool
}

// Ready signals that Drain will return at least one batch.
func (sub *Subscription) Ready() <-chan struct{} {
	return sub.ready
}

// Drain returns and clears all queued batches.
func (sub *Subscription) Drain() []*ChangeBatch {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	batches := sub.queue
	sub.queue = nil
	return batches
}

func (sub *Subscription) push(batch *ChangeBatch) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, batch)
	sub.mu.Unlock()
	select {
	case sub.ready <- struct{}{}:
	default:
	}
}

// Close detaches the subscription from the store and discards queued batches.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
	sub.store.unsubscribe(sub)
}

// Subscribe opens a change feed for one room.
func (s *Store) Subscribe(roomID id.RoomID) *Subscription {
	sub := &Subscription{
		roomID: roomID,
		store:  s,
		ready:  make(chan struct{}, 1),
	}
	s.subsMu.Lock()
	s.subs[roomID] = append(s.subs[roomID], sub)
	s.subsMu.Unlock()
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	list := s.subs[sub.roomID]
	for i, existing := range list {
		if existing == sub {
			s.subs[sub.roomID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (s *Store) publish(batch *ChangeBatch) {
	if batch.IsEmpty() {
		return
	}
	s.subsMu.Lock()
	list := make([]*Subscription, len(s.subs[batch.RoomID]))
	copy(list, s.subs[batch.RoomID])
	s.subsMu.Unlock()
	for _, sub := range list {
		sub.push(batch)
	}
}

type changeCollectorKey struct{}

func (s *Store) collector(ctx context.Context) *ChangeBatch {
	batch, _ := ctx.Value(changeCollectorKey{}).(*ChangeBatch)
	return batch
}

// DoRoomTxn runs fn in a single database transaction and, on commit,
// publishes every change fn recorded as one batch. This is the only write
// entry point, so stitching and aggregation for one ingest step always land
// atomically.
func (s *Store) DoRoomTxn(ctx context.Context, roomID id.RoomID, fn func(ctx context.Context) error) error {
	batch := &ChangeBatch{RoomID: roomID}
	ctx = context.WithValue(ctx, changeCollectorKey{}, batch)
	if err := s.db.DoTxn(ctx, nil, fn); err != nil {
		return err
	}
	s.publish(batch)
	return nil
}

// ============================================================================
// Rooms and display indexes
// ============================================================================

func (s *Store) ensureRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO room (room_id, fwd_idx, back_idx, created_ts)
		VALUES ($1, 0, 0, $2)
		ON CONFLICT (room_id) DO NOTHING
	`, roomID, time.Now().UnixMilli())
	return err
}

// AllocForwardIndex hands out the next index at the live edge. Indexes are
// assigned once and never reused.
func (s *Store) AllocForwardIndex(ctx context.Context, roomID id.RoomID) (int64, error) {
	if err := s.ensureRoom(ctx, roomID); err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(ctx, `UPDATE room SET fwd_idx = fwd_idx + 1 WHERE room_id=$1`, roomID); err != nil {
		return 0, err
	}
	var idx int64
	err := s.db.QueryRow(ctx, `SELECT fwd_idx FROM room WHERE room_id=$1`, roomID).Scan(&idx)
	return idx, err
}

// BumpForwardIndex advances the forward counter without assigning, leaving
// an index hole. A gappy sync jumps the live edge this way so backfill into
// the gap has room below the new events.
func (s *Store) BumpForwardIndex(ctx context.Context, roomID id.RoomID, stride int64) error {
	if err := s.ensureRoom(ctx, roomID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `UPDATE room SET fwd_idx = fwd_idx + $2 WHERE room_id=$1`, roomID, stride)
	return err
}

// AllocBackwardIndex hands out the next index below the chunk's oldest
// event, so back-paginated history grows downward from the edge it extends
// and lands inside the index hole a gappy sync left. For a chunk with no
// indexed events yet it falls back to the room-wide backward counter.
func (s *Store) AllocBackwardIndex(ctx context.Context, roomID id.RoomID, chunkID int64) (int64, error) {
	if err := s.ensureRoom(ctx, roomID); err != nil {
		return 0, err
	}
	var chunkMin sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MIN(display_index) FROM timeline_event WHERE chunk_id=$1`, chunkID,
	).Scan(&chunkMin)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	if chunkMin.Valid {
		idx := chunkMin.Int64 - 1
		// Keep the room-wide floor below every assigned index so the
		// empty-chunk fallback never collides.
		_, err = s.db.Exec(ctx, `UPDATE room SET back_idx = min(back_idx, $2) WHERE room_id=$1`, roomID, idx)
		return idx, err
	}
	if _, err = s.db.Exec(ctx, `UPDATE room SET back_idx = back_idx - 1 WHERE room_id=$1`, roomID); err != nil {
		return 0, err
	}
	var idx int64
	err = s.db.QueryRow(ctx, `SELECT back_idx FROM room WHERE room_id=$1`, roomID).Scan(&idx)
	return idx, err
}

// ClearRoom wipes every table for one room. This is the full cache clear,
// the only path that deletes summaries.
func (s *Store) ClearRoom(ctx context.Context, roomID id.RoomID) error {
	for _, table := range []string{
		"timeline_event", "chunk", "reaction_aggregate", "edit_summary",
		"verification_summary", "thread_summary", "read_receipt", "room",
	} {
		if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE room_id=$1`, table), roomID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// ============================================================================
// Events
// ============================================================================

const eventColumns = `room_id, event_id, chunk_id, display_index, type, sender, origin_server_ts,
	content, state_key, redacts, txn_id, rel_type, rel_target,
	decrypted_type, decrypted_content, decryption_error, send_state`

func (s *Store) scanEvent(row dbutil.Scannable) (*Event, error) {
	var ev Event
	var displayIndex sql.NullInt64
	var stateKey sql.NullString
	var evType, decryptedType, sendState, relType, relTarget string
	var redacts string
	// The content columns are nullable, so they go through plain []byte
	// temporaries rather than json.RawMessage directly.
	var content, decryptedContent []byte
	err := row.Scan(&ev.RoomID, &ev.EventID, &ev.ChunkID, &displayIndex, &evType, &ev.Sender,
		&ev.OriginServerTS, &content, &stateKey, &redacts, &ev.TransactionID,
		&relType, &relTarget, &decryptedType, &decryptedContent, &ev.DecryptionError, &sendState)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ev.Content = content
	ev.DecryptedContent = decryptedContent
	if displayIndex.Valid {
		idx := displayIndex.Int64
		ev.DisplayIndex = &idx
	}
	if stateKey.Valid {
		key := stateKey.String
		ev.StateKey = &key
	}
	ev.Type = event.NewEventType(evType)
	if decryptedType != "" {
		ev.DecryptedType = event.NewEventType(decryptedType)
	}
	ev.Redacts = id.EventID(redacts)
	ev.SendState = SendState(sendState)
	ev.relType = relType
	ev.relTarget = id.EventID(relTarget)
	return &ev, nil
}

// InsertEvent persists a new event row. DisplayIndex and ChunkID must have
// been assigned by the caller; the resolved relation is denormalized so
// window queries can filter without parsing content.
func (s *Store) InsertEvent(ctx context.Context, ev *Event, rel relation) error {
	var displayIndex any
	if ev.DisplayIndex != nil {
		displayIndex = *ev.DisplayIndex
	}
	var stateKey any
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}
	sendState := ev.SendState
	if sendState == "" {
		sendState = SendStateSynced
	}
	relTypeStr := ""
	if rel.Kind != relationNone {
		relTypeStr = rel.Kind.String()
	}
	decryptedType := ""
	if ev.DecryptedType.Type != "" {
		decryptedType = ev.DecryptedType.Type
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO timeline_event (`+eventColumns+`, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, ev.RoomID, ev.EventID, ev.ChunkID, displayIndex, ev.Type.Type, ev.Sender,
		ev.OriginServerTS, []byte(ev.Content), stateKey, string(ev.Redacts), ev.TransactionID,
		relTypeStr, string(rel.TargetEventID), decryptedType, []byte(ev.DecryptedContent),
		ev.DecryptionError, sendState, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	ev.SendState = sendState
	if batch := s.collector(ctx); batch != nil && ev.DisplayIndex != nil {
		batch.Inserted = append(batch.Inserted, ev)
	}
	return nil
}

// HasEvent reports whether the event already exists in the room,
// irrespective of which chunk holds it.
func (s *Store) HasEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM timeline_event WHERE room_id=$1 AND event_id=$2`,
		roomID, eventID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Event, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM timeline_event WHERE room_id=$1 AND event_id=$2`,
		roomID, eventID)
	return s.scanEvent(row)
}

// GetEventByTxnID finds a pending local echo by its transaction ID.
func (s *Store) GetEventByTxnID(ctx context.Context, roomID id.RoomID, txnID string) (*Event, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM timeline_event
		 WHERE room_id=$1 AND txn_id=$2 AND send_state IN ('pending', 'sent', 'failed')`,
		roomID, txnID)
	return s.scanEvent(row)
}

type rowFilter struct {
	// AllowedTypes limits rows to the listed effective types; empty allows all.
	AllowedTypes []string
	// HideEdits drops replace-relation rows from the window (they still fold
	// into edit summaries).
	HideEdits bool
}

// allows applies the same predicate as clause to an in-memory event.
func (f *rowFilter) allows(ev *Event) bool {
	if f == nil {
		return true
	}
	if f.HideEdits && ev.relType == "replace" {
		return false
	}
	if len(f.AllowedTypes) > 0 {
		for _, t := range f.AllowedTypes {
			if ev.Type.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

// clause renders the filter as SQL. argOffset is the ordinal of the first
// clause placeholder; callers appending more placeholders after the clause
// (such as LIMIT) continue from argOffset+len(args).
func (f *rowFilter) clause(argOffset int) (string, []any) {
	clause := ""
	var args []any
	if f != nil && f.HideEdits {
		clause += ` AND rel_type <> 'replace'`
	}
	if f != nil && len(f.AllowedTypes) > 0 {
		clause += ` AND type IN (`
		for i, t := range f.AllowedTypes {
			if i > 0 {
				clause += ", "
			}
			clause += fmt.Sprintf("$%d", argOffset+len(args))
			args = append(args, t)
		}
		clause += `)`
	}
	return clause, args
}

// LoadLatest returns the newest limit rows, descending by display index.
func (s *Store) LoadLatest(ctx context.Context, roomID id.RoomID, limit int, filter *rowFilter) ([]*Event, error) {
	clause, args := filter.clause(2)
	query := `SELECT ` + eventColumns + ` FROM timeline_event
		WHERE room_id=$1 AND display_index IS NOT NULL` + clause + `
		ORDER BY display_index DESC LIMIT $` + fmt.Sprint(2+len(args))
	return s.queryEvents(ctx, query, append(append([]any{roomID}, args...), limit)...)
}

// LoadBefore returns up to limit rows strictly below the index, descending.
func (s *Store) LoadBefore(ctx context.Context, roomID id.RoomID, index int64, limit int, filter *rowFilter) ([]*Event, error) {
	clause, args := filter.clause(3)
	query := `SELECT ` + eventColumns + ` FROM timeline_event
		WHERE room_id=$1 AND display_index IS NOT NULL AND display_index < $2` + clause + `
		ORDER BY display_index DESC LIMIT $` + fmt.Sprint(3+len(args))
	return s.queryEvents(ctx, query, append(append([]any{roomID, index}, args...), limit)...)
}

// LoadAfter returns up to limit rows strictly above the index, ascending.
func (s *Store) LoadAfter(ctx context.Context, roomID id.RoomID, index int64, limit int, filter *rowFilter) ([]*Event, error) {
	clause, args := filter.clause(3)
	query := `SELECT ` + eventColumns + ` FROM timeline_event
		WHERE room_id=$1 AND display_index IS NOT NULL AND display_index > $2` + clause + `
		ORDER BY display_index ASC LIMIT $` + fmt.Sprint(3+len(args))
	return s.queryEvents(ctx, query, append(append([]any{roomID, index}, args...), limit)...)
}

// LoadAround returns up to limit rows centered on the anchor index,
// descending. Used by deep links.
func (s *Store) LoadAround(ctx context.Context, roomID id.RoomID, index int64, limit int, filter *rowFilter) ([]*Event, error) {
	half := limit / 2
	// The anchor row counts against the limit.
	older, err := s.LoadBefore(ctx, roomID, index+1, half+1, filter)
	if err != nil {
		return nil, err
	}
	newer, err := s.LoadAfter(ctx, roomID, index, limit-half-1, filter)
	if err != nil {
		return nil, err
	}
	// newer is ascending; flip and prepend so the result stays descending.
	rows := make([]*Event, 0, len(older)+len(newer))
	for i := len(newer) - 1; i >= 0; i-- {
		rows = append(rows, newer[i])
	}
	rows = append(rows, older...)
	return rows, nil
}

// HasEventsBefore reports whether any matching row exists below the index.
func (s *Store) HasEventsBefore(ctx context.Context, roomID id.RoomID, index int64, filter *rowFilter) (bool, error) {
	clause, args := filter.clause(3)
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM timeline_event
		WHERE room_id=$1 AND display_index IS NOT NULL AND display_index < $2`+clause+` LIMIT 1`,
		append([]any{roomID, index}, args...)...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasEventsAfter reports whether any matching row exists above the index.
func (s *Store) HasEventsAfter(ctx context.Context, roomID id.RoomID, index int64, filter *rowFilter) (bool, error) {
	clause, args := filter.clause(3)
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM timeline_event
		WHERE room_id=$1 AND display_index IS NOT NULL AND display_index > $2`+clause+` LIMIT 1`,
		append([]any{roomID, index}, args...)...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AttachDecrypted stores the clear payload on an encrypted event. The row is
// updated in place; ordering never changes.
func (s *Store) AttachDecrypted(ctx context.Context, roomID id.RoomID, eventID id.EventID, clearType event.Type, clearContent json.RawMessage, rel relation) error {
	relTypeStr := ""
	if rel.Kind != relationNone {
		relTypeStr = rel.Kind.String()
	}
	_, err := s.db.Exec(ctx, `
		UPDATE timeline_event
		SET decrypted_type=$3, decrypted_content=$4, decryption_error='', rel_type=$5, rel_target=$6
		WHERE room_id=$1 AND event_id=$2
	`, roomID, eventID, clearType.Type, []byte(clearContent), relTypeStr, string(rel.TargetEventID))
	if err != nil {
		return err
	}
	s.recordUpdated(ctx, roomID, eventID)
	return nil
}

// SetDecryptionError marks a row as terminally undecryptable. It stays
// visible as encrypted; no automatic retry.
func (s *Store) SetDecryptionError(ctx context.Context, roomID id.RoomID, eventID id.EventID, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE timeline_event SET decryption_error=$3 WHERE room_id=$1 AND event_id=$2
	`, roomID, eventID, message)
	if err != nil {
		return err
	}
	s.recordUpdated(ctx, roomID, eventID)
	return nil
}

// ConfirmLocalEcho re-keys a pending local echo to its confirmed server
// event ID, preserving the display index so the row never moves.
func (s *Store) ConfirmLocalEcho(ctx context.Context, roomID id.RoomID, txnID string, confirmed *Event) error {
	localID := id.EventID(localEchoPrefix + txnID)
	res, err := s.db.Exec(ctx, `
		UPDATE timeline_event
		SET event_id=$3, content=$4, origin_server_ts=$5, send_state='synced'
		WHERE room_id=$1 AND event_id=$2
	`, roomID, localID, confirmed.EventID, []byte(confirmed.Content), confirmed.OriginServerTS)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	if batch := s.collector(ctx); batch != nil {
		batch.Deleted = append(batch.Deleted, localID)
	}
	s.recordUpdated(ctx, roomID, confirmed.EventID)
	return nil
}

// SetSendState updates a local echo's lifecycle state.
func (s *Store) SetSendState(ctx context.Context, roomID id.RoomID, eventID id.EventID, state SendState) error {
	_, err := s.db.Exec(ctx,
		`UPDATE timeline_event SET send_state=$3 WHERE room_id=$1 AND event_id=$2`,
		roomID, eventID, state)
	if err != nil {
		return err
	}
	s.recordUpdated(ctx, roomID, eventID)
	return nil
}

// RedactEventContent prunes a redacted event's payload in place.
func (s *Store) RedactEventContent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE timeline_event
		SET content='{}', decrypted_content=NULL, decrypted_type='', rel_type='', rel_target=''
		WHERE room_id=$1 AND event_id=$2
	`, roomID, eventID)
	if err != nil {
		return err
	}
	s.recordUpdated(ctx, roomID, eventID)
	return nil
}

func (s *Store) recordUpdated(ctx context.Context, roomID id.RoomID, eventID id.EventID) {
	batch := s.collector(ctx)
	if batch == nil {
		return
	}
	ev, err := s.GetEvent(ctx, roomID, eventID)
	if err != nil || ev == nil {
		return
	}
	batch.Updated = append(batch.Updated, ev)
}

// PendingCount counts local events not yet accepted by the server.
func (s *Store) PendingCount(ctx context.Context, roomID id.RoomID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM timeline_event WHERE room_id=$1 AND send_state IN ('pending', 'sent')`,
		roomID).Scan(&count)
	return count, err
}

// FailedCount counts local events whose send permanently failed.
func (s *Store) FailedCount(ctx context.Context, roomID id.RoomID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM timeline_event WHERE room_id=$1 AND send_state='failed'`,
		roomID).Scan(&count)
	return count, err
}

// ============================================================================
// Read receipts
// ============================================================================

// SetReadReceipt moves a user's read position.
func (s *Store) SetReadReceipt(ctx context.Context, rr *ReadReceipt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO read_receipt (room_id, user_id, event_id, ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			event_id=excluded.event_id, ts=excluded.ts
	`, rr.RoomID, rr.UserID, rr.EventID, rr.TS)
	if err != nil {
		return err
	}
	if batch := s.collector(ctx); batch != nil {
		batch.ReceiptsChanged = append(batch.ReceiptsChanged, rr.EventID)
	}
	return nil
}

// ReceiptsForEvents loads all read receipts pointing at the given events.
func (s *Store) ReceiptsForEvents(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID][]*ReadReceipt, error) {
	result := make(map[id.EventID][]*ReadReceipt)
	if len(eventIDs) == 0 {
		return result, nil
	}
	query := `SELECT room_id, user_id, event_id, ts FROM read_receipt WHERE room_id=$1 AND event_id IN (`
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
	for rows.Next() {
		var rr ReadReceipt
		if err = rows.Scan(&rr.RoomID, &rr.UserID, &rr.EventID, &rr.TS); err != nil {
			return nil, err
		}
		result[rr.EventID] = append(result[rr.EventID], &rr)
	}
	return result, rows.Err()
}
