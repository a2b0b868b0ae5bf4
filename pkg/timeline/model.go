// matrix-timeline - A client-side timeline engine for Matrix rooms.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Direction selects which edge of the timeline a pagination request extends.
type Direction int

const (
	DirectionBackwards Direction = iota
	DirectionForwards
)

func (d Direction) String() string {
	if d == DirectionForwards {
		return "forwards"
	}
	return "backwards"
}

// SendState tracks the lifecycle of a locally sent event. Remote events are
// always Synced.
type SendState string

const (
	SendStateSynced  SendState = "synced"
	SendStatePending SendState = "pending"
	SendStateSent    SendState = "sent"
	SendStateFailed  SendState = "failed"
)

// localEchoPrefix is the event ID namespace for events that only exist
// locally. Rows with this prefix are re-keyed in place once the server echo
// arrives with the real event ID.
const localEchoPrefix = "$local."

// Event is the persisted, immutable timeline event. The only mutation after
// insertion is attaching the decrypted payload (or a terminal decryption
// error) and the local-echo → confirmed-event re-key.
type Event struct {
	EventID        id.EventID
	RoomID         id.RoomID
	Type           event.Type
	Sender         id.UserID
	OriginServerTS int64
	Content        json.RawMessage
	StateKey       *string
	Redacts        id.EventID

	// TransactionID is the client-chosen ID for local echoes, and the
	// unsigned transaction_id on the confirmed server event. It is the
	// reconciliation key between the two.
	TransactionID string

	// DisplayIndex is the locally assigned total order within the room.
	// Server timestamps are not monotonic across federation and are never
	// used for ordering. State events carry no index (nil) and stay out of
	// the timeline window.
	DisplayIndex *int64

	ChunkID int64

	DecryptedType    event.Type
	DecryptedContent json.RawMessage
	DecryptionError  string

	SendState SendState

	// relType/relTarget are the relation resolved at ingestion, denormalized
	// for window filtering.
	relType   string
	relTarget id.EventID
}

// IsLocalEcho reports whether this event has not been confirmed by the
// server yet.
func (ev *Event) IsLocalEcho() bool {
	return ev.SendState == SendStatePending || ev.SendState == SendStateFailed
}

// IsEncrypted reports whether the event arrived encrypted and has not been
// decrypted yet.
func (ev *Event) IsEncrypted() bool {
	return ev.Type.Type == event.EventEncrypted.Type && ev.DecryptedContent == nil && ev.DecryptionError == ""
}

// EffectiveType is the decrypted type when a clear payload has been
// attached, the wire type otherwise.
func (ev *Event) EffectiveType() event.Type {
	if ev.DecryptedContent != nil && ev.DecryptedType.Type != "" {
		return ev.DecryptedType
	}
	return ev.Type
}

// EffectiveContent is the decrypted content when available, the wire
// content otherwise.
func (ev *Event) EffectiveContent() json.RawMessage {
	if ev.DecryptedContent != nil {
		return ev.DecryptedContent
	}
	return ev.Content
}

// Chunk is a contiguous, token-bounded run of events in one room's local
// history. Exactly one chunk per room has IsLastForward set (the live edge);
// IsLastBackward marks that the room-creation boundary has been reached.
type Chunk struct {
	ChunkID        int64
	RoomID         id.RoomID
	PrevToken      string
	NextToken      string
	IsLastForward  bool
	IsLastBackward bool
}

// Reserved tokens addressing the per-room sentinel chunk that holds state
// and other out-of-band events. They never collide with transport tokens.
const (
	stateChunkPrevToken = "__state_chunk_backward__"
	stateChunkNextToken = "__state_chunk_forward__"
)

// IsStateChunk reports whether this is the sentinel out-of-band chunk.
func (c *Chunk) IsStateChunk() bool {
	return c.PrevToken == stateChunkPrevToken && c.NextToken == stateChunkNextToken
}

// ReactionAggregate is the per-key reaction summary on a target event.
// Count equals len(ConfirmedEventIDs) once every local echo has synced; an
// aggregate whose count drops to zero is deleted, never persisted empty.
type ReactionAggregate struct {
	Key                 string       `json:"key"`
	Count               int          `json:"count"`
	ConfirmedEventIDs   []id.EventID `json:"confirmed_event_ids"`
	PendingLocalEchoIDs []string     `json:"pending_local_echo_ids"`
	AddedByMe           bool         `json:"added_by_me"`
}

func (ra *ReactionAggregate) hasConfirmed(eventID id.EventID) bool {
	for _, existing := range ra.ConfirmedEventIDs {
		if existing == eventID {
			return true
		}
	}
	return false
}

func (ra *ReactionAggregate) removeConfirmed(eventID id.EventID) bool {
	for i, existing := range ra.ConfirmedEventIDs {
		if existing == eventID {
			ra.ConfirmedEventIDs = append(ra.ConfirmedEventIDs[:i], ra.ConfirmedEventIDs[i+1:]...)
			return true
		}
	}
	return false
}

func (ra *ReactionAggregate) removePendingEcho(txnID string) bool {
	for i, existing := range ra.PendingLocalEchoIDs {
		if existing == txnID {
			ra.PendingLocalEchoIDs = append(ra.PendingLocalEchoIDs[:i], ra.PendingLocalEchoIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Edition is one entry in an edit history, arrival-ordered. Local echoes are
// replaced in place when the confirmed server event arrives.
type Edition struct {
	SenderID      id.UserID       `json:"sender_id"`
	EventID       id.EventID      `json:"event_id"`
	Content       json.RawMessage `json:"content"`
	Timestamp     int64           `json:"timestamp"`
	IsLocalEcho   bool            `json:"is_local_echo"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// EditSummary is the ordered edit history of a target event.
type EditSummary struct {
	Editions []Edition `json:"editions"`
}

// Latest returns the most recently arrived edition, or nil when empty.
func (es *EditSummary) Latest() *Edition {
	if es == nil || len(es.Editions) == 0 {
		return nil
	}
	return &es.Editions[len(es.Editions)-1]
}

// VerificationState is the aggregate state of an in-room key verification
// handshake. Done and both Canceled states are absorbing.
type VerificationState string

const (
	VerificationRequest         VerificationState = "REQUEST"
	VerificationWaiting         VerificationState = "WAITING"
	VerificationDone            VerificationState = "DONE"
	VerificationCanceledByMe    VerificationState = "CANCELED_BY_ME"
	VerificationCanceledByOther VerificationState = "CANCELED_BY_OTHER"
)

// IsFinal reports whether no further event may change the state.
func (vs VerificationState) IsFinal() bool {
	switch vs {
	case VerificationDone, VerificationCanceledByMe, VerificationCanceledByOther:
		return true
	default:
		return false
	}
}

// VerificationAggregate wraps the single absorbing-or-monotonic state value.
type VerificationAggregate struct {
	State VerificationState `json:"state"`
}

// EventAnnotationsSummary is the durable aggregate attached to a target
// event: reactions, edits and verification state. Created lazily on the
// first relation event, mutated only by the aggregation engine.
type EventAnnotationsSummary struct {
	RoomID        id.RoomID
	TargetEventID id.EventID
	Reactions     []*ReactionAggregate
	Edit          *EditSummary
	Verification  *VerificationAggregate
}

// IsEmpty reports whether the summary carries no aggregates at all.
func (s *EventAnnotationsSummary) IsEmpty() bool {
	return len(s.Reactions) == 0 && (s.Edit == nil || len(s.Edit.Editions) == 0) && s.Verification == nil
}

// ThreadSummary tracks the latest message of a thread root so edits can
// follow the pointer.
type ThreadSummary struct {
	RoomID        id.RoomID
	RootEventID   id.EventID
	LatestEventID id.EventID
	EventCount    int
}

// ReadReceipt is one user's read position in a room.
type ReadReceipt struct {
	RoomID  id.RoomID
	UserID  id.UserID
	EventID id.EventID
	TS      int64
}

// TimelineEvent is the ephemeral, derived row handed to consumers: the raw
// event plus its summary, decryption result and receipt metadata. Never the
// source of truth; rebuilt on demand.
type TimelineEvent struct {
	Event        *Event
	Summary      *EventAnnotationsSummary
	ReadReceipts []*ReadReceipt
}

// DisplayIndex is the row's position in the room's total order.
func (te *TimelineEvent) DisplayIndex() int64 {
	if te.Event.DisplayIndex == nil {
		return 0
	}
	return *te.Event.DisplayIndex
}

// Page is a normalized pagination response: events in chronological order,
// PrevToken on the older edge, NextToken on the newer edge. Backward
// transport responses (newest first) are normalized before stitching.
type Page struct {
	Events      []*Event
	StateEvents []*Event
	PrevToken   string
	NextToken   string
}

// ChangeBatch is one commit's worth of store changes for a room, delivered
// on subscription channels. Inserted events are reported with their display
// indexes already assigned.
type ChangeBatch struct {
	RoomID           id.RoomID
	Inserted         []*Event
	Updated          []*Event
	Deleted          []id.EventID
	SummariesChanged []id.EventID
	ReceiptsChanged  []id.EventID
}

// IsEmpty reports whether the batch carries no changes.
func (cb *ChangeBatch) IsEmpty() bool {
	return len(cb.Inserted) == 0 && len(cb.Updated) == 0 && len(cb.Deleted) == 0 &&
		len(cb.SummariesChanged) == 0 && len(cb.ReceiptsChanged) == 0
}
