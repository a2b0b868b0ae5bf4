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
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Aggregator folds relation events into per-target summaries: reaction
// aggregates, edit histories, verification state and thread pointers. Each
// event is processed exactly once, in arrival order, inside the same
// transaction that inserted it. Every handler is idempotent under replay.
type Aggregator struct {
	store *Store
	cfg   *Config
	log   zerolog.Logger
}

func NewAggregator(store *Store, cfg *Config, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "aggregation").Logger(),
	}
}

func (agg *Aggregator) me() id.UserID {
	return id.UserID(agg.cfg.UserID)
}

type aggregationCounters struct {
	Reactions     int
	Edits         int
	Redactions    int
	Verifications int
	Threads       int
	Skipped       int
	Malformed     int
}

func (c *aggregationCounters) add(other aggregationCounters) {
	c.Reactions += other.Reactions
	c.Edits += other.Edits
	c.Redactions += other.Redactions
	c.Verifications += other.Verifications
	c.Threads += other.Threads
	c.Skipped += other.Skipped
	c.Malformed += other.Malformed
}

// ProcessEvents dispatches a batch of newly visible events. One malformed
// event never aborts the batch: it is dropped with a diagnostic and
// processing continues. Encrypted events are skipped here and re-submitted
// after decryption attaches their clear payload.
func (agg *Aggregator) ProcessEvents(ctx context.Context, roomID id.RoomID, events []*Event) (aggregationCounters, error) {
	var counts aggregationCounters
	log := agg.log.With().Stringer("room_id", roomID).Logger()
	for _, ev := range events {
		if ev.IsEncrypted() {
			counts.Skipped++
			continue
		}
		rel, err := resolveRelation(ev)
		if err != nil {
			log.Warn().Err(err).
				Stringer("event_id", ev.EventID).
				Str("type", ev.EffectiveType().Type).
				Msg("Dropping malformed relation event")
			counts.Malformed++
			continue
		}
		if err = agg.processOne(ctx, roomID, ev, rel, &counts); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func (agg *Aggregator) processOne(ctx context.Context, roomID id.RoomID, ev *Event, rel relation, counts *aggregationCounters) error {
	switch rel.Kind {
	case relationAnnotation:
		counts.Reactions++
		return agg.handleReaction(ctx, roomID, ev, rel)
	case relationReplace:
		counts.Edits++
		return agg.handleReplace(ctx, roomID, ev, rel)
	case relationRedaction:
		counts.Redactions++
		return agg.handleRedaction(ctx, roomID, ev, rel)
	case relationVerification:
		counts.Verifications++
		return agg.handleVerification(ctx, roomID, ev, rel)
	case relationThread:
		counts.Threads++
		return agg.handleThread(ctx, roomID, ev, rel)
	case relationNone:
		if isVerificationRequestMessage(ev) {
			counts.Verifications++
			return agg.handleVerificationRequest(ctx, roomID, ev)
		}
		return nil
	default:
		// Unknown relation kinds are a documented no-op.
		agg.log.Debug().
			Stringer("event_id", ev.EventID).
			Str("type", ev.EffectiveType().Type).
			Msg("Ignoring unknown relation kind")
		return nil
	}
}

// handleReaction resolves or creates the target's per-key aggregate.
// A reaction sent locally is recorded under its transaction ID before the
// server confirms it; the confirmed event with a matching transaction ID is
// the same action, so the IDs swap and the count stays put.
func (agg *Aggregator) handleReaction(ctx context.Context, roomID id.RoomID, ev *Event, rel relation) error {
	aggregate, err := agg.store.GetReactionAggregate(ctx, roomID, rel.TargetEventID, rel.Key)
	if err != nil {
		return err
	}
	if aggregate == nil {
		aggregate = &ReactionAggregate{Key: rel.Key}
	}

	switch {
	case ev.IsLocalEcho():
		if ev.TransactionID == "" {
			agg.log.Warn().Stringer("event_id", ev.EventID).Msg("Local echo reaction without transaction id, dropping")
			return nil
		}
		for _, pending := range aggregate.PendingLocalEchoIDs {
			if pending == ev.TransactionID {
				return nil // replayed echo
			}
		}
		aggregate.PendingLocalEchoIDs = append(aggregate.PendingLocalEchoIDs, ev.TransactionID)
		aggregate.Count++
	case ev.TransactionID != "" && aggregate.removePendingEcho(ev.TransactionID):
		// Remote echo of our own reaction: same action, count unchanged.
		aggregate.ConfirmedEventIDs = append(aggregate.ConfirmedEventIDs, ev.EventID)
	case aggregate.hasConfirmed(ev.EventID):
		return nil // replayed page
	default:
		aggregate.ConfirmedEventIDs = append(aggregate.ConfirmedEventIDs, ev.EventID)
		aggregate.Count++
	}

	if ev.Sender == agg.me() {
		aggregate.AddedByMe = true
	}
	return agg.store.PutReactionAggregate(ctx, roomID, rel.TargetEventID, aggregate)
}

// handleReplace appends or replaces an Edition on the target's edit history.
// Edits from anyone but the original author are dropped (spoofing
// protection). Local echoes are replaced in place when confirmed, never
// duplicated.
func (agg *Aggregator) handleReplace(ctx context.Context, roomID id.RoomID, ev *Event, rel relation) error {
	target, err := agg.store.GetEvent(ctx, roomID, rel.TargetEventID)
	if err != nil {
		return err
	}
	if target == nil {
		agg.log.Debug().
			Stringer("event_id", ev.EventID).
			Stringer("target", rel.TargetEventID).
			Msg("Edit references unknown target, skipping")
		return nil
	}
	if target.Sender != ev.Sender {
		agg.log.Warn().
			Stringer("event_id", ev.EventID).
			Stringer("edit_sender", ev.Sender).
			Stringer("original_sender", target.Sender).
			Msg("Dropping edit with mismatched sender")
		return nil
	}

	summary, err := agg.store.GetEditSummary(ctx, roomID, rel.TargetEventID)
	if err != nil {
		return err
	}
	if summary == nil {
		summary = &EditSummary{}
	}

	edition := Edition{
		SenderID:      ev.Sender,
		EventID:       ev.EventID,
		Content:       rel.NewContent,
		Timestamp:     ev.OriginServerTS,
		IsLocalEcho:   ev.IsLocalEcho(),
		TransactionID: ev.TransactionID,
	}

	replaced := false
	for i := range summary.Editions {
		existing := &summary.Editions[i]
		if existing.EventID == ev.EventID {
			return nil // replayed page
		}
		if !edition.IsLocalEcho && ev.TransactionID != "" &&
			existing.IsLocalEcho && existing.TransactionID == ev.TransactionID {
			// Confirmed echo of a local edit: replace in place.
			*existing = edition
			replaced = true
			break
		}
	}
	if !replaced {
		summary.Editions = append(summary.Editions, edition)
	}
	if err = agg.store.PutEditSummary(ctx, roomID, rel.TargetEventID, summary); err != nil {
		return err
	}

	// An edit of a thread's latest message moves the thread pointer to the
	// event containing the edit.
	threads, err := agg.store.GetThreadSummariesByLatest(ctx, roomID, rel.TargetEventID)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		thread.LatestEventID = ev.EventID
		if err = agg.store.PutThreadSummary(ctx, thread); err != nil {
			return err
		}
	}
	return nil
}

// handleRedaction resolves the redacted event's prior role and reverses its
// contribution: reaction counts decrement (the aggregate is deleted at
// zero, never left lingering), editions disappear from the history.
func (agg *Aggregator) handleRedaction(ctx context.Context, roomID id.RoomID, ev *Event, rel relation) error {
	redacted, err := agg.store.GetEvent(ctx, roomID, rel.TargetEventID)
	if err != nil {
		return err
	}
	if redacted == nil {
		agg.log.Debug().
			Stringer("event_id", ev.EventID).
			Stringer("target", rel.TargetEventID).
			Msg("Redaction references unknown event, skipping")
		return nil
	}
	redactedRel, err := resolveRelation(redacted)
	if err != nil {
		agg.log.Warn().Err(err).
			Stringer("event_id", redacted.EventID).
			Msg("Redacted event has malformed relation, pruning content only")
		redactedRel = relation{}
	}

	switch redactedRel.Kind {
	case relationAnnotation:
		if err = agg.unfoldReaction(ctx, roomID, redacted, redactedRel); err != nil {
			return err
		}
	case relationReplace:
		if err = agg.unfoldEdit(ctx, roomID, redacted, redactedRel); err != nil {
			return err
		}
	}
	return agg.store.RedactEventContent(ctx, roomID, redacted.EventID)
}

func (agg *Aggregator) unfoldReaction(ctx context.Context, roomID id.RoomID, redacted *Event, rel relation) error {
	aggregate, err := agg.store.GetReactionAggregate(ctx, roomID, rel.TargetEventID, rel.Key)
	if err != nil {
		return err
	}
	if aggregate == nil {
		agg.log.Debug().
			Stringer("event_id", redacted.EventID).
			Str("key", rel.Key).
			Msg("Redacted reaction has no aggregate, skipping")
		return nil
	}
	if !aggregate.removeConfirmed(redacted.EventID) {
		return nil // already reversed, or never folded
	}
	aggregate.Count--
	if redacted.Sender == agg.me() {
		aggregate.AddedByMe = false
	}
	if aggregate.Count <= 0 {
		return agg.store.DeleteReactionAggregate(ctx, roomID, rel.TargetEventID, rel.Key)
	}
	return agg.store.PutReactionAggregate(ctx, roomID, rel.TargetEventID, aggregate)
}

func (agg *Aggregator) unfoldEdit(ctx context.Context, roomID id.RoomID, redacted *Event, rel relation) error {
	summary, err := agg.store.GetEditSummary(ctx, roomID, rel.TargetEventID)
	if err != nil || summary == nil {
		return err
	}
	for i := range summary.Editions {
		if summary.Editions[i].EventID == redacted.EventID {
			summary.Editions = append(summary.Editions[:i], summary.Editions[i+1:]...)
			return agg.store.PutEditSummary(ctx, roomID, rel.TargetEventID, summary)
		}
	}
	return nil
}

// verificationTransition maps a verification event to the state it drives
// the handshake toward. Final states absorb: once CANCELED_* or DONE is
// reached no further event may change the state.
func (agg *Aggregator) verificationTransition(ev *Event) (VerificationState, bool) {
	switch ev.EffectiveType().Type {
	case event.InRoomVerificationStart.Type,
		event.InRoomVerificationReady.Type,
		event.InRoomVerificationAccept.Type,
		event.InRoomVerificationKey.Type,
		event.InRoomVerificationMAC.Type:
		return VerificationWaiting, true
	case event.InRoomVerificationDone.Type:
		return VerificationDone, true
	case event.InRoomVerificationCancel.Type:
		if ev.Sender == agg.me() {
			return VerificationCanceledByMe, true
		}
		return VerificationCanceledByOther, true
	default:
		return "", false
	}
}

func (agg *Aggregator) handleVerification(ctx context.Context, roomID id.RoomID, ev *Event, rel relation) error {
	current, err := agg.store.GetVerificationState(ctx, roomID, rel.TargetEventID)
	if err != nil {
		return err
	}
	if current.IsFinal() {
		agg.log.Debug().
			Stringer("event_id", ev.EventID).
			Str("state", string(current)).
			Msg("Verification already final, ignoring event")
		return nil
	}
	next, ok := agg.verificationTransition(ev)
	if !ok {
		return nil
	}
	return agg.store.PutVerificationState(ctx, roomID, rel.TargetEventID, next)
}

// isVerificationRequestMessage detects the m.room.message that opens an
// in-room verification handshake.
func isVerificationRequestMessage(ev *Event) bool {
	if ev.EffectiveType().Type != event.EventMessage.Type {
		return false
	}
	var content struct {
		MsgType string `json:"msgtype"`
	}
	if err := json.Unmarshal(ev.EffectiveContent(), &content); err != nil {
		return false
	}
	return content.MsgType == string(event.MsgVerificationRequest)
}

func (agg *Aggregator) handleVerificationRequest(ctx context.Context, roomID id.RoomID, ev *Event) error {
	current, err := agg.store.GetVerificationState(ctx, roomID, ev.EventID)
	if err != nil {
		return err
	}
	if current != "" {
		return nil // replayed request, or handshake already progressed
	}
	return agg.store.PutVerificationState(ctx, roomID, ev.EventID, VerificationRequest)
}

// handleThread tracks the thread root's latest-message pointer.
func (agg *Aggregator) handleThread(ctx context.Context, roomID id.RoomID, ev *Event, rel relation) error {
	thread, err := agg.store.GetThreadSummary(ctx, roomID, rel.TargetEventID)
	if err != nil {
		return err
	}
	if thread == nil {
		thread = &ThreadSummary{RoomID: roomID, RootEventID: rel.TargetEventID}
	}
	thread.LatestEventID = ev.EventID
	thread.EventCount++
	return agg.store.PutThreadSummary(ctx, thread)
}

// ServerAggregation is one server-provided reaction count from sync
// metadata.
type ServerAggregation struct {
	Key   string
	Count int
}

// SeedServerAggregations pre-populates reaction aggregates from
// server-provided counts. Locally folded aggregates stay authoritative:
// seeding never overwrites an existing key. The whole path is behind the
// use_server_aggregation config toggle.
func (agg *Aggregator) SeedServerAggregations(ctx context.Context, roomID id.RoomID, target id.EventID, items []ServerAggregation) error {
	if !agg.cfg.UseServerAggregation {
		agg.log.Debug().
			Stringer("target", target).
			Msg("Server aggregation seeding disabled by config, skipping")
		return nil
	}
	for _, item := range items {
		if item.Count <= 0 || item.Key == "" {
			continue
		}
		existing, err := agg.store.GetReactionAggregate(ctx, roomID, target, item.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		err = agg.store.PutReactionAggregate(ctx, roomID, target, &ReactionAggregate{
			Key:   item.Key,
			Count: item.Count,
		})
		if err != nil {
			return fmt.Errorf("failed to seed aggregate %q on %s: %w", item.Key, target, err)
		}
	}
	return nil
}
