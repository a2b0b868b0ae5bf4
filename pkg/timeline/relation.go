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
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// relationKind is the closed set of relation semantics this engine
// understands. Dispatch happens once at ingestion; relationUnknown is a
// documented no-op so new wire types cannot silently change behavior.
type relationKind int

const (
	// relationNone: the event carries no relation at all.
	relationNone relationKind = iota
	relationAnnotation
	relationReplace
	relationRedaction
	relationVerification
	relationThread
	relationUnknown
)

func (k relationKind) String() string {
	switch k {
	case relationNone:
		return "none"
	case relationAnnotation:
		return "annotation"
	case relationReplace:
		return "replace"
	case relationRedaction:
		return "redaction"
	case relationVerification:
		return "verification"
	case relationThread:
		return "thread"
	default:
		return "unknown"
	}
}

// relation is the resolved relation of a single event.
type relation struct {
	Kind          relationKind
	TargetEventID id.EventID
	// Key is the reaction key for annotations.
	Key string
	// NewContent is the replacement payload for edits (m.new_content).
	NewContent json.RawMessage
}

var (
	errMissingTarget   = errors.New("relation is missing its target event id")
	errMissingRelation = errors.New("event content has no m.relates_to")
	errMalformedEvent  = errors.New("unparseable event content")
)

// relatesToEnvelope is the minimal content shape needed to resolve a
// relation. Everything else in the payload is ignored here.
type relatesToEnvelope struct {
	RelatesTo  *event.RelatesTo `json:"m.relates_to"`
	NewContent json.RawMessage  `json:"m.new_content"`
	MsgType    string           `json:"msgtype"`
}

// verificationEventTypes is the in-room key-verification family. Start,
// Ready, Accept, Key and MAC all transition to WAITING; Cancel and Done are
// handled separately by the state machine.
var verificationEventTypes = map[string]struct{}{
	event.InRoomVerificationStart.Type:  {},
	event.InRoomVerificationReady.Type:  {},
	event.InRoomVerificationAccept.Type: {},
	event.InRoomVerificationKey.Type:    {},
	event.InRoomVerificationMAC.Type:    {},
	event.InRoomVerificationCancel.Type: {},
	event.InRoomVerificationDone.Type:   {},
}

func isVerificationType(t event.Type) bool {
	_, ok := verificationEventTypes[t.Type]
	return ok
}

// resolveRelation classifies an event into the closed relation set. It works
// on the effective (decrypted when available) type and content. A malformed
// relation payload yields an error so the caller can log and skip the event
// without aborting the batch.
func resolveRelation(ev *Event) (relation, error) {
	evType := ev.EffectiveType()

	// Redactions reference their target through the top-level redacts key,
	// not m.relates_to.
	if evType.Type == event.EventRedaction.Type {
		target := ev.Redacts
		if target == "" {
			// Newer servers put it in content as well.
			var content struct {
				Redacts id.EventID `json:"redacts"`
			}
			if err := json.Unmarshal(ev.EffectiveContent(), &content); err != nil {
				return relation{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
			}
			target = content.Redacts
		}
		if target == "" {
			return relation{}, errMissingTarget
		}
		return relation{Kind: relationRedaction, TargetEventID: target}, nil
	}

	var envelope relatesToEnvelope
	if len(ev.EffectiveContent()) > 0 {
		if err := json.Unmarshal(ev.EffectiveContent(), &envelope); err != nil {
			return relation{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
		}
	}
	if envelope.RelatesTo == nil {
		return relation{Kind: relationNone}, nil
	}
	if envelope.RelatesTo.EventID == "" {
		return relation{}, errMissingTarget
	}

	rel := relation{TargetEventID: envelope.RelatesTo.EventID}
	switch envelope.RelatesTo.Type {
	case event.RelAnnotation:
		if envelope.RelatesTo.Key == "" {
			return relation{}, fmt.Errorf("%w: annotation without key", errMalformedEvent)
		}
		rel.Kind = relationAnnotation
		rel.Key = envelope.RelatesTo.Key
	case event.RelReplace:
		rel.Kind = relationReplace
		rel.NewContent = envelope.NewContent
		if rel.NewContent == nil {
			// Fall back to the outer content, matching what clients render
			// when m.new_content is absent.
			rel.NewContent = ev.EffectiveContent()
		}
	case event.RelReference:
		if isVerificationType(evType) {
			rel.Kind = relationVerification
		} else {
			rel.Kind = relationUnknown
		}
	case event.RelThread:
		rel.Kind = relationThread
	case "":
		return relation{}, errMissingRelation
	default:
		rel.Kind = relationUnknown
	}
	return rel, nil
}
