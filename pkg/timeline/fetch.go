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

	"maunium.net/go/mautrix/id"
)

// Fetcher retrieves a page of history from the homeserver. Implementations
// must normalize the response before returning it: Events in chronological
// order regardless of requested direction, PrevToken always the older edge
// and NextToken always the newer edge. An empty Events slice with an empty
// continuation token means the requested direction is exhausted.
type Fetcher interface {
	Fetch(ctx context.Context, roomID id.RoomID, fromToken string, dir Direction, limit int) (*Page, error)
}

// Decryptor turns an encrypted event's wire payload into a clear event type
/// and content. A failure to decrypt is not fatal to the timeline: the event
// stays visible with its error attached and is not retried automatically.
type Decryptor interface {
	Decrypt(ctx context.Context, ev *Event) (clearType string, clearContent []byte, err error)
}

// DecryptionError wraps a decryptor failure with enough detail to persist
// alongside the event and retry on.
type DecryptionError struct {
	EventID id.EventID
	Reason  string
	Err     error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to decrypt %s: %s: %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to decrypt %s: %s", e.EventID, e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}
