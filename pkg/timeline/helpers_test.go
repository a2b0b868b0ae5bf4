package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testRoomID = id.RoomID("!room:example.org")
	testUserID = "@me:example.org"
	otherUser  = id.UserID("@other:example.org")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// In-memory SQLite gives each connection its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, "sqlite3", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func newTestConfig() *Config {
	return &Config{
		UserID:             testUserID,
		SnapshotDebounceMS: 10,
		InitialWindowSize:  30,
		MinFetchLimit:      30,
	}
}

func newTestEngine(t *testing.T, store *Store, fetcher Fetcher) (*Engine, *Config) {
	t.Helper()
	cfg := newTestConfig()
	engine := NewEngine(store, fetcher, nil, cfg, zerolog.Nop())
	t.Cleanup(engine.Close)
	return engine, cfg
}

func marshalContent(t *testing.T, content any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return raw
}

func textEvent(t *testing.T, eventID string, sender id.UserID, body string) *Event {
	t.Helper()
	return &Event{
		EventID:   id.EventID(eventID),
		RoomID:    testRoomID,
		Type:      event.EventMessage,
		Sender:    sender,
		Content:   marshalContent(t, map[string]any{"msgtype": "m.text", "body": body}),
		SendState: SendStateSynced,
	}
}

func reactionEvent(t *testing.T, eventID string, sender id.UserID, target id.EventID, key string) *Event {
	t.Helper()
	return &Event{
		EventID: id.EventID(eventID),
		RoomID:  testRoomID,
		Type:    event.EventReaction,
		Sender:  sender,
		Content: marshalContent(t, map[string]any{
			"m.relates_to": map[string]any{
				"rel_type": "m.annotation",
				"event_id": target,
				"key":      key,
			},
		}),
		SendState: SendStateSynced,
	}
}

func editEvent(t *testing.T, eventID string, sender id.UserID, target id.EventID, newBody string) *Event {
	t.Helper()
	return &Event{
		EventID: id.EventID(eventID),
		RoomID:  testRoomID,
		Type:    event.EventMessage,
		Sender:  sender,
		Content: marshalContent(t, map[string]any{
			"msgtype": "m.text",
			"body":    "* " + newBody,
			"m.relates_to": map[string]any{
				"rel_type": "m.replace",
				"event_id": target,
			},
			"m.new_content": map[string]any{"msgtype": "m.text", "body": newBody},
		}),
		SendState: SendStateSynced,
	}
}

func redactionEvent(eventID string, sender id.UserID, target id.EventID) *Event {
	return &Event{
		EventID:   id.EventID(eventID),
		RoomID:    testRoomID,
		Type:      event.EventRedaction,
		Sender:    sender,
		Redacts:   target,
		Content:   json.RawMessage(`{}`),
		SendState: SendStateSynced,
	}
}

func verificationEvent(t *testing.T, eventID string, sender id.UserID, evType event.Type, target id.EventID) *Event {
	t.Helper()
	return &Event{
		EventID: id.EventID(eventID),
		RoomID:  testRoomID,
		Type:    evType,
		Sender:  sender,
		Content: marshalContent(t, map[string]any{
			"m.relates_to": map[string]any{
				"rel_type": "m.reference",
				"event_id": target,
			},
		}),
		SendState: SendStateSynced,
	}
}

func encryptedEvent(t *testing.T, eventID string, sender id.UserID) *Event {
	t.Helper()
	return &Event{
		EventID: id.EventID(eventID),
		RoomID:  testRoomID,
		Type:    event.EventEncrypted,
		Sender:  sender,
		Content: marshalContent(t, map[string]any{
			"algorithm":  "m.megolm.v1.aes-sha2",
			"ciphertext": "AwgAE...",
		}),
		SendState: SendStateSynced,
	}
}

func page(prevToken, nextToken string, events ...*Event) *Page {
	return &Page{Events: events, PrevToken: prevToken, NextToken: nextToken}
}

// fakeFetcher serves scripted pages keyed by the pagination token.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*Page
	calls []fetchCall
}

type fetchCall struct {
	Token string
	Dir   Direction
	Limit int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]*Page{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, roomID id.RoomID, fromToken string, dir Direction, limit int) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{Token: fromToken, Dir: dir, Limit: limit})
	page, ok := f.pages[fromToken]
	if !ok {
		return nil, fmt.Errorf("no scripted page for token %q", fromToken)
	}
	return page, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeDecryptor serves scripted decryptions keyed by event ID. A non-nil
// release channel makes every call block until the channel closes.
type fakeDecryptor struct {
	mu      sync.Mutex
	results map[id.EventID]fakeDecryption
	release chan struct{}
}

type fakeDecryption struct {
	clearType    string
	clearContent json.RawMessage
	err          error
}

func newFakeDecryptor() *fakeDecryptor {
	return &fakeDecryptor{results: map[id.EventID]fakeDecryption{}}
}

func (d *fakeDecryptor) Decrypt(ctx context.Context, ev *Event) (string, []byte, error) {
	if d.release != nil {
		<-d.release
	}
	d.mu.Lock()
	res, ok := d.results[ev.EventID]
	d.mu.Unlock()
	if !ok {
		return "", nil, fmt.Errorf("no session for %s", ev.EventID)
	}
	if res.err != nil {
		return "", nil, res.err
	}
	return res.clearType, res.clearContent, nil
}

func displayIndexes(events []*Event) []int64 {
	indexes := make([]int64, 0, len(events))
	for _, ev := range events {
		if ev.DisplayIndex != nil {
			indexes = append(indexes, *ev.DisplayIndex)
		}
	}
	return indexes
}

func eventIDsOf(events []*Event) []id.EventID {
	ids := make([]id.EventID, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}
	return ids
}

// loadAscending returns the room's ordered timeline, oldest first.
func loadAscending(t *testing.T, store *Store, roomID id.RoomID) []*Event {
	t.Helper()
	rows, err := store.LoadLatest(context.Background(), roomID, 1000, nil)
	require.NoError(t, err)
	return reverseRows(rows)
}
