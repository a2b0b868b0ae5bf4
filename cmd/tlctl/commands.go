package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix/id"
)

var chunksCommand = &cli.Command{
	Name:      "chunks",
	Usage:     "List the chunk chain of a room",
	ArgsUsage: "<room id>",
	Before:    prepareApp,
	Action:    listChunks,
}

var eventsCommand = &cli.Command{
	Name:      "events",
	Usage:     "Print the newest timeline events of a room",
	ArgsUsage: "<room id>",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   "Number of events to print",
			Value:   20,
		},
	},
	Action: listEvents,
}

var summaryCommand = &cli.Command{
	Name:      "summary",
	Usage:     "Print the aggregated annotations of one event as JSON",
	ArgsUsage: "<room id> <event id>",
	Before:    prepareApp,
	Action:    printSummary,
}

var followCommand = &cli.Command{
	Name:      "follow",
	Usage:     "Watch the database and print new timeline events as they land",
	ArgsUsage: "<room id>",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   "Number of events to print per refresh",
			Value:   10,
		},
	},
	Action: followRoom,
}

func requireRoomArg(ctx *cli.Context) (id.RoomID, error) {
	if ctx.NArg() < 1 {
		return "", fmt.Errorf("room ID argument is required")
	}
	room := ctx.Args().Get(0)
	if !strings.HasPrefix(room, "!") {
		return "", fmt.Errorf("%q does not look like a room ID", room)
	}
	return id.RoomID(room), nil
}

func listChunks(ctx *cli.Context) error {
	roomID, err := requireRoomArg(ctx)
	if err != nil {
		return err
	}
	store := getStore(ctx)
	chunks, err := store.ListChunks(ctx.Context, roomID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		fmt.Println("No chunks stored for this room")
		return nil
	}
	for _, chunk := range chunks {
		count, err := store.CountChunkEvents(ctx.Context, chunk.ChunkID)
		if err != nil {
			return err
		}
		flags := ""
		if chunk.IsLastForward {
			flags += " [live]"
		}
		if chunk.IsLastBackward {
			flags += " [room start]"
		}
		if chunk.IsStateChunk() {
			flags += " [state]"
		}
		fmt.Printf("chunk %d: %d events, prev=%q next=%q%s\n",
			chunk.ChunkID, count, chunk.PrevToken, chunk.NextToken, flags)
	}
	return nil
}

func printEvents(ctx *cli.Context, roomID id.RoomID, limit int) error {
	store := getStore(ctx)
	events, err := store.LoadLatest(ctx.Context, roomID, limit, nil)
	if err != nil {
		return err
	}
	// LoadLatest returns newest first; print oldest first like a client.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		index := int64(0)
		if ev.DisplayIndex != nil {
			index = *ev.DisplayIndex
		}
		suffix := ""
		if ev.SendState != "" && ev.SendState != "synced" {
			suffix = fmt.Sprintf(" (%s)", ev.SendState)
		}
		fmt.Printf("%6d  %-30s %-40s %s%s\n",
			index, ev.EffectiveType().Type, ev.Sender, ev.EventID, suffix)
	}
	return nil
}

func listEvents(ctx *cli.Context) error {
	roomID, err := requireRoomArg(ctx)
	if err != nil {
		return err
	}
	return printEvents(ctx, roomID, ctx.Int("limit"))
}

func printSummary(ctx *cli.Context) error {
	roomID, err := requireRoomArg(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() < 2 {
		return fmt.Errorf("event ID argument is required")
	}
	eventID := id.EventID(ctx.Args().Get(1))
	summary, err := getStore(ctx).GetSummary(ctx.Context, roomID, eventID)
	if err != nil {
		return err
	}
	if summary == nil {
		fmt.Println("No annotations on this event")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func followRoom(ctx *cli.Context) error {
	roomID, err := requireRoomArg(ctx)
	if err != nil {
		return err
	}
	limit := ctx.Int("limit")
	log := getLogger(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(ctx.String("db")); err != nil {
		return fmt.Errorf("failed to watch database: %w", err)
	}

	if err = printEvents(ctx, roomID, limit); err != nil {
		return err
	}
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			fmt.Println("---")
			if err = printEvents(ctx, roomID, limit); err != nil {
				return err
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(watchErr).Msg("Watcher error")
		case <-ctx.Context.Done():
			return nil
		}
	}
}
