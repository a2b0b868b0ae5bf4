package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/matrix-timeline/pkg/timeline"
)

type contextKey int

const (
	contextKeyStore contextKey = iota
	contextKeyLogger
)

func getStore(ctx *cli.Context) *timeline.Store {
	return ctx.Context.Value(contextKeyStore).(*timeline.Store)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func prepareApp(ctx *cli.Context) error {
	level := zerolog.WarnLevel
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	dbPath := ctx.String("db")
	if dbPath == "" {
		return fmt.Errorf("the --db flag is required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store, err := timeline.NewStore(db, "sqlite3", log)
	if err != nil {
		return err
	}
	if err = store.EnsureSchema(ctx.Context); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	newCtx := context.WithValue(ctx.Context, contextKeyStore, store)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "tlctl",
		Usage:   "Inspect a local timeline database",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the timeline SQLite database",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			chunksCommand,
			eventsCommand,
			summaryCommand,
			followCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
