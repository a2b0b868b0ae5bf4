// matrix-timeline - A client-side timeline engine for Matrix rooms.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls engine-wide behavior. Loaded from YAML; zero values are
// filled in by PostProcess.
type Config struct {
	// UserID is the acting user, used to mark reactions as added-by-me and
	// to distinguish CANCELED_BY_ME from CANCELED_BY_OTHER.
	UserID string `yaml:"user_id"`

	// UseServerAggregation enables seeding reaction counts from
	// server-provided aggregation metadata during sync. Off by default:
	// the server-side aggregation API has historically produced counts
	// that disagree with locally folded relations, so local aggregation
	// stays authoritative until this is switched on.
	UseServerAggregation bool `yaml:"use_server_aggregation"`

	// SnapshotDebounce is the coalescing window for consumer snapshot
	// delivery. Mutations closer together than this produce one snapshot.
	SnapshotDebounceMS int `yaml:"snapshot_debounce_ms"`

	// InitialWindowSize is how many rows a window materializes on start.
	InitialWindowSize int `yaml:"initial_window_size"`

	// MinFetchLimit is the floor for pagination fetch sizes: a deficit of
	// two rows still asks the transport for at least this many.
	MinFetchLimit int `yaml:"min_fetch_limit"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills in defaults and validates the config.
func (c *Config) PostProcess() error {
	if c.SnapshotDebounceMS <= 0 {
		c.SnapshotDebounceMS = 50
	}
	if c.InitialWindowSize <= 0 {
		c.InitialWindowSize = 30
	}
	if c.MinFetchLimit <= 0 {
		c.MinFetchLimit = 30
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	return nil
}

// SnapshotDebounce returns the debounce window as a duration.
func (c *Config) SnapshotDebounce() time.Duration {
	return time.Duration(c.SnapshotDebounceMS) * time.Millisecond
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
