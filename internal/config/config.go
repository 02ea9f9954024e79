// Package config defines the engine's top-level configuration: storage
// layout and the defaults every component falls back to when a caller
// doesn't specify one explicitly. This package reads no files; the CLI in
// cmd/vaultbackup builds a Config from its --storage flag alone.
package config

import (
	"path/filepath"
	"time"

	"github.com/kluzzebass/vaultbackup/internal/chunker"
)

// DailyIntervalMinutes expresses a "daily" schedule policy in the
// minute-granularity the scheduler understands, per spec.md §4.10.
const DailyIntervalMinutes = 24 * 60

// Config is the desired shape of one engine instance: where its storage
// lives and the defaults applied when an operation doesn't override them.
// Loading is declarative — it does not itself open any store.
type Config struct {
	// StorageRoot is the base directory; Chunks/Metadata/Schedules default
	// to subdirectories of it unless explicitly overridden.
	StorageRoot string

	ChunksDir     string
	MetadataPath  string
	SchedulesPath string

	ChunkSize       int
	CBTBlockSize    int
	Workers         int
	DebounceTimeout time.Duration

	DefaultScheduleInterval int // minutes
}

// Default returns a Config rooted at "./storage", matching spec.md §6's
// default storage layout exactly.
func Default() Config {
	return WithRoot("storage")
}

// WithRoot returns a Config rooted at root with every path derived from it.
func WithRoot(root string) Config {
	return Config{
		StorageRoot:             root,
		ChunksDir:               filepath.Join(root, "chunks"),
		MetadataPath:            filepath.Join(root, "metadata", "metadata.db"),
		SchedulesPath:           filepath.Join(root, "schedules.json"),
		ChunkSize:               chunker.DefaultBackupChunkSize,
		CBTBlockSize:            chunker.DefaultCBTBlockSize,
		Workers:                 4,
		DebounceTimeout:         500 * time.Millisecond,
		DefaultScheduleInterval: DailyIntervalMinutes,
	}
}

// applyDefaults fills in any zero-valued path fields from StorageRoot,
// so a caller that only overrides StorageRoot still gets a consistent
// layout.
func (c Config) applyDefaults() Config {
	if c.StorageRoot == "" {
		c.StorageRoot = "storage"
	}
	if c.ChunksDir == "" {
		c.ChunksDir = filepath.Join(c.StorageRoot, "chunks")
	}
	if c.MetadataPath == "" {
		c.MetadataPath = filepath.Join(c.StorageRoot, "metadata", "metadata.db")
	}
	if c.SchedulesPath == "" {
		c.SchedulesPath = filepath.Join(c.StorageRoot, "schedules.json")
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunker.DefaultBackupChunkSize
	}
	if c.CBTBlockSize <= 0 {
		c.CBTBlockSize = chunker.DefaultCBTBlockSize
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DebounceTimeout <= 0 {
		c.DebounceTimeout = 500 * time.Millisecond
	}
	if c.DefaultScheduleInterval <= 0 {
		c.DefaultScheduleInterval = DailyIntervalMinutes
	}
	return c
}

// Resolved returns a copy of c with every unset field filled from
// StorageRoot/built-in defaults.
func Resolved(c Config) Config {
	return c.applyDefaults()
}
