// Package chunkindex implements the durable chunk-digest-to-blob-location
// index: a textual append-log, one record per line, rebuilt into an
// in-memory map at open. This is the "reference implementation" format
// fixed by the external interface contract, not a place to substitute a
// keyed on-disk store.
package chunkindex

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

const fileName = "index.log"

// Entry is one chunk index record: the digest, its stored size, and a
// location hint (a path relative to the content store root).
type Entry struct {
	Digest   hasher.Digest
	Size     int64
	Location string
}

// Index is the durable digest -> location mapping owned by the content
// store.
type Index struct {
	mu      sync.RWMutex
	path    string
	entries map[hasher.Digest]Entry
	file    *os.File
	logger  *slog.Logger
}

// Open rebuilds the in-memory map from the on-disk log, creating the log
// if it doesn't exist. Malformed lines are logged and skipped rather than
// failing the whole open, since the index is a best-effort durability aid
// and the content store is the source of truth for what blobs exist.
func Open(dir string, logger *slog.Logger) (*Index, error) {
	logger = logging.Default(logger).With("component", "chunk-index")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.New("chunkindex.Open", apperr.KindIO, dir, err)
	}
	path := filepath.Join(dir, fileName)

	entries := make(map[hasher.Digest]Entry)
	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			entry, err := parseLine(line)
			if err != nil {
				logger.Error("skipping malformed chunk index line", "line", lineNo, "error", err)
				continue
			}
			entries[entry.Digest] = entry
		}
		scanErr := scanner.Err()
		existing.Close()
		if scanErr != nil {
			return nil, apperr.New("chunkindex.Open", apperr.KindIO, path, scanErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, apperr.New("chunkindex.Open", apperr.KindIO, path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperr.New("chunkindex.Open", apperr.KindIO, path, err)
	}

	return &Index{path: path, entries: entries, file: f, logger: logger}, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return Entry{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	digest, err := hasher.ParseDigest(fields[0])
	if err != nil {
		return Entry{}, fmt.Errorf("invalid digest: %w", err)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid size: %w", err)
	}
	return Entry{Digest: digest, Size: size, Location: fields[2]}, nil
}

func formatLine(e Entry) string {
	return fmt.Sprintf("%s %d %s\n", e.Digest, e.Size, e.Location)
}

// Close releases the underlying file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.file.Close(); err != nil {
		return apperr.New("chunkindex.Close", apperr.KindIO, idx.path, err)
	}
	return nil
}

// Contains reports whether digest is present in the index.
func (idx *Index) Contains(digest hasher.Digest) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[digest]
	return ok
}

// Get returns the entry for digest, if present.
func (idx *Index) Get(digest hasher.Digest) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[digest]
	return e, ok
}

// Put records digest -> (size, location). Idempotent: re-inserting an
// existing key is a no-op, not an error, and does not append a duplicate
// line to the log.
func (idx *Index) Put(digest hasher.Digest, size int64, location string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.entries[digest]; ok {
		return nil
	}

	entry := Entry{Digest: digest, Size: size, Location: location}
	if _, err := idx.file.WriteString(formatLine(entry)); err != nil {
		return apperr.New("chunkindex.Put", apperr.KindIO, idx.path, err)
	}
	if err := idx.file.Sync(); err != nil {
		return apperr.New("chunkindex.Put", apperr.KindIO, idx.path, err)
	}
	idx.entries[digest] = entry
	return nil
}

// Iter calls fn for every entry in unspecified order. Iteration stops
// early if fn returns false.
func (idx *Index) Iter(fn func(Entry) bool) {
	idx.mu.RLock()
	snapshot := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		snapshot = append(snapshot, e)
	}
	idx.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}

// Len returns the number of entries in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// PruneOrphans removes entries for which exists returns false, rewriting
// the log with only the surviving entries via a temp file and atomic
// rename. Used at content-store open to drop index entries whose blob
// was never durably written before a crash.
func (idx *Index) PruneOrphans(exists func(Entry) bool) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var kept []Entry
	var dropped int
	for _, e := range idx.entries {
		if exists(e) {
			kept = append(kept, e)
		} else {
			dropped++
		}
	}
	if dropped == 0 {
		return 0, nil
	}

	tmpPath := idx.path + ".prune.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, tmpPath, err)
	}
	for _, e := range kept {
		if _, err := tmp.WriteString(formatLine(e)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, tmpPath, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, tmpPath, err)
	}
	if err := idx.file.Close(); err != nil {
		return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, idx.path, err)
	}
	if err := os.Rename(tmpPath, idx.path); err != nil {
		return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, idx.path, err)
	}

	f, err := os.OpenFile(idx.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, apperr.New("chunkindex.PruneOrphans", apperr.KindIO, idx.path, err)
	}
	idx.file = f

	idx.entries = make(map[hasher.Digest]Entry, len(kept))
	for _, e := range kept {
		idx.entries[e.Digest] = e
	}
	idx.logger.Info("pruned orphan chunk index entries", "dropped", dropped)
	return dropped, nil
}
