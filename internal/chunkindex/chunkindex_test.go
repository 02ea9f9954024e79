package chunkindex

import (
	"testing"

	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

func digest(t *testing.T, s string) hasher.Digest {
	t.Helper()
	d, err := hasher.Hash([]byte(s))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return d
}

func TestPutGetContains(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	d := digest(t, "chunk-a")
	if idx.Contains(d) {
		t.Fatal("Contains should be false before Put")
	}
	if err := idx.Put(d, 4096, "ab/abcd"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !idx.Contains(d) {
		t.Fatal("Contains should be true after Put")
	}
	entry, ok := idx.Get(d)
	if !ok {
		t.Fatal("Get should find entry after Put")
	}
	if entry.Size != 4096 || entry.Location != "ab/abcd" {
		t.Fatalf("Get returned %+v", entry)
	}
}

func TestPutIdempotent(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	d := digest(t, "chunk-b")
	if err := idx.Put(d, 10, "loc-1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(d, 999, "loc-2"); err != nil {
		t.Fatalf("Put (second): %v", err)
	}
	entry, _ := idx.Get(d)
	if entry.Size != 10 || entry.Location != "loc-1" {
		t.Fatalf("second Put should be a no-op, got %+v", entry)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}
}

func TestReopenRebuildsMap(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d1 := digest(t, "chunk-c")
	d2 := digest(t, "chunk-d")
	if err := idx.Put(d1, 1, "l1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(d2, 2, "l2"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer idx2.Close()
	if idx2.Len() != 2 {
		t.Fatalf("Len() after reopen = %d, want 2", idx2.Len())
	}
	if !idx2.Contains(d1) || !idx2.Contains(d2) {
		t.Fatal("reopened index missing entries")
	}
}

func TestIterVisitsAll(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	digests := []hasher.Digest{digest(t, "a"), digest(t, "b"), digest(t, "c")}
	for i, d := range digests {
		if err := idx.Put(d, int64(i), "loc"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	seen := make(map[hasher.Digest]bool)
	idx.Iter(func(e Entry) bool {
		seen[e.Digest] = true
		return true
	})
	if len(seen) != len(digests) {
		t.Fatalf("Iter visited %d entries, want %d", len(seen), len(digests))
	}
}

func TestPruneOrphans(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	live := digest(t, "live")
	orphan := digest(t, "orphan")
	if err := idx.Put(live, 1, "live-loc"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(orphan, 1, "orphan-loc"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dropped, err := idx.PruneOrphans(func(e Entry) bool {
		return e.Digest == live
	})
	if err != nil {
		t.Fatalf("PruneOrphans: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("PruneOrphans dropped %d, want 1", dropped)
	}
	if idx.Contains(orphan) {
		t.Fatal("orphan entry should have been pruned")
	}
	if !idx.Contains(live) {
		t.Fatal("live entry should survive pruning")
	}

	// Reopen to confirm the rewritten log persists the prune.
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	idx2, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer idx2.Close()
	if idx2.Len() != 1 || !idx2.Contains(live) {
		t.Fatalf("reopened index after prune: len=%d", idx2.Len())
	}
}
