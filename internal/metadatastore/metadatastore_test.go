package metadatastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func digest(t *testing.T, s string) hasher.Digest {
	t.Helper()
	d, err := hasher.Hash([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCreateAddFinalizeGetSnapshot(t *testing.T) {
	ctx := context.Background()
	s := mustOpen(t)
	defer s.Close()

	id, err := s.CreateSnapshot(ctx, "nightly", "desc", "/src")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	// Unfinalized snapshots are not queryable.
	if _, err := s.GetSnapshot(ctx, id); !apperr.OfKind(err, apperr.KindNotFound) {
		t.Fatalf("GetSnapshot(unfinalized) error = %v, want NotFoundError", err)
	}

	manifest := FileManifest{
		Path:            "a.txt",
		Size:            11,
		ModifiedAt:      time.Now().UTC(),
		WholeFileDigest: digest(t, "hello world"),
		ChunkDigests:    []hasher.Digest{digest(t, "hello"), digest(t, " world")},
		Permissions:     0o644,
	}
	if err := s.AddFile(ctx, id, manifest); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if err := s.FinalizeSnapshot(ctx, id, 1, 11, true); err != nil {
		t.Fatalf("FinalizeSnapshot: %v", err)
	}

	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Name != "nightly" || snap.FileCount != 1 || snap.TotalBytes != 11 || !snap.IntegrityVerified {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.ResolvedSourceRoot() != "/src" {
		t.Fatalf("ResolvedSourceRoot() = %q, want /src", snap.ResolvedSourceRoot())
	}

	files, err := s.FilesInSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("FilesInSnapshot: %v", err)
	}
	if len(files) != 1 || files[0].Path != "a.txt" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if len(files[0].ChunkDigests) != 2 {
		t.Fatalf("chunk digests = %d, want 2", len(files[0].ChunkDigests))
	}
}

func TestResolvedSourceRootFallsBackToMarker(t *testing.T) {
	snap := Snapshot{Description: sourceRootMarker + "/var/data"}
	if got := snap.ResolvedSourceRoot(); got != "/var/data" {
		t.Fatalf("ResolvedSourceRoot() = %q, want /var/data", got)
	}
}

func TestListSnapshotsOnlyFinalized(t *testing.T) {
	ctx := context.Background()
	s := mustOpen(t)
	defer s.Close()

	finalized, err := s.CreateSnapshot(ctx, "done", "", "/src")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeSnapshot(ctx, finalized, 0, 0, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSnapshot(ctx, "in-progress", "", "/src"); err != nil {
		t.Fatal(err)
	}

	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != finalized {
		t.Fatalf("ListSnapshots = %+v, want only %s", snaps, finalized)
	}
}

func TestDeleteSnapshotNotFound(t *testing.T) {
	ctx := context.Background()
	s := mustOpen(t)
	defer s.Close()

	if err := s.DeleteSnapshot(ctx, "nonexistent"); !apperr.OfKind(err, apperr.KindNotFound) {
		t.Fatalf("DeleteSnapshot(missing) error = %v, want NotFoundError", err)
	}
}

func TestDeleteSnapshotRemovesManifests(t *testing.T) {
	ctx := context.Background()
	s := mustOpen(t)
	defer s.Close()

	id, err := s.CreateSnapshot(ctx, "temp", "", "/src")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddFile(ctx, id, FileManifest{
		Path: "f", Size: 1, ModifiedAt: time.Now().UTC(),
		WholeFileDigest: digest(t, "f"), ChunkDigests: []hasher.Digest{digest(t, "f")},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeSnapshot(ctx, id, 1, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSnapshot(ctx, id); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if _, err := s.GetSnapshot(ctx, id); !apperr.OfKind(err, apperr.KindNotFound) {
		t.Fatalf("GetSnapshot(deleted) error = %v, want NotFoundError", err)
	}
}
