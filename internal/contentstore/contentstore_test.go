package contentstore

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

func mustOpen(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreChunkRetrieveChunk(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	data := []byte("some chunk bytes")
	d, err := s.StoreChunk(data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if !s.Contains(d) {
		t.Fatal("Contains should be true after StoreChunk")
	}
	got, err := s.RetrieveChunk(d)
	if err != nil {
		t.Fatalf("RetrieveChunk: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("RetrieveChunk returned %q, want %q", got, data)
	}
}

func TestStoreChunkIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	data := []byte("duplicate me")
	d1, err := s.StoreChunk(data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	d2, err := s.StoreChunk(data)
	if err != nil {
		t.Fatalf("StoreChunk (second): %v", err)
	}
	if d1 != d2 {
		t.Fatal("StoreChunk of identical bytes should return the same digest")
	}
	if s.Stats().ChunkCount != 1 {
		t.Fatalf("ChunkCount = %d, want 1", s.Stats().ChunkCount)
	}
}

func TestRetrieveChunkNotFound(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	d, err := hasher.Hash([]byte("never stored"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RetrieveChunk(d); !apperr.OfKind(err, apperr.KindNotFound) {
		t.Fatalf("RetrieveChunk(missing) error = %v, want NotFoundError", err)
	}
}

func TestRetrieveChunkCorruption(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	data := []byte("corrupt-me-please")
	d, err := s.StoreChunk(data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}

	path := s.blobPath(d)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xFF
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RetrieveChunk(d); !apperr.OfKind(err, apperr.KindIntegrity) {
		t.Fatalf("RetrieveChunk(corrupted) error = %v, want IntegrityError", err)
	}
}

func TestOpenMismatchedAlgorithmFails(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	s.Close()

	if err := os.WriteFile(filepath.Join(dir, algorithmFile), []byte("sha256"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(dir, logging.Discard())
	if !apperr.OfKind(err, apperr.KindIntegrity) {
		t.Fatalf("Open(mismatched algorithm) error = %v, want IntegrityError", err)
	}
}

func TestOpenPrunesOrphanIndexEntries(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)

	data := []byte("will become orphaned")
	d, err := s.StoreChunk(data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if err := os.Remove(s.blobPath(d)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := mustOpen(t, dir)
	defer s2.Close()
	if s2.Contains(d) {
		t.Fatal("orphaned index entry should have been pruned at open")
	}
}

func TestWriteFileReassemblesInOrder(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	parts := [][]byte{[]byte("hello, "), []byte("world"), []byte("!")}
	var digests []hasher.Digest
	var want bytes.Buffer
	for _, p := range parts {
		d, err := s.StoreChunk(p)
		if err != nil {
			t.Fatalf("StoreChunk: %v", err)
		}
		digests = append(digests, d)
		want.Write(p)
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	wholeDigest, err := s.WriteFile(outPath, digests)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("reassembled file = %q, want %q", got, want.Bytes())
	}
	expectedDigest, err := hasher.Hash(want.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if wholeDigest != expectedDigest {
		t.Fatalf("whole-file digest = %s, want %s", wholeDigest, expectedDigest)
	}
}

func TestDedupAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	const chunkSize = 64 * 1024
	const fileSize = 1024 * 1024
	rng := rand.New(rand.NewPCG(12345, 12345))
	data := make([]byte, fileSize)
	for i := range data {
		data[i] = byte(rng.IntN(256))
	}

	storeChunks := func(b []byte) {
		for i := 0; i < len(b); i += chunkSize {
			end := i + chunkSize
			if end > len(b) {
				end = len(b)
			}
			if _, err := s.StoreChunk(b[i:end]); err != nil {
				t.Fatalf("StoreChunk: %v", err)
			}
		}
	}

	storeChunks(data) // src/a
	storeChunks(data) // src/b, identical bytes

	wantChunks := int64((fileSize + chunkSize - 1) / chunkSize)
	if got := s.Stats().ChunkCount; got != wantChunks {
		t.Fatalf("ChunkCount = %d, want %d", got, wantChunks)
	}
}

func TestGCRemovesUnreferencedChunks(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir)
	defer s.Close()

	keep, err := s.StoreChunk([]byte("keep me"))
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	drop, err := s.StoreChunk([]byte("drop me"))
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}

	removed, err := s.GC(map[hasher.Digest]bool{keep: true})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("GC removed %d, want 1", removed)
	}
	if !s.Contains(keep) {
		t.Fatal("GC should not remove referenced chunk")
	}
	if s.Contains(drop) {
		t.Fatal("GC should remove unreferenced chunk")
	}
}
