// Package contentstore implements write-once, content-addressed blob
// storage: every chunk is named by the hex digest of its bytes, written
// via temp-file-plus-fsync-plus-rename for crash safety, and re-hashed on
// every read to detect corruption.
package contentstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/chunkindex"
	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

const (
	blobsDirName     = "blobs"
	algorithmFile    = "ALGORITHM"
	shardPrefixChars = 2
)

// Stats summarizes the store's contents for maintenance tooling.
type Stats struct {
	ChunkCount int64
	TotalBytes int64
}

// Store is write-once, content-addressed blob storage layered over a
// durable chunk index.
type Store struct {
	root   string
	index  *chunkindex.Index
	logger *slog.Logger
}

// Open opens (creating if necessary) a content store rooted at dir. The
// hasher's algorithm identifier is recorded on first open and checked on
// every subsequent open; a mismatch fails fast with an IntegrityError
// rather than silently trusting blobs a different algorithm produced.
//
// At open, any chunk index entry whose blob is missing from disk (for
// example a blob whose rename did not reach disk before a crash, although
// its index line did) is pruned.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "content-store")

	blobsDir := filepath.Join(dir, blobsDirName)
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, apperr.New("contentstore.Open", apperr.KindIO, blobsDir, err)
	}

	if err := checkOrWriteAlgorithm(dir); err != nil {
		return nil, err
	}

	idx, err := chunkindex.Open(dir, logger)
	if err != nil {
		return nil, err
	}

	store := &Store{root: dir, index: idx, logger: logger}

	dropped, err := idx.PruneOrphans(func(e chunkindex.Entry) bool {
		_, statErr := os.Stat(store.blobPath(e.Digest))
		return statErr == nil
	})
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		logger.Warn("pruned chunk index entries with missing blobs", "count", dropped)
	}

	return store, nil
}

func checkOrWriteAlgorithm(dir string) error {
	path := filepath.Join(dir, algorithmFile)
	existing, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return apperr.New("contentstore.Open", apperr.KindIO, path, err)
		}
		if werr := os.WriteFile(path, []byte(hasher.Algorithm), 0o644); werr != nil {
			return apperr.New("contentstore.Open", apperr.KindIO, path, werr)
		}
		return nil
	}
	if string(existing) != hasher.Algorithm {
		return apperr.New("contentstore.Open", apperr.KindIntegrity, path,
			fmt.Errorf("store was created with algorithm %q, this binary uses %q", existing, hasher.Algorithm))
	}
	return nil
}

// Close releases the index's file handle.
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) blobPath(d hasher.Digest) string {
	hex := d.String()
	return filepath.Join(s.root, blobsDirName, hex[:shardPrefixChars], hex)
}

func (s *Store) relativeBlobPath(d hasher.Digest) string {
	hex := d.String()
	return filepath.Join(blobsDirName, hex[:shardPrefixChars], hex)
}

// StoreChunk computes the digest of b and, if not already present, writes
// a new blob and updates the index. Returns the digest either way.
// Idempotent: concurrent or repeated stores of identical bytes leave
// exactly one stored chunk.
func (s *Store) StoreChunk(b []byte) (hasher.Digest, error) {
	if b == nil {
		return hasher.Digest{}, apperr.New("contentstore.StoreChunk", apperr.KindArgument, "", fmt.Errorf("nil input"))
	}
	digest, err := hasher.Hash(b)
	if err != nil {
		return hasher.Digest{}, apperr.New("contentstore.StoreChunk", apperr.KindArgument, "", err)
	}

	if s.index.Contains(digest) {
		return digest, nil
	}

	path := s.blobPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hasher.Digest{}, apperr.New("contentstore.StoreChunk", apperr.KindIO, path, err)
	}

	if _, err := os.Stat(path); err == nil {
		// Blob already on disk from a concurrent writer of identical bytes;
		// just record it in the index.
		if err := s.index.Put(digest, int64(len(b)), s.relativeBlobPath(digest)); err != nil {
			return hasher.Digest{}, err
		}
		return digest, nil
	}

	if err := writeBlobAtomically(path, b); err != nil {
		return hasher.Digest{}, apperr.New("contentstore.StoreChunk", apperr.KindIO, path, err)
	}

	if err := s.index.Put(digest, int64(len(b)), s.relativeBlobPath(digest)); err != nil {
		return hasher.Digest{}, err
	}
	return digest, nil
}

func writeBlobAtomically(finalPath string, b []byte) error {
	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// RetrieveChunk reads the blob for digest, re-hashes it, and fails with an
// IntegrityError on mismatch.
func (s *Store) RetrieveChunk(digest hasher.Digest) ([]byte, error) {
	entry, ok := s.index.Get(digest)
	if !ok {
		return nil, apperr.New("contentstore.RetrieveChunk", apperr.KindNotFound, digest.String(), fmt.Errorf("chunk not found"))
	}

	path := s.blobPath(digest)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.New("contentstore.RetrieveChunk", apperr.KindIO, path, err)
	}

	if int64(len(b)) != entry.Size {
		return nil, apperr.New("contentstore.RetrieveChunk", apperr.KindIntegrity, path,
			fmt.Errorf("blob size %d does not match indexed size %d", len(b), entry.Size))
	}

	got, err := hasher.Hash(b)
	if err != nil {
		return nil, apperr.New("contentstore.RetrieveChunk", apperr.KindIO, path, err)
	}
	if got != digest {
		return nil, apperr.New("contentstore.RetrieveChunk", apperr.KindIntegrity, path,
			fmt.Errorf("blob digest %s does not match requested digest %s", got, digest))
	}
	return b, nil
}

// Contains reports whether digest is present in the store.
func (s *Store) Contains(digest hasher.Digest) bool {
	return s.index.Contains(digest)
}

// List returns every digest currently in the store, in unspecified order.
func (s *Store) List() []hasher.Digest {
	var digests []hasher.Digest
	s.index.Iter(func(e chunkindex.Entry) bool {
		digests = append(digests, e.Digest)
		return true
	})
	return digests
}

// Stats summarizes the store for maintenance tooling.
func (s *Store) Stats() Stats {
	var st Stats
	s.index.Iter(func(e chunkindex.Entry) bool {
		st.ChunkCount++
		st.TotalBytes += e.Size
		return true
	})
	return st
}

// GC deletes blobs not referenced by any digest in keep. This is an
// explicit, separate maintenance operation — it is never invoked from the
// backup or restore hot path, since snapshot deletion alone does not
// collect orphaned chunks.
func (s *Store) GC(keep map[hasher.Digest]bool) (int, error) {
	var removed int
	var walkErr error
	s.index.Iter(func(e chunkindex.Entry) bool {
		if keep[e.Digest] {
			return true
		}
		path := s.blobPath(e.Digest)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			walkErr = apperr.New("contentstore.GC", apperr.KindIO, path, err)
			return false
		}
		removed++
		return true
	})
	if walkErr != nil {
		return removed, walkErr
	}

	if removed > 0 {
		_, err := s.index.PruneOrphans(func(e chunkindex.Entry) bool {
			return keep[e.Digest]
		})
		if err != nil {
			return removed, err
		}
		s.logger.Info("garbage collected unreferenced chunks", "removed", removed)
	}
	return removed, nil
}

// VerifyAll re-reads and re-hashes every stored chunk, returning the
// digests that fail verification.
func (s *Store) VerifyAll() ([]hasher.Digest, error) {
	var bad []hasher.Digest
	var outerErr error
	s.index.Iter(func(e chunkindex.Entry) bool {
		if _, err := s.RetrieveChunk(e.Digest); err != nil {
			if apperr.OfKind(err, apperr.KindIntegrity) {
				bad = append(bad, e.Digest)
				return true
			}
			outerErr = err
			return false
		}
		return true
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return bad, nil
}

// copyTo streams a sequence of chunks into w in order, re-verifying each.
// Used by the restore service to reassemble a file.
func (s *Store) copyTo(w io.Writer, digests []hasher.Digest) error {
	for _, d := range digests {
		b, err := s.RetrieveChunk(d)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return apperr.New("contentstore.copyTo", apperr.KindIO, "", err)
		}
	}
	return nil
}

// WriteFile reassembles digests, in order, into path, and returns the
// whole-file digest of the reassembled bytes.
func (s *Store) WriteFile(path string, digests []hasher.Digest) (hasher.Digest, error) {
	f, err := os.Create(path)
	if err != nil {
		return hasher.Digest{}, apperr.New("contentstore.WriteFile", apperr.KindIO, path, err)
	}

	h := hasher.New()
	mw := io.MultiWriter(f, hashWriter{h})
	if err := s.copyTo(mw, digests); err != nil {
		f.Close()
		os.Remove(path)
		return hasher.Digest{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return hasher.Digest{}, apperr.New("contentstore.WriteFile", apperr.KindIO, path, err)
	}
	digest, err := h.Finalize()
	if err != nil {
		return hasher.Digest{}, apperr.New("contentstore.WriteFile", apperr.KindIO, path, err)
	}
	return digest, nil
}

type hashWriter struct{ h *hasher.Incremental }

func (hw hashWriter) Write(p []byte) (int, error) {
	if err := hw.h.Update(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
