// Package metadatastore is the transactional store of snapshots and file
// manifests, backed by sqlite (the teacher's pure-Go modernc.org/sqlite
// driver, WAL mode, embedded migrations — the same pattern as the
// teacher's internal/config/sqlite package).
package metadatastore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

// timeFormat is fixed-width (always nine fractional digits) so that
// ORDER BY on the stored text sorts chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// sourceRootMarker is the fallback textual marker used to recover a
// snapshot's source root from its description when the first-class
// source_root column is empty (legacy-format compatibility, per the
// spec's source-root-recovery open question).
const sourceRootMarker = "Processing session for directory: "

// Snapshot is a point-in-time, immutable (once finalized) capture of a
// source directory tree.
type Snapshot struct {
	ID                string
	Name              string
	Description       string
	SourceRoot        string
	CreatedAt         time.Time
	FileCount         int64
	TotalBytes        int64
	Finalized         bool
	IntegrityVerified bool
}

// ResolvedSourceRoot returns SourceRoot if set, otherwise falls back to
// parsing the marker-prefixed description.
func (s Snapshot) ResolvedSourceRoot() string {
	if s.SourceRoot != "" {
		return s.SourceRoot
	}
	if strings.HasPrefix(s.Description, sourceRootMarker) {
		return strings.TrimPrefix(s.Description, sourceRootMarker)
	}
	return ""
}

// FileManifest is the ordered list of chunk digests plus metadata needed
// to reconstruct one file.
type FileManifest struct {
	Path            string
	Size            int64
	ModifiedAt      time.Time
	WholeFileDigest hasher.Digest
	ChunkDigests    []hasher.Digest
	Permissions     uint32
}

// Store is the sqlite-backed metadata store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating and migrating if necessary) a metadata store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "metadata-store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.New("metadatastore.Open", apperr.KindIO, dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.New("metadatastore.Open", apperr.KindIO, path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, apperr.New("metadatastore.Open", apperr.KindIO, path, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, apperr.New("metadatastore.Open", apperr.KindIO, path, err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, apperr.New("metadatastore.Open", apperr.KindIO, path, err)
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return apperr.New("metadatastore.Close", apperr.KindIO, s.path, err)
	}
	return nil
}

// CreateSnapshot assigns a unique id, stamps created_at, and inserts an
// un-finalized snapshot row.
func (s *Store) CreateSnapshot(ctx context.Context, name, description, sourceRoot string) (string, error) {
	if name == "" {
		return "", apperr.New("metadatastore.CreateSnapshot", apperr.KindArgument, "", fmt.Errorf("name must not be empty"))
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, name, description, source_root, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, description, sourceRoot, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return "", apperr.New("metadatastore.CreateSnapshot", apperr.KindIO, s.path, err)
	}
	return id, nil
}

// AddFile appends a file manifest to an un-finalized snapshot.
func (s *Store) AddFile(ctx context.Context, snapshotID string, m FileManifest) error {
	encoded, err := msgpack.Marshal(digestsToBytes(m.ChunkDigests))
	if err != nil {
		return apperr.New("metadatastore.AddFile", apperr.KindIO, s.path, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO file_manifests (snapshot_id, path, size, modified_at, whole_file_digest, chunk_digests, permissions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snapshotID, m.Path, m.Size, m.ModifiedAt.UTC().Format(timeFormat), m.WholeFileDigest.String(), encoded, m.Permissions)
	if err != nil {
		return apperr.New("metadatastore.AddFile", apperr.KindIO, s.path, err)
	}
	return nil
}

// AddFiles persists a batch of file manifests in a single transaction.
func (s *Store) AddFiles(ctx context.Context, snapshotID string, manifests []FileManifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.New("metadatastore.AddFiles", apperr.KindIO, s.path, err)
	}
	for _, m := range manifests {
		encoded, err := msgpack.Marshal(digestsToBytes(m.ChunkDigests))
		if err != nil {
			tx.Rollback()
			return apperr.New("metadatastore.AddFiles", apperr.KindIO, s.path, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_manifests (snapshot_id, path, size, modified_at, whole_file_digest, chunk_digests, permissions)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, m.Path, m.Size, m.ModifiedAt.UTC().Format(timeFormat), m.WholeFileDigest.String(), encoded, m.Permissions)
		if err != nil {
			tx.Rollback()
			return apperr.New("metadatastore.AddFiles", apperr.KindIO, s.path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.New("metadatastore.AddFiles", apperr.KindIO, s.path, err)
	}
	return nil
}

// FinalizeSnapshot transitions a snapshot to immutable and queryable.
func (s *Store) FinalizeSnapshot(ctx context.Context, snapshotID string, fileCount, totalBytes int64, integrityVerified bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET finalized = 1, file_count = ?, total_bytes = ?, integrity_verified = ? WHERE id = ?`,
		fileCount, totalBytes, boolToInt(integrityVerified), snapshotID)
	if err != nil {
		return apperr.New("metadatastore.FinalizeSnapshot", apperr.KindIO, s.path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.New("metadatastore.FinalizeSnapshot", apperr.KindIO, s.path, err)
	}
	if n == 0 {
		return apperr.New("metadatastore.FinalizeSnapshot", apperr.KindNotFound, snapshotID, fmt.Errorf("snapshot not found"))
	}
	return nil
}

// GetSnapshot returns the snapshot with the given id, if it exists and is
// finalized. A snapshot is queryable only after finalization.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, source_root, created_at, file_count, total_bytes, finalized, integrity_verified
		 FROM snapshots WHERE id = ? AND finalized = 1`, snapshotID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, apperr.New("metadatastore.GetSnapshot", apperr.KindNotFound, snapshotID, fmt.Errorf("snapshot not found"))
		}
		return Snapshot{}, apperr.New("metadatastore.GetSnapshot", apperr.KindIO, s.path, err)
	}
	return snap, nil
}

// ListSnapshots returns every finalized snapshot, newest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, source_root, created_at, file_count, total_bytes, finalized, integrity_verified
		 FROM snapshots WHERE finalized = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.New("metadatastore.ListSnapshots", apperr.KindIO, s.path, err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, apperr.New("metadatastore.ListSnapshots", apperr.KindIO, s.path, err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New("metadatastore.ListSnapshots", apperr.KindIO, s.path, err)
	}
	return snapshots, nil
}

// FilesInSnapshot returns every file manifest in the snapshot, ordered
// lexicographically by path.
func (s *Store) FilesInSnapshot(ctx context.Context, snapshotID string) ([]FileManifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, modified_at, whole_file_digest, chunk_digests, permissions
		 FROM file_manifests WHERE snapshot_id = ? ORDER BY path ASC`, snapshotID)
	if err != nil {
		return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIO, s.path, err)
	}
	defer rows.Close()

	var manifests []FileManifest
	for rows.Next() {
		var m FileManifest
		var modifiedAt, wholeDigestStr string
		var encoded []byte
		if err := rows.Scan(&m.Path, &m.Size, &modifiedAt, &wholeDigestStr, &encoded, &m.Permissions); err != nil {
			return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIO, s.path, err)
		}
		m.ModifiedAt, err = time.Parse(timeFormat, modifiedAt)
		if err != nil {
			return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIntegrity, s.path, err)
		}
		m.WholeFileDigest, err = hasher.ParseDigest(wholeDigestStr)
		if err != nil {
			return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIntegrity, s.path, err)
		}
		var rawDigests [][]byte
		if err := msgpack.Unmarshal(encoded, &rawDigests); err != nil {
			return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIntegrity, s.path, err)
		}
		m.ChunkDigests, err = bytesToDigests(rawDigests)
		if err != nil {
			return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIntegrity, s.path, err)
		}
		manifests = append(manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New("metadatastore.FilesInSnapshot", apperr.KindIO, s.path, err)
	}
	return manifests, nil
}

// DeleteSnapshot removes a snapshot's manifests and row. It does not
// garbage-collect chunks in the content store — that is the separate
// contentstore.Store.GC maintenance operation.
func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, snapshotID)
	if err != nil {
		return apperr.New("metadatastore.DeleteSnapshot", apperr.KindIO, s.path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.New("metadatastore.DeleteSnapshot", apperr.KindIO, s.path, err)
	}
	if n == 0 {
		return apperr.New("metadatastore.DeleteSnapshot", apperr.KindNotFound, snapshotID, fmt.Errorf("snapshot not found"))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	var createdAt string
	var finalized, verified int
	if err := row.Scan(&snap.ID, &snap.Name, &snap.Description, &snap.SourceRoot, &createdAt,
		&snap.FileCount, &snap.TotalBytes, &finalized, &verified); err != nil {
		return Snapshot{}, err
	}
	parsed, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = parsed
	snap.Finalized = finalized != 0
	snap.IntegrityVerified = verified != 0
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func digestsToBytes(digests []hasher.Digest) [][]byte {
	out := make([][]byte, len(digests))
	for i, d := range digests {
		cp := make([]byte, hasher.DigestSize)
		copy(cp, d[:])
		out[i] = cp
	}
	return out
}

func bytesToDigests(raw [][]byte) ([]hasher.Digest, error) {
	out := make([]hasher.Digest, len(raw))
	for i, b := range raw {
		if len(b) != hasher.DigestSize {
			return nil, fmt.Errorf("chunk digest %d has wrong length %d", i, len(b))
		}
		copy(out[i][:], b)
	}
	return out, nil
}
