// Package restore orchestrates the restore pipeline: look up a finalized
// snapshot, fetch and verify each file's chunks from the content store,
// reassemble the file, re-verify the whole-file digest, and restore
// attributes. Files are processed in a bounded worker pool (errgroup,
// the same fan-out pattern the backup service uses), but restore results
// are reported in deterministic lexicographic path order, per spec.md §5.
package restore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/contentstore"
	"github.com/kluzzebass/vaultbackup/internal/hasher"
	"github.com/kluzzebass/vaultbackup/internal/logging"
	"github.com/kluzzebass/vaultbackup/internal/metadatastore"
)

// DefaultWorkers is the default number of files restored concurrently.
const DefaultWorkers = 4

// FileStatus classifies the outcome of restoring one file.
type FileStatus string

const (
	StatusRestored FileStatus = "restored"
	StatusSkipped  FileStatus = "skipped"
	StatusFailed   FileStatus = "failed"
)

// FileResult is the per-file outcome of a restore run.
type FileResult struct {
	Path   string
	Status FileStatus
	Err    error
}

// Options configures one restore run.
type Options struct {
	OverwriteExisting  bool
	SkipExisting       bool
	BackupExisting     bool
	VerifyIntegrity    bool
	PreserveAttributes bool
	IncludePatterns    []string
	ExcludePatterns    []string
	DryRun             bool
	Workers            int
}

// Result is the outcome of one restore run.
type Result struct {
	SnapshotID        string
	FilesRestored     int64
	FilesSkipped      int64
	FilesWithErrors   int64
	Duration          time.Duration
	Success           bool
	IntegrityVerified bool
	Files             []FileResult
	Err               string
}

// Service reconstructs files from a finalized snapshot into a target
// directory.
type Service struct {
	content  *contentstore.Store
	metadata *metadatastore.Store
	logger   *slog.Logger
}

// New returns a restore service.
func New(content *contentstore.Store, metadata *metadatastore.Store, logger *slog.Logger) *Service {
	logger = logging.Default(logger).With("component", "restore-service")
	return &Service{content: content, metadata: metadata, logger: logger}
}

// Restore reconstructs every (filtered) file in snapshotID under
// targetDir. DryRun performs lookups and pattern matching but writes
// nothing. The overall result is successful iff zero files failed and
// (if requested) the final integrity pass succeeded.
func (s *Service) Restore(ctx context.Context, snapshotID, targetDir string, opts Options) (Result, error) {
	start := time.Now()

	if targetDir == "" {
		return Result{}, apperr.New("restore.Restore", apperr.KindArgument, "", fmt.Errorf("target directory must not be empty"))
	}

	snap, err := s.metadata.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return Result{}, err
	}

	manifests, err := s.metadata.FilesInSnapshot(ctx, snapshotID)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Path < manifests[j].Path })

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	results := make([]FileResult, len(manifests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, m := range manifests {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.restoreOneFile(targetDir, m, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, apperr.New("restore.Restore", apperr.KindIO, "", err)
	}

	var restored, skipped, failed int64
	for _, r := range results {
		switch r.Status {
		case StatusRestored:
			restored++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}

	integrityVerified := true
	if opts.VerifyIntegrity && !opts.DryRun {
		integrityVerified, err = s.verifyRestored(targetDir, manifests, results)
		if err != nil {
			return Result{}, err
		}
	}

	success := failed == 0 && integrityVerified

	result := Result{
		SnapshotID:        snap.ID,
		FilesRestored:     restored,
		FilesSkipped:      skipped,
		FilesWithErrors:   failed,
		Duration:          time.Since(start),
		Success:           success,
		IntegrityVerified: integrityVerified,
		Files:             results,
	}
	if !success {
		result.Err = fmt.Sprintf("%d file(s) failed", failed)
	}

	s.logger.Info("restore finished",
		"snapshot", snapshotID, "restored", restored, "skipped", skipped, "failed", failed,
		"duration", result.Duration, "success", result.Success)

	return result, nil
}

func (s *Service) restoreOneFile(targetDir string, m metadatastore.FileManifest, opts Options) FileResult {
	if !matches(m.Path, opts.IncludePatterns, opts.ExcludePatterns) {
		return FileResult{Path: m.Path, Status: StatusSkipped}
	}

	target := filepath.Join(targetDir, filepath.FromSlash(m.Path))

	if opts.DryRun {
		return FileResult{Path: m.Path, Status: StatusRestored}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return FileResult{Path: m.Path, Status: StatusFailed, Err: apperr.New("restore.Restore", apperr.KindIO, target, err)}
	}

	if _, err := os.Stat(target); err == nil {
		switch {
		case opts.SkipExisting:
			return FileResult{Path: m.Path, Status: StatusSkipped}
		case opts.OverwriteExisting:
			if opts.BackupExisting {
				if err := backupExisting(target); err != nil {
					return FileResult{Path: m.Path, Status: StatusFailed, Err: err}
				}
			}
		default:
			return FileResult{Path: m.Path, Status: StatusFailed,
				Err: apperr.New("restore.Restore", apperr.KindState, target, fmt.Errorf("target exists and neither overwrite nor skip was requested"))}
		}
	}

	digest, err := s.content.WriteFile(target, m.ChunkDigests)
	if err != nil {
		os.Remove(target)
		return FileResult{Path: m.Path, Status: StatusFailed, Err: err}
	}

	if digest != m.WholeFileDigest {
		os.Remove(target)
		return FileResult{Path: m.Path, Status: StatusFailed,
			Err: apperr.New("restore.Restore", apperr.KindIntegrity, target,
				fmt.Errorf("whole-file digest mismatch: got %s, want %s", digest, m.WholeFileDigest))}
	}

	if opts.PreserveAttributes {
		if err := os.Chtimes(target, m.ModifiedAt, m.ModifiedAt); err != nil {
			return FileResult{Path: m.Path, Status: StatusFailed, Err: apperr.New("restore.Restore", apperr.KindIO, target, err)}
		}
		if m.Permissions != 0 {
			if err := os.Chmod(target, os.FileMode(m.Permissions)); err != nil {
				return FileResult{Path: m.Path, Status: StatusFailed, Err: apperr.New("restore.Restore", apperr.KindIO, target, err)}
			}
		}
	}

	return FileResult{Path: m.Path, Status: StatusRestored}
}

// backupExisting renames an existing file aside with a time-stamped
// suffix before it is overwritten.
func backupExisting(target string) error {
	suffix := time.Now().Format("20060102-150405.000000000")
	backupPath := target + "." + suffix + ".bak"
	if err := os.Rename(target, backupPath); err != nil {
		return apperr.New("restore.Restore", apperr.KindIO, target, err)
	}
	return nil
}

func (s *Service) verifyRestored(targetDir string, manifests []metadatastore.FileManifest, results []FileResult) (bool, error) {
	statusByPath := make(map[string]FileStatus, len(results))
	for _, r := range results {
		statusByPath[r.Path] = r.Status
	}

	for _, m := range manifests {
		if statusByPath[m.Path] != StatusRestored {
			continue
		}
		target := filepath.Join(targetDir, filepath.FromSlash(m.Path))
		digest, err := hasher.HashFile(target)
		if err != nil {
			return false, err
		}
		if digest != m.WholeFileDigest {
			s.logger.Error("final integrity pass failed", "file", m.Path)
			return false, nil
		}
	}
	return true, nil
}

func matches(rel string, include, exclude []string) bool {
	for _, pat := range exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pat := range include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}
