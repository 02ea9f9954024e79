// Package scanner walks a source directory tree and returns the
// regular-file entries under it for the backup service to chunk and hash.
// Scan collects every entry into a slice before returning; it does not
// yield entries lazily. Include/exclude filtering uses doublestar glob
// matching, the same matcher the restore service uses.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

// LinkStrategy controls how symlinks are handled during a walk.
type LinkStrategy int

const (
	// LinkSkip ignores symlinks entirely.
	LinkSkip LinkStrategy = iota
	// LinkFollow dereferences symlinks, tracking visited (device, inode)
	// pairs so cycles cannot cause unbounded traversal.
	LinkFollow
	// LinkRecord yields the symlink entry itself without following it.
	LinkRecord
)

// Options configures one scan. All fields are individually toggleable.
type Options struct {
	IncludeHidden bool
	FollowLinks   LinkStrategy
	MaxDepth      int // 0 = unbounded
	IncludePatterns []string
	ExcludePatterns []string
}

// Entry is one yielded filesystem entry.
type Entry struct {
	Path    string // absolute path
	Rel     string // path relative to the scan root
	Size    int64
	ModTime int64 // unix nanoseconds
	Mode    fs.FileMode
}

// EntryError pairs a path with the error encountered visiting it. Scanner
// errors on individual entries are accumulated, not fatal to the scan.
type EntryError struct {
	Path string
	Err  error
}

// Result is the outcome of a complete scan.
type Result struct {
	Entries []Entry
	Errors  []EntryError
}

type visitKey struct {
	dev, ino uint64
}

// Scan walks root and returns every matching regular file, sorted by
// relative path for deterministic downstream processing.
func Scan(root string, opts Options, logger *slog.Logger) (Result, error) {
	logger = logging.Default(logger).With("component", "scanner")

	root, err := filepath.Abs(root)
	if err != nil {
		return Result{}, apperr.New("scanner.Scan", apperr.KindIO, root, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return Result{}, apperr.New("scanner.Scan", apperr.KindIO, root, err)
	}
	if !info.IsDir() {
		return Result{}, apperr.New("scanner.Scan", apperr.KindArgument, root, fsErrorf("not a directory"))
	}

	var result Result
	visited := make(map[visitKey]bool)

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if opts.MaxDepth > 0 && depth > opts.MaxDepth {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			result.Errors = append(result.Errors, EntryError{Path: dir, Err: err})
			return nil
		}
		for _, de := range entries {
			name := de.Name()
			if !opts.IncludeHidden && len(name) > 0 && name[0] == '.' {
				continue
			}
			path := filepath.Join(dir, name)

			fi, err := de.Info()
			if err != nil {
				result.Errors = append(result.Errors, EntryError{Path: path, Err: err})
				continue
			}

			if fi.Mode()&os.ModeSymlink != 0 {
				switch opts.FollowLinks {
				case LinkSkip:
					continue
				case LinkRecord:
					rel, _ := filepath.Rel(root, path)
					result.Entries = append(result.Entries, Entry{Path: path, Rel: rel, Size: 0, Mode: fi.Mode()})
					continue
				case LinkFollow:
					target, err := os.Stat(path)
					if err != nil {
						result.Errors = append(result.Errors, EntryError{Path: path, Err: err})
						continue
					}
					if key, ok := inodeKey(target); ok {
						if visited[key] {
							continue
						}
						visited[key] = true
					}
					if target.IsDir() {
						if err := walk(path, depth+1); err != nil {
							return err
						}
						continue
					}
					fi = target
				}
			}

			if fi.IsDir() {
				if err := walk(path, depth+1); err != nil {
					return err
				}
				continue
			}

			if !fi.Mode().IsRegular() {
				continue
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				result.Errors = append(result.Errors, EntryError{Path: path, Err: err})
				continue
			}

			if !matches(rel, opts.IncludePatterns, opts.ExcludePatterns) {
				continue
			}

			result.Entries = append(result.Entries, Entry{
				Path:    path,
				Rel:     rel,
				Size:    fi.Size(),
				ModTime: fi.ModTime().UnixNano(),
				Mode:    fi.Mode(),
			})
		}
		return nil
	}

	if err := walk(root, 0); err != nil {
		return Result{}, apperr.New("scanner.Scan", apperr.KindIO, root, err)
	}

	sort.Slice(result.Entries, func(i, j int) bool { return result.Entries[i].Rel < result.Entries[j].Rel })

	if len(result.Errors) > 0 {
		logger.Warn("scan completed with per-entry errors", "count", len(result.Errors))
	}
	return result, nil
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

type fsErrorf string

func (e fsErrorf) Error() string { return string(e) }
