// Package journal implements the append-only modification journal: a
// durable, binary log of filesystem change events used by the
// changed-block-tracking service to recover its dirty-file map across
// restarts.
//
// Wire format: a fixed header (magic 0xDEADBEEF, version 1) followed by a
// sequence of records, each (event_type u8, timestamp i64 ms, path
// length-prefixed UTF-8 string, reg_id length-prefixed UTF-8 string).
// All integers are big-endian; string length prefixes are two bytes.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
	"github.com/kluzzebass/vaultbackup/internal/logging"
)

const (
	magic          uint32 = 0xDEADBEEF
	currentVersion uint16 = 1
	headerSize            = 4 + 2
	fileName              = "journal.bin"
)

// EventType classifies a change event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventModified
	EventDeleted
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one filesystem change record.
type Event struct {
	Type  EventType
	Time  time.Time
	Path  string
	RegID string
}

// Journal is a single-writer, multi-reader append-only event log backed
// by a file on disk.
type Journal struct {
	mu     sync.RWMutex
	dir    string
	path   string
	file   *os.File
	logger *slog.Logger
}

// Open creates or opens the journal file under dir. An unknown magic or
// version is logged and the journal is treated as empty (per spec) rather
// than failing to open.
func Open(dir string, logger *slog.Logger) (*Journal, error) {
	logger = logging.Default(logger).With("component", "journal")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.New("journal.Open", apperr.KindIO, dir, err)
	}
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apperr.New("journal.Open", apperr.KindIO, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperr.New("journal.Open", apperr.KindIO, path, err)
	}

	if info.Size() == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := validateHeader(f, logger, path); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, apperr.New("journal.Open", apperr.KindIO, path, err)
	}

	return &Journal{dir: dir, path: path, file: f, logger: logger}, nil
}

func writeHeader(f *os.File) error {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint16(buf[4:6], currentVersion)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return apperr.New("journal.Open", apperr.KindIO, f.Name(), err)
	}
	return f.Sync()
}

// validateHeader reads the header in place; an unknown magic or version is
// logged and the file is truncated back to a fresh header, treating the
// journal as empty.
func validateHeader(f *os.File, logger *slog.Logger, path string) error {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		logger.Error("journal header unreadable, treating as empty", "path", path, "error", err)
		return resetToEmpty(f)
	}
	gotMagic := binary.BigEndian.Uint32(buf[0:4])
	gotVersion := binary.BigEndian.Uint16(buf[4:6])
	if gotMagic != magic {
		logger.Error("journal magic mismatch, treating as empty", "path", path, "got", gotMagic, "want", magic)
		return resetToEmpty(f)
	}
	if gotVersion != currentVersion {
		logger.Error("journal version mismatch, treating as empty", "path", path, "got", gotVersion, "want", currentVersion)
		return resetToEmpty(f)
	}
	return nil
}

func resetToEmpty(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return apperr.New("journal.Open", apperr.KindIO, f.Name(), err)
	}
	return writeHeader(f)
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return apperr.New("journal.Close", apperr.KindIO, j.path, err)
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of length %d exceeds 2-byte length prefix", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func encodeRecord(w io.Writer, e Event) error {
	if err := binary.Write(w, binary.BigEndian, uint8(e.Type)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.Time.UnixMilli()); err != nil {
		return err
	}
	if err := writeString(w, e.Path); err != nil {
		return err
	}
	return writeString(w, e.RegID)
}

func decodeRecord(r io.Reader) (Event, error) {
	var typeByte uint8
	if err := binary.Read(r, binary.BigEndian, &typeByte); err != nil {
		return Event{}, err
	}
	var ms int64
	if err := binary.Read(r, binary.BigEndian, &ms); err != nil {
		return Event{}, err
	}
	path, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	regID, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:  EventType(typeByte),
		Time:  time.UnixMilli(ms),
		Path:  path,
		RegID: regID,
	}, nil
}

// Record appends one event and flushes it to durable storage. Write
// failures are logged and swallowed (I/O-fail-soft) so a watcher goroutine
// feeding this journal survives a transient failure.
func (j *Journal) Record(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.recordLocked(e); err != nil {
		j.logger.Error("journal record failed", "path", e.Path, "error", err)
	}
}

func (j *Journal) recordLocked(e Event) error {
	var buf []byte
	w := &sliceWriter{buf: &buf}
	if err := encodeRecord(w, e); err != nil {
		return apperr.New("journal.Record", apperr.KindIO, j.path, err)
	}
	if _, err := j.file.Write(buf); err != nil {
		return apperr.New("journal.Record", apperr.KindIO, j.path, err)
	}
	return j.file.Sync()
}

type sliceWriter struct{ buf *[]byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

// Replay returns every record in insertion order. A truncated trailing
// record stops replay cleanly without error, per spec.
func (j *Journal) Replay() ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, apperr.New("journal.Replay", apperr.KindIO, j.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return nil, apperr.New("journal.Replay", apperr.KindIO, j.path, err)
	}

	r := bufio.NewReader(f)
	var events []Event
	for {
		e, err := decodeRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, apperr.New("journal.Replay", apperr.KindIO, j.path, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Compact rewrites the journal retaining only events with Time >= cutoff.
// It reads the full current record set first; if that read fails,
// compaction aborts without touching the file on disk.
func (j *Journal) Compact(cutoff time.Time) error {
	events, err := j.Replay()
	if err != nil {
		return apperr.New("journal.Compact", apperr.KindIO, j.path, err)
	}

	kept := events[:0:0]
	for _, e := range events {
		if !e.Time.Before(cutoff) {
			kept = append(kept, e)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tmpPath := j.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return apperr.New("journal.Compact", apperr.KindIO, tmpPath, err)
	}
	if err := writeHeader(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Seek(0, io.SeekEnd); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.New("journal.Compact", apperr.KindIO, tmpPath, err)
	}
	w := bufio.NewWriter(tmp)
	for _, e := range kept {
		if err := encodeRecord(w, e); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return apperr.New("journal.Compact", apperr.KindIO, tmpPath, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.New("journal.Compact", apperr.KindIO, tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.New("journal.Compact", apperr.KindIO, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.New("journal.Compact", apperr.KindIO, tmpPath, err)
	}

	if err := j.file.Close(); err != nil {
		return apperr.New("journal.Compact", apperr.KindIO, j.path, err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return apperr.New("journal.Compact", apperr.KindIO, j.path, err)
	}

	f, err := os.OpenFile(j.path, os.O_RDWR, 0o644)
	if err != nil {
		return apperr.New("journal.Compact", apperr.KindIO, j.path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return apperr.New("journal.Compact", apperr.KindIO, j.path, err)
	}
	j.file = f
	return nil
}
