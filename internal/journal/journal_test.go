package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kluzzebass/vaultbackup/internal/logging"
)

func mustOpen(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j
}

func TestRecordReplayOrder(t *testing.T) {
	dir := t.TempDir()
	j := mustOpen(t, dir)
	defer j.Close()

	base := time.UnixMilli(1_700_000_000_000)
	events := []Event{
		{Type: EventCreated, Time: base, Path: "a.txt"},
		{Type: EventModified, Time: base.Add(time.Second), Path: "a.txt", RegID: "reg-1"},
		{Type: EventDeleted, Time: base.Add(2 * time.Second), Path: "b.txt"},
	}
	for _, e := range events {
		j.Record(e)
	}

	got, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("Replay returned %d events, want %d", len(got), len(events))
	}
	for i, e := range events {
		if got[i].Type != e.Type || got[i].Path != e.Path || got[i].RegID != e.RegID || !got[i].Time.Equal(e.Time) {
			t.Fatalf("event %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	dir := t.TempDir()
	j := mustOpen(t, dir)
	j.Record(Event{Type: EventCreated, Time: time.UnixMilli(1), Path: "x"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2 := mustOpen(t, dir)
	defer j2.Close()
	got, err := j2.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 1 || got[0].Path != "x" {
		t.Fatalf("Replay after reopen = %+v", got)
	}
}

func TestReplayTruncatedTailRecord(t *testing.T) {
	dir := t.TempDir()
	j := mustOpen(t, dir)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		j.Record(Event{Type: EventModified, Time: base.Add(time.Duration(i) * time.Second), Path: "f"})
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, fileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	j2 := mustOpen(t, dir)
	defer j2.Close()
	got, err := j2.Replay()
	if err != nil {
		t.Fatalf("Replay after truncation should not error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Replay after truncation returned %d events, want 4", len(got))
	}
}

func TestCompactDropsOldEvents(t *testing.T) {
	dir := t.TempDir()
	j := mustOpen(t, dir)
	defer j.Close()

	base := time.UnixMilli(1_700_000_000_000)
	cutoff := base.Add(3 * time.Second)
	for i := 0; i < 6; i++ {
		j.Record(Event{Type: EventModified, Time: base.Add(time.Duration(i) * time.Second), Path: "f"})
	}

	if err := j.Compact(cutoff); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	got, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay after compact: %v", err)
	}
	for _, e := range got {
		if e.Time.Before(cutoff) {
			t.Fatalf("Replay after compact returned event before cutoff: %+v", e)
		}
	}
	if len(got) != 3 {
		t.Fatalf("Replay after compact returned %d events, want 3", len(got))
	}
}

func TestOpenUnknownMagicTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte{0, 0, 0, 0, 0, 1}, 0o644); err != nil {
		t.Fatal(err)
	}

	j := mustOpen(t, dir)
	defer j.Close()
	got, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Replay after bad magic returned %d events, want 0", len(got))
	}
}
