package hasher

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
)

func TestHashDeterministic(t *testing.T) {
	b := []byte("Hello, World! This is a test file for backup and restore.")
	d1, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	d2, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("Hash not deterministic: %s != %s", d1, d2)
	}
	if len(d1) != DigestLen() {
		t.Fatalf("digest length = %d, want %d", len(d1), DigestLen())
	}
}

func TestHashNilInput(t *testing.T) {
	if _, err := Hash(nil); !apperr.OfKind(err, apperr.KindArgument) {
		t.Fatalf("Hash(nil) error = %v, want ArgumentError", err)
	}
}

func TestHashStreamMatchesHash(t *testing.T) {
	b := bytes.Repeat([]byte{0xAB}, 70000)
	want, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	got, err := HashStream(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("HashStream: %v", err)
	}
	if got != want {
		t.Fatalf("HashStream digest differs from Hash digest")
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	content := []byte("some file content")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	want, err := Hash(content)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != want {
		t.Fatalf("HashFile digest = %s, want %s", got, want)
	}
}

func TestHashFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := HashFile(filepath.Join(dir, "missing.txt"))
	if !apperr.OfKind(err, apperr.KindIO) {
		t.Fatalf("HashFile(missing) error = %v, want IoError", err)
	}
}

func TestHashFileNotRegular(t *testing.T) {
	dir := t.TempDir()
	_, err := HashFile(dir)
	if !apperr.OfKind(err, apperr.KindIO) {
		t.Fatalf("HashFile(dir) error = %v, want IoError", err)
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	b := []byte("incrementally hashed content spanning multiple updates")
	want, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	inc := New()
	mid := len(b) / 2
	if err := inc.Update(b[:mid]); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := inc.Update(b[mid:]); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := inc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got != want {
		t.Fatalf("incremental digest = %s, want %s", got, want)
	}
}

func TestIncrementalFinalizeTwiceFails(t *testing.T) {
	inc := New()
	_ = inc.Update([]byte("x"))
	if _, err := inc.Finalize(); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if _, err := inc.Finalize(); !apperr.OfKind(err, apperr.KindState) {
		t.Fatalf("second Finalize error = %v, want StateError", err)
	}
}

func TestIncrementalUpdateAfterFinalizeFails(t *testing.T) {
	inc := New()
	if _, err := inc.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := inc.Update([]byte("x")); !apperr.OfKind(err, apperr.KindState) {
		t.Fatalf("Update after Finalize error = %v, want StateError", err)
	}
}

func TestIncrementalReset(t *testing.T) {
	inc := New()
	_ = inc.Update([]byte("first"))
	d1, err := inc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	inc.Reset()
	_ = inc.Update([]byte("first"))
	d2, err := inc.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest after reset = %s, want %s", d2, d1)
	}
}

func TestUpdateRangeOutOfBounds(t *testing.T) {
	inc := New()
	if err := inc.UpdateRange([]byte("abc"), 1, 10); !apperr.OfKind(err, apperr.KindArgument) {
		t.Fatalf("UpdateRange out of bounds error = %v, want ArgumentError", err)
	}
	if err := inc.UpdateRange([]byte("abc"), -1, 1); !apperr.OfKind(err, apperr.KindArgument) {
		t.Fatalf("UpdateRange negative offset error = %v, want ArgumentError", err)
	}
}

func TestDigestStringRoundTrip(t *testing.T) {
	d, err := Hash([]byte("round trip me"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	parsed, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != d {
		t.Fatalf("ParseDigest(%s) = %s, want %s", d, parsed, d)
	}
}

func TestParseDigestInvalid(t *testing.T) {
	if _, err := ParseDigest("not-hex"); !apperr.OfKind(err, apperr.KindArgument) {
		t.Fatalf("ParseDigest(invalid) error = %v, want ArgumentError", err)
	}
}
