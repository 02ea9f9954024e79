package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kluzzebass/vaultbackup/internal/logging"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanYieldsRegularFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b")
	if err := os.Mkdir(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := Scan(root, Options{}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(result.Entries), result.Entries)
	}
	if result.Entries[0].Rel != "a.txt" || result.Entries[1].Rel != filepath.Join("sub", "b.txt") {
		t.Fatalf("unexpected entries: %+v", result.Entries)
	}
}

func TestScanSkipsHiddenByDefault(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden"), "h")
	writeFile(t, filepath.Join(root, "visible.txt"), "v")

	result, err := Scan(root, Options{}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Rel != "visible.txt" {
		t.Fatalf("unexpected entries: %+v", result.Entries)
	}

	result, err = Scan(root, Options{IncludeHidden: true}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("with IncludeHidden: got %d entries, want 2", len(result.Entries))
	}
}

func TestScanIncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "c.go"), "c")

	result, err := Scan(root, Options{
		IncludePatterns: []string{"*.go"},
	}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(result.Entries), result.Entries)
	}

	result, err = Scan(root, Options{
		IncludePatterns: []string{"*.go"},
		ExcludePatterns: []string{"c.go"},
	}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Rel != "a.go" {
		t.Fatalf("unexpected entries: %+v", result.Entries)
	}
}

func TestScanMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.txt"), "t")
	writeFile(t, filepath.Join(root, "a", "nested.txt"), "n")
	writeFile(t, filepath.Join(root, "a", "b", "deep.txt"), "d")

	result, err := Scan(root, Options{MaxDepth: 1}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, e := range result.Entries {
		if e.Rel == filepath.Join("a", "b", "deep.txt") {
			t.Fatalf("MaxDepth=1 should not include %s", e.Rel)
		}
	}
}

func TestScanRootNotDirectory(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	writeFile(t, path, "x")

	if _, err := Scan(path, Options{}, logging.Discard()); err == nil {
		t.Fatal("Scan on a non-directory root should fail")
	}
}

func TestScanSymlinkSkipDefault(t *testing.T) {
	root := t.TempDir()
	targetDir := t.TempDir()
	writeFile(t, filepath.Join(targetDir, "target.txt"), "t")

	if err := os.Symlink(targetDir, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	result, err := Scan(root, Options{FollowLinks: LinkSkip}, logging.Discard())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("LinkSkip should yield no entries through the symlink, got %+v", result.Entries)
	}
}
