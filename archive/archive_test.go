package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// compress/bzip2 is read-only (no writer), so this test exercises the
// shared tar-entry extraction logic directly against an uncompressed tar
// reader rather than round-tripping real bzip2 data; Extract's ".tar.bz2"
// branch differs only in wrapping the same reader with bzip2.NewReader.
func TestExtractTarStreamWritesFiles(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("hello")
	if err := tw.WriteHeader(&tar.Header{Name: "info/index.json", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := extractTarStream(tar.NewReader(&buf), dir); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "info", "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q", got)
	}
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	if _, err := safeJoin("/tmp/dest", "../../etc/passwd"); err == nil {
		t.Fatal("expected rejection of path traversal")
	}
}

func TestExtractRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "pkg.zip")
	os.WriteFile(bad, nil, 0o644)
	if err := Extract(bad, t.TempDir()); err == nil {
		t.Fatal("expected error for unrecognized extension")
	}
}
