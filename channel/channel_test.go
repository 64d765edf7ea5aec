package channel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveAbsoluteURL(t *testing.T) {
	ch, err := (&AliasTable{}).Resolve("https://example.com/custom", []string{"linux-64"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.BaseURL != "https://example.com/custom" {
		t.Fatalf("base = %s", ch.BaseURL)
	}
	if !containsStr(ch.Subdirs, "noarch") {
		t.Fatal("expected noarch always included")
	}
}

func TestResolveAlias(t *testing.T) {
	table := NewAliasTable(map[string]string{
		"conda-forge": "https://conda.anaconda.org/conda-forge",
	})
	ch, err := table.Resolve("conda-forge", []string{"linux-64"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.BaseURL != "https://conda.anaconda.org/conda-forge" {
		t.Fatalf("base = %s", ch.BaseURL)
	}
}

func TestResolveAliasWithLabel(t *testing.T) {
	table := NewAliasTable(map[string]string{
		"conda-forge": "https://conda.anaconda.org/conda-forge",
	})
	ch, err := table.Resolve("conda-forge/label/main", []string{"linux-64"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.BaseURL != "https://conda.anaconda.org/conda-forge/label/main" {
		t.Fatalf("base = %s", ch.BaseURL)
	}
}

func TestResolveUnknown(t *testing.T) {
	table := NewAliasTable(nil)
	if _, err := table.Resolve("nope", nil); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestResolveFileURLWithNoVCSLeavesRevisionEmpty(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "noarch"), 0o755)

	ch, err := (&AliasTable{}).Resolve("file://"+dir, []string{"linux-64"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.Revision != "" {
		t.Fatalf("expected empty revision for non-VCS local channel, got %q", ch.Revision)
	}
}

func TestResolveExplicitSubdirs(t *testing.T) {
	table := NewAliasTable(map[string]string{"defaults": "https://repo.anaconda.com/pkgs/main"})
	ch, err := table.Resolve("defaults[linux-64,osx-64]", []string{"win-64"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.Subdirs) != 3 {
		t.Fatalf("expected 3 subdirs (explicit + noarch), got %v", ch.Subdirs)
	}
}
