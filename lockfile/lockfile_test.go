package lockfile

import (
	"bytes"
	"strings"
	"testing"

	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/version"
)

func TestParseExplicitRequiresMarker(t *testing.T) {
	_, _, err := ParseExplicit(strings.NewReader("https://example.com/foo-1.0-0.tar.bz2\n"))
	if err == nil {
		t.Fatal("expected error for missing @EXPLICIT marker")
	}
}

func TestParseExplicitRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExplicit(&buf, "linux-64", []URLChecksum{
		{URL: "https://example.com/foo-1.0-0.tar.bz2", SHA256: "abc123"},
		{URL: "https://example.com/bar-2.0-0.tar.bz2"},
	}); err != nil {
		t.Fatal(err)
	}

	platform, urls, err := ParseExplicit(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if platform != "linux-64" {
		t.Fatalf("platform = %q", platform)
	}
	if len(urls) != 2 {
		t.Fatalf("urls = %v", urls)
	}
	if urls[0] != "https://example.com/foo-1.0-0.tar.bz2#abc123" {
		t.Fatalf("urls[0] = %q", urls[0])
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	infos := []*pool.PackageInfo{
		{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0", Channel: "defaults", Subdir: "linux-64", URL: "https://example.com/foo-1.0-0.tar.bz2", SHA256: "deadbeef", Depends: []string{"bar >=2.0"}},
	}
	lf := FromPackageInfos("linux-64", []string{"foo"}, infos)

	var buf bytes.Buffer
	if err := Write(&buf, lf); err != nil {
		t.Fatal(err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Platform != "linux-64" || len(got.Packages) != 1 {
		t.Fatalf("got = %+v", got)
	}
	if got.Packages[0].Name != "foo" || got.Packages[0].SHA256 != "deadbeef" {
		t.Fatalf("package = %+v", got.Packages[0])
	}
	if len(got.Packages[0].Depends) != 1 || got.Packages[0].Depends[0] != "bar >=2.0" {
		t.Fatalf("depends = %v", got.Packages[0].Depends)
	}
}
