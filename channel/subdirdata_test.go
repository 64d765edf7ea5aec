package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleRepodata = `{
  "info": {"subdir": "linux-64"},
  "packages": {
    "foo-1.0-0.tar.bz2": {
      "name": "foo",
      "version": "1.0",
      "build": "0",
      "build_number": 0,
      "size": 100,
      "md5": "abc",
      "sha256": "def",
      "depends": [],
      "timestamp": 0
    }
  },
  "packages.conda": {}
}`

func TestRefreshFetchesAndParses(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path == "/linux-64/repodata.json.zst" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(sampleRepodata))
	}))
	defer srv.Close()

	ch := Channel{Name: "test", BaseURL: srv.URL, Subdirs: []string{"linux-64", "noarch"}}
	dir := t.TempDir()
	sd := NewSubdirData(ch, "linux-64", dir, nil, time.Hour)

	if err := sd.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	infos, err := sd.PackageInfos()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "foo" {
		t.Fatalf("expected one package 'foo', got %+v", infos)
	}

	// Second refresh within TTL should not issue a network call.
	before := requests
	if err := sd.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if requests != before {
		t.Fatalf("expected no new requests within ttl, had %d now %d", before, requests)
	}
}
