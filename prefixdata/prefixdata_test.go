package prefixdata

import (
	"testing"

	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/version"
)

func TestPutLoadRemove(t *testing.T) {
	dir := t.TempDir()
	pd, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(pd.Packages()) != 0 {
		t.Fatal("expected empty prefix")
	}

	info := &pool.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0"}
	if err := pd.Put(info); err != nil {
		t.Fatal(err)
	}

	pd2, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := pd2.Get("foo")
	if !ok {
		t.Fatal("expected foo to be installed after reload")
	}
	if got.Version.String() != "1.0" {
		t.Fatalf("version = %s", got.Version)
	}

	if err := pd2.Remove(info); err != nil {
		t.Fatal(err)
	}
	if _, ok := pd2.Get("foo"); ok {
		t.Fatal("expected foo removed")
	}
}

func TestTopoSorted(t *testing.T) {
	dir := t.TempDir()
	pd, _ := Load(dir)

	base := &pool.PackageInfo{Name: "base", Version: version.MustParse("1.0"), BuildString: "0"}
	mid := &pool.PackageInfo{Name: "mid", Version: version.MustParse("1.0"), BuildString: "0", Depends: []string{"base"}}
	top := &pool.PackageInfo{Name: "top", Version: version.MustParse("1.0"), BuildString: "0", Depends: []string{"mid"}}

	for _, p := range []*pool.PackageInfo{top, mid, base} {
		if err := pd.Put(p); err != nil {
			t.Fatal(err)
		}
	}

	sorted, err := pd.TopoSorted()
	if err != nil {
		t.Fatal(err)
	}
	idx := map[string]int{}
	for i, p := range sorted {
		idx[p.Name] = i
	}
	if !(idx["base"] < idx["mid"] && idx["mid"] < idx["top"]) {
		t.Fatalf("expected base < mid < top, got %v", idx)
	}
}
