package solver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/prefixdata"
	"github.com/envsolve/envsolve/version"
)

func addPkg(p *pool.Pool, repo *pool.Repo, name, ver, build string, depends ...string) pool.SolvableID {
	return p.AddSolvable(repo, &pool.PackageInfo{
		Name:        name,
		Version:     version.MustParse(ver),
		BuildString: build,
		BuildNumber: 0,
		Channel:     "defaults",
		Subdir:      "linux-64",
		Filename:    name + "-" + ver + "-" + build + ".tar.bz2",
		Depends:     depends,
	})
}

func emptyPrefix(t *testing.T) *prefixdata.PrefixData {
	t.Helper()
	dir := t.TempDir()
	condaMeta := filepath.Join(dir, "conda-meta")
	if err := os.MkdirAll(condaMeta, 0o755); err != nil {
		t.Fatal(err)
	}
	pd, err := prefixdata.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return pd
}

func TestSolveInstallsSimpleDependency(t *testing.T) {
	p := pool.New()
	repo := p.AddRepo("defaults", "https://repo.example/defaults", 0, 0, false)
	addPkg(p, repo, "bar", "1.0", "0")
	addPkg(p, repo, "foo", "1.0", "0", "bar >=1.0")

	sol, err := Solve(p, emptyPrefix(t), Request{Jobs: []Job{{Kind: JobInstall, Spec: "foo"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(sol.ToInstall) != 2 {
		t.Fatalf("expected foo+bar installed, got %+v", sol.ToInstall)
	}
}

func TestSolveBacktracksToCompatibleCandidate(t *testing.T) {
	p := pool.New()
	repo := p.AddRepo("defaults", "https://repo.example/defaults", 0, 0, false)
	addPkg(p, repo, "bar", "1.0", "0")
	// foo 2.0 is preferred by version-desc ordering but needs a package that
	// doesn't exist in the pool; resolve must abandon it and fall back to
	// foo 1.0, whose own dependency is satisfiable.
	addPkg(p, repo, "foo", "2.0", "0", "missing-pkg")
	addPkg(p, repo, "foo", "1.0", "0", "bar")

	sol, err := Solve(p, emptyPrefix(t), Request{Jobs: []Job{{Kind: JobInstall, Spec: "foo"}}})
	if err != nil {
		t.Fatal(err)
	}
	var gotFooVersion string
	for _, info := range sol.ToInstall {
		if info.Name == "foo" {
			gotFooVersion = info.Version.String()
		}
	}
	if gotFooVersion != "1.0" {
		t.Fatalf("expected foo 1.0 selected after backtracking off foo 2.0, got %q", gotFooVersion)
	}
}

func TestSolveReportsConflict(t *testing.T) {
	p := pool.New()
	repo := p.AddRepo("defaults", "https://repo.example/defaults", 0, 0, false)
	addPkg(p, repo, "bar", "1.0", "0")
	addPkg(p, repo, "foo", "1.0", "0", "bar >=2.0")

	_, err := Solve(p, emptyPrefix(t), Request{Jobs: []Job{{Kind: JobInstall, Spec: "foo"}}})
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
}

func TestSolveKeepsAlreadyInstalledPackages(t *testing.T) {
	p := pool.New()
	repo := p.AddRepo("defaults", "https://repo.example/defaults", 0, 0, false)
	addPkg(p, repo, "bar", "1.0", "0")
	addPkg(p, repo, "foo", "1.0", "0")

	pd := emptyPrefix(t)
	if err := pd.Put(&pool.PackageInfo{Name: "bar", Version: version.MustParse("1.0"), BuildString: "0"}); err != nil {
		t.Fatal(err)
	}

	sol, err := Solve(p, pd, Request{Jobs: []Job{{Kind: JobInstall, Spec: "foo"}}})
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range sol.ToInstall {
		if info.Name == "bar" {
			t.Fatal("bar was already installed and unchanged; should not be reinstalled")
		}
	}
	var sawFoo bool
	for _, info := range sol.ToInstall {
		if info.Name == "foo" {
			sawFoo = true
		}
	}
	if !sawFoo {
		t.Fatal("expected foo to be installed")
	}
}

func TestSolvePinsPythonMinorVersion(t *testing.T) {
	p := pool.New()
	repo := p.AddRepo("defaults", "https://repo.example/defaults", 0, 0, false)
	addPkg(p, repo, "python", "3.10.0", "0")
	addPkg(p, repo, "python", "3.11.0", "0")
	addPkg(p, repo, "requests", "1.0", "0", "python")

	pd := emptyPrefix(t)
	if err := pd.Put(&pool.PackageInfo{Name: "python", Version: version.MustParse("3.10.0"), BuildString: "0"}); err != nil {
		t.Fatal(err)
	}

	sol, err := Solve(p, pd, Request{Jobs: []Job{{Kind: JobInstall, Spec: "requests"}}})
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range sol.ToInstall {
		if info.Name == "python" && info.Version.String() != "3.10.0" {
			t.Fatalf("python pin violated, got %s", info.Version.String())
		}
	}
}

func TestSolveRemovesExcludedPackage(t *testing.T) {
	p := pool.New()
	repo := p.AddRepo("defaults", "https://repo.example/defaults", 0, 0, false)
	addPkg(p, repo, "bar", "1.0", "0")

	pd := emptyPrefix(t)
	if err := pd.Put(&pool.PackageInfo{Name: "bar", Version: version.MustParse("1.0"), BuildString: "0"}); err != nil {
		t.Fatal(err)
	}

	sol, err := Solve(p, pd, Request{Jobs: []Job{{Kind: JobRemove, Spec: "bar"}}, Flags: Flags{AllowUninstall: true}})
	if err != nil {
		t.Fatal(err)
	}
	if len(sol.ToRemove) != 1 || sol.ToRemove[0].Name != "bar" {
		t.Fatalf("expected bar removed, got %+v", sol.ToRemove)
	}
}
