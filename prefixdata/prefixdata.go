// Package prefixdata reads and writes the conda-meta ledger of an installed
// environment: one JSON file per package under <prefix>/conda-meta/, and a
// deterministic topological ordering over them (dependencies before
// dependents).
package prefixdata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/internal/fs"
	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/version"
)

// PrefixData is the in-memory view of one installed environment: a map from
// package name to its recorded metadata, loaded fresh per top-level
// operation per the pool/solver lifetime contract.
type PrefixData struct {
	Prefix   string
	packages map[string]*pool.PackageInfo
}

// Load reads every conda-meta/*.json file under prefix. A missing
// conda-meta directory is treated as an empty, never-yet-initialized
// environment rather than an error.
func Load(prefix string) (*PrefixData, error) {
	pd := &PrefixData{Prefix: prefix, packages: map[string]*pool.PackageInfo{}}

	dir := metaDir(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return pd, nil
		}
		return nil, errors.Wrapf(err, "prefixdata: reading %s", dir)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := readRecord(path)
		if err != nil {
			return nil, errors.Wrapf(err, "prefixdata: reading %s", path)
		}
		pd.packages[info.Name] = info
	}
	return pd, nil
}

func metaDir(prefix string) string { return filepath.Join(prefix, "conda-meta") }

func readRecord(path string) (*pool.PackageInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal conda-meta record")
	}
	return rec.toPackageInfo()
}

// record mirrors the on-disk conda-meta JSON shape; kept distinct from
// pool.PackageInfo because the wire format uses plain strings for version
// and flat arrays rather than our richer in-memory types.
type record struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Build         string   `json:"build"`
	BuildNumber   int      `json:"build_number"`
	Channel       string   `json:"channel"`
	Subdir        string   `json:"subdir"`
	Filename      string   `json:"fn"`
	URL           string   `json:"url"`
	Size          int64    `json:"size"`
	MD5           string   `json:"md5,omitempty"`
	SHA256        string   `json:"sha256,omitempty"`
	Depends       []string `json:"depends"`
	Constrains    []string `json:"constrains,omitempty"`
	TrackFeatures []string `json:"track_features,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	NoarchKind    string   `json:"noarch,omitempty"`
}

func (r record) toPackageInfo() (*pool.PackageInfo, error) {
	v, err := version.Parse(r.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing version of %s", r.Name)
	}
	return &pool.PackageInfo{
		Name:          r.Name,
		Version:       v,
		BuildString:   r.Build,
		BuildNumber:   r.BuildNumber,
		Channel:       r.Channel,
		Subdir:        r.Subdir,
		Filename:      r.Filename,
		URL:           r.URL,
		Size:          r.Size,
		MD5:           r.MD5,
		SHA256:        r.SHA256,
		Depends:       r.Depends,
		Constrains:    r.Constrains,
		TrackFeatures: r.TrackFeatures,
		Timestamp:     r.Timestamp,
		NoarchKind:    noarchFromString(r.NoarchKind),
	}, nil
}

func fromPackageInfo(p *pool.PackageInfo) record {
	return record{
		Name:          p.Name,
		Version:       p.Version.String(),
		Build:         p.BuildString,
		BuildNumber:   p.BuildNumber,
		Channel:       p.Channel,
		Subdir:        p.Subdir,
		Filename:      p.Filename,
		URL:           p.URL,
		Size:          p.Size,
		MD5:           p.MD5,
		SHA256:        p.SHA256,
		Depends:       p.Depends,
		Constrains:    p.Constrains,
		TrackFeatures: p.TrackFeatures,
		Timestamp:     p.Timestamp,
		NoarchKind:    noarchToString(p.NoarchKind),
	}
}

func noarchFromString(s string) pool.NoarchKind {
	switch s {
	case "generic":
		return pool.NoarchGeneric
	case "python":
		return pool.NoarchPython
	default:
		return pool.NoarchNone
	}
}

func noarchToString(k pool.NoarchKind) string {
	switch k {
	case pool.NoarchGeneric:
		return "generic"
	case pool.NoarchPython:
		return "python"
	default:
		return ""
	}
}

// Packages returns every installed package's metadata.
func (pd *PrefixData) Packages() map[string]*pool.PackageInfo {
	out := make(map[string]*pool.PackageInfo, len(pd.packages))
	for k, v := range pd.packages {
		out[k] = v
	}
	return out
}

// Get returns the recorded metadata for name, if installed.
func (pd *PrefixData) Get(name string) (*pool.PackageInfo, bool) {
	p, ok := pd.packages[name]
	return p, ok
}

// recordFilename matches conda's "<name>-<version>-<build>.json" convention.
func recordFilename(p *pool.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s.json", p.Name, p.Version.String(), p.BuildString)
}

// Put atomically writes (or overwrites) a package's conda-meta record and
// updates the in-memory view. The write goes to a temp file in the same
// directory, fsynced, then renamed into place so a crash never leaves a
// half-written record.
func (pd *PrefixData) Put(p *pool.PackageInfo) error {
	dir := metaDir(pd.Prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "prefixdata: creating %s", dir)
	}

	b, err := json.MarshalIndent(fromPackageInfo(p), "", "  ")
	if err != nil {
		return errors.Wrap(err, "prefixdata: marshal record")
	}

	dst := filepath.Join(dir, recordFilename(p))
	tmp, err := os.CreateTemp(dir, ".envsolve-meta-*")
	if err != nil {
		return errors.Wrap(err, "prefixdata: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "prefixdata: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "prefixdata: fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "prefixdata: close temp file")
	}
	if err := fs.RenameWithFallback(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "prefixdata: rename into place")
	}

	pd.packages[p.Name] = p
	return nil
}

// Remove deletes a package's conda-meta record and drops it from the
// in-memory view. Removing a package that isn't present is not an error, to
// keep rollback idempotent.
func (pd *PrefixData) Remove(p *pool.PackageInfo) error {
	path := filepath.Join(metaDir(pd.Prefix), recordFilename(p))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "prefixdata: removing %s", path)
	}
	delete(pd.packages, p.Name)
	return nil
}

// TopoSorted returns the installed packages ordered dependencies-before-
// dependents, via a deterministic Kahn's-algorithm pass using package names
// as tie-breakers so the ordering never depends on map iteration order.
func (pd *PrefixData) TopoSorted() ([]*pool.PackageInfo, error) {
	names := make([]string, 0, len(pd.packages))
	for n := range pd.packages {
		names = append(names, n)
	}
	sort.Strings(names)

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		indegree[n] = 0
	}
	for _, n := range names {
		p := pd.packages[n]
		for _, raw := range p.Depends {
			depName := dependencyName(raw)
			if _, ok := pd.packages[depName]; !ok {
				continue // dependency not installed (e.g. satisfied externally); ignore for ordering
			}
			indegree[n]++
			dependents[depName] = append(dependents[depName], n)
		}
	}

	var queue []string
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	var out []*pool.PackageInfo
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, pd.packages[n])

		next := append([]string(nil), dependents[n]...)
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
				sort.Strings(queue)
			}
		}
	}

	if len(out) != len(names) {
		return nil, errors.New("prefixdata: dependency cycle detected among installed packages")
	}
	return out, nil
}

// dependencyName extracts the leading package name from a raw match-spec
// string without a full parse, since TopoSorted only needs the name to
// resolve the dependency graph's edges.
func dependencyName(spec string) string {
	i := 0
	if idx := indexOf(spec, "::"); idx >= 0 {
		spec = spec[idx+2:]
	}
	for i < len(spec) && isNameByte(spec[i]) {
		i++
	}
	return spec[:i]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func isNameByte(b byte) bool {
	return b == '.' || b == '_' || b == '-' || b == '+' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
