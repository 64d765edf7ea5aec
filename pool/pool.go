// Package pool implements the interned string table, dependency-atom
// interning, and repository/solvable storage that the solver operates over.
//
// The design generalizes the bimodal identifier / atom pattern used for
// project identities: here, a "solvable" plays the role of an atom (a
// concrete, resolvable unit), and dependency strings are interned the same
// way project names were, via a radix-tree-backed string table so repeated
// lookups of common package names and match-spec strings don't re-hash or
// re-allocate.
package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/armon/go-radix"

	"github.com/envsolve/envsolve/matchspec"
	"github.com/envsolve/envsolve/version"
)

// ID is an interned integer handle for a string. The zero value is never a
// valid ID; IDs start at 1 so a map lookup miss (returning 0) is
// distinguishable from "interned, id 0".
type ID uint32

// PackageInfo is the attribute bag for one solvable, keyed by
// (channel, subdir, filename) for deduplication per spec.
type PackageInfo struct {
	Name         string
	Version      version.Version
	BuildString  string
	BuildNumber  int
	Channel      string
	Subdir       string
	Filename     string
	URL          string
	Size         int64
	MD5          string
	SHA256       string
	Depends      []string
	Constrains   []string
	TrackFeatures []string
	Timestamp    int64
	NoarchKind   NoarchKind
	Signatures   map[string]any
}

// NoarchKind classifies a noarch package's platform-independence flavor.
type NoarchKind uint8

const (
	NoarchNone NoarchKind = iota
	NoarchGeneric
	NoarchPython
)

var _ matchspec.Candidate = (*packageInfoCandidate)(nil)

// packageInfoCandidate adapts PackageInfo to matchspec.Candidate without
// polluting PackageInfo's own method set with the exact interface names,
// since several (e.g. BuildString) read more naturally as fields elsewhere.
type packageInfoCandidate struct{ *PackageInfo }

func (c packageInfoCandidate) PackageName() string              { return c.Name }
func (c packageInfoCandidate) PackageVersion() version.Version  { return c.Version }
func (c packageInfoCandidate) BuildString() string              { return c.PackageInfo.BuildString }
func (c packageInfoCandidate) BuildNumber() int                 { return c.PackageInfo.BuildNumber }
func (c packageInfoCandidate) ChannelName() string              { return c.Channel }
func (c packageInfoCandidate) SubdirName() string               { return c.Subdir }
func (c packageInfoCandidate) MD5() string                      { return c.PackageInfo.MD5 }
func (c packageInfoCandidate) SHA256() string                   { return c.PackageInfo.SHA256 }
func (c packageInfoCandidate) URL() string                      { return c.PackageInfo.URL }

// AsCandidate adapts a PackageInfo for use with matchspec.MatchSpec.Matches.
func AsCandidate(p *PackageInfo) matchspec.Candidate { return packageInfoCandidate{p} }

// SolvableID identifies one solvable within a Pool, unique across all repos.
type SolvableID uint32

// Solvable is one (name, version, build) unit known to the pool, tagged with
// which Repo it came from.
type Solvable struct {
	ID   SolvableID
	Repo *Repo
	Info *PackageInfo
}

// Repo groups solvables that came from the same source: a channel subdir, or
// the special "installed" repo representing current prefix state.
type Repo struct {
	Name            string
	URL             string
	Priority        int
	Subpriority     int
	HasChannelInfo  bool
	Installed       bool

	solvables []SolvableID
}

// Solvables returns the repo's solvable ids in addition order.
func (r *Repo) Solvables() []SolvableID { return append([]SolvableID(nil), r.solvables...) }

// DepID identifies one interned dependency atom: a package name id plus the
// raw match-spec string.
type DepID uint32

type depAtom struct {
	name ID
	spec string // raw match-spec string; the canonical form of the atom
}

// Pool owns the interned string table, dependency atoms, repos, and
// solvables, plus the on-demand what-provides index.
//
// Invariants (per the solver contract): every solvable belongs to exactly
// one Repo; RebuildWhatProvides must be called after any AddSolvable before
// solving reads the index.
type Pool struct {
	mu sync.RWMutex

	strings   *radix.Tree
	stringsBy map[ID]string
	nextStrID ID

	repos     map[string]*Repo
	installed *Repo

	solvables   map[SolvableID]*Solvable
	nextSolvID  SolvableID

	deps      map[DepID]depAtom
	depByKey  map[string]DepID
	nextDepID DepID

	whatProvides map[DepID][]SolvableID
	specCache    map[DepID]matchspec.MatchSpec
	wpDirty      bool
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{
		strings:      radix.New(),
		stringsBy:    map[ID]string{},
		repos:        map[string]*Repo{},
		solvables:    map[SolvableID]*Solvable{},
		deps:         map[DepID]depAtom{},
		depByKey:     map[string]DepID{},
		whatProvides: map[DepID][]SolvableID{},
		specCache:    map[DepID]matchspec.MatchSpec{},
	}
}

// Intern returns the stable ID for s, assigning a new one on first sight.
func (p *Pool) Intern(s string) ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.strings.Get(s); ok {
		return v.(ID)
	}
	p.nextStrID++
	id := p.nextStrID
	p.strings.Insert(s, id)
	p.stringsBy[id] = s
	return id
}

// Lookup reverses Intern.
func (p *Pool) Lookup(id ID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stringsBy[id]
	return s, ok
}

// AddRepo registers a new, empty repo. installed=true marks it as the
// unique repo representing current prefix state; AddRepo panics if a second
// installed repo is added, since the pool's "exactly one installed repo"
// invariant would otherwise be silently violated.
func (p *Pool) AddRepo(name, url string, priority, subpriority int, installed bool) *Repo {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &Repo{Name: name, URL: url, Priority: priority, Subpriority: subpriority, Installed: installed}
	p.repos[name] = r
	if installed {
		if p.installed != nil {
			panic("pool: a second installed repo was registered")
		}
		p.installed = r
	}
	return r
}

// InstalledRepo returns the repo representing current prefix state, or nil.
func (p *Pool) InstalledRepo() *Repo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.installed
}

// AddSolvable adds info to repo and returns its new id. Callers must call
// RebuildWhatProvides before the pool is handed to the solver.
func (p *Pool) AddSolvable(repo *Repo, info *PackageInfo) SolvableID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSolvID++
	id := p.nextSolvID
	sv := &Solvable{ID: id, Repo: repo, Info: info}
	p.solvables[id] = sv
	repo.solvables = append(repo.solvables, id)
	p.wpDirty = true
	return id
}

// Solvable looks up a solvable by id.
func (p *Pool) Solvable(id SolvableID) *Solvable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.solvables[id]
}

// InternDep interns a raw match-spec string as a dependency atom, returning
// a stable DepID. The same spec string always yields the same DepID.
func (p *Pool) InternDep(spec string) (DepID, error) {
	ms, err := matchspec.Parse(spec)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.depByKey[spec]; ok {
		return id, nil
	}
	p.nextDepID++
	id := p.nextDepID
	p.deps[id] = depAtom{name: p.internLocked(ms.Name), spec: spec}
	p.depByKey[spec] = id
	p.specCache[id] = ms
	p.wpDirty = true
	return id, nil
}

func (p *Pool) internLocked(s string) ID {
	if v, ok := p.strings.Get(s); ok {
		return v.(ID)
	}
	p.nextStrID++
	id := p.nextStrID
	p.strings.Insert(s, id)
	p.stringsBy[id] = s
	return id
}

// RebuildWhatProvides recomputes the dep_id -> ordered solvable_ids index
// from scratch. Must be invoked after any AddSolvable/InternDep and before
// the index is read via WhatProvides.
func (p *Pool) RebuildWhatProvides() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.whatProvides = make(map[DepID][]SolvableID, len(p.deps))
	for depID, spec := range p.specCache {
		var providers []SolvableID
		for _, sv := range p.solvables {
			if spec.Matches(AsCandidate(sv.Info)) {
				providers = append(providers, sv.ID)
			}
		}
		sort.Slice(providers, func(i, j int) bool {
			return providerLess(p.solvables[providers[i]], p.solvables[providers[j]])
		})
		p.whatProvides[depID] = providers
	}
	p.wpDirty = false
}

// providerLess orders candidates for the same dependency per the solver's
// strict channel-priority rule: repo priority desc, then version desc, then
// build number desc, then timestamp desc.
func providerLess(a, b *Solvable) bool {
	if a.Repo.Priority != b.Repo.Priority {
		return a.Repo.Priority > b.Repo.Priority
	}
	if c := a.Info.Version.Compare(b.Info.Version); c != 0 {
		return c > 0
	}
	if a.Info.BuildNumber != b.Info.BuildNumber {
		return a.Info.BuildNumber > b.Info.BuildNumber
	}
	return a.Info.Timestamp > b.Info.Timestamp
}

// WhatProvides returns the ordered candidate solvables for a dependency,
// already filtered and sorted by strict priority. Panics if the index is
// stale (a solvable or dep was added since the last rebuild), surfacing the
// invariant violation at the call site instead of silently returning an
// incomplete index.
func (p *Pool) WhatProvides(id DepID) []SolvableID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.wpDirty {
		panic("pool: WhatProvides read with a stale index; call RebuildWhatProvides first")
	}
	return append([]SolvableID(nil), p.whatProvides[id]...)
}

// DepSpec returns the parsed MatchSpec backing a dependency id.
func (p *Pool) DepSpec(id DepID) (matchspec.MatchSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ms, ok := p.specCache[id]
	return ms, ok
}

func (id SolvableID) String() string { return fmt.Sprintf("solv#%d", uint32(id)) }
