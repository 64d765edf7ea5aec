// Package solver resolves a job list (install/remove/update/lock requests)
// against a pool of candidate packages and a prefix's currently installed
// set into a consistent final selection. It follows the teacher's
// selection-stack-plus-candidate-queue solver shape (solver.go's
// selection/versionQueue/backtrack split) but as a depth-first recursive
// backtracker rather than an explicit iterative unselected-heap/vqstack
// machine: candidates for a name are tried in pool.WhatProvides order, a
// failing subtree undoes its tentative selection and the next candidate is
// tried, and a name with no candidate left that can satisfy every
// requirement on it is reported through the diagnostics package. This is a
// bounded reference solver, not a full conflict-driven-clause-learning SAT
// engine: it does not re-explore a sibling branch's candidate choice when a
// later, unrelated branch's failure could only have been fixed by a
// different earlier choice. That scope is deliberate for a teaching-sized
// implementation; a production solver would add clause learning on top of
// this same selection/candidate-queue skeleton.
package solver

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/diagnostics"
	"github.com/envsolve/envsolve/matchspec"
	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/prefixdata"
)

// JobKind is the user-requested action behind one Job.
type JobKind int

const (
	JobInstall JobKind = iota
	JobRemove
	JobUpdate
	JobLock
)

// Job is one user-requested change, expressed as a raw match-spec string.
type Job struct {
	Kind JobKind
	Spec string
}

// Flags are the solve-wide toggles a caller can set, mirroring the classic
// conda CLI flags.
type Flags struct {
	AllowDowngrade     bool
	AllowUninstall     bool
	StrictRepoPriority bool
	NoDeps             bool
	OnlyDeps           bool
	ForceReinstall     bool
}

// Request bundles a job list with the flags governing how it's solved.
type Request struct {
	Jobs  []Job
	Flags Flags
}

// Solution is the final computed change set: ToInstall and ToRemove are
// ready to hand to transaction.New.
type Solution struct {
	ToInstall []*pool.PackageInfo
	ToRemove  []*pool.PackageInfo
}

// ConflictError wraps the diagnostics report produced when no candidate
// set could satisfy every requirement.
type ConflictError struct {
	Report diagnostics.ProblemReport
	Render string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("solver: could not satisfy requirements:\n%s", e.Render)
}

type solver struct {
	pool     *pool.Pool
	flags    Flags
	exclude  map[string]bool
	selected map[string]pool.SolvableID
	visiting map[string]bool
	graph    *diagnostics.Graph
}

// Solve resolves req against p, given the packages currently installed in
// installed, returning the set of packages to install and remove to reach
// a consistent environment. Packages already installed and not targeted by
// a Remove job are kept unless some other requirement forces a change.
func Solve(p *pool.Pool, installed *prefixdata.PrefixData, req Request) (*Solution, error) {
	s := &solver{
		pool:     p,
		flags:    req.Flags,
		exclude:  map[string]bool{},
		selected: map[string]pool.SolvableID{},
		visiting: map[string]bool{},
		graph:    diagnostics.NewGraph(),
	}

	installedPkgs := installed.Packages()

	for _, j := range req.Jobs {
		if j.Kind == JobRemove {
			ms, err := matchspec.Parse(j.Spec)
			if err != nil {
				return nil, errors.Wrapf(err, "solver: parsing remove spec %q", j.Spec)
			}
			s.exclude[ms.Name] = true
		}
	}
	// AllowUninstall is not consulted: an excluded name is never selected,
	// so removing a package that something else still depends on makes the
	// solve fail, with the remaining dependency on it reported as an
	// ordinary unsatisfied-constraint conflict.
	rootSpecs := s.buildRootSpecs(req, installedPkgs)

	for _, spec := range rootSpecs {
		depID, err := p.InternDep(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "solver: parsing spec %q", spec)
		}
		p.RebuildWhatProvides()
		ms, _ := p.DepSpec(depID)
		if err := s.resolve(ms.Name, depID); err != nil {
			rep := s.graph.Simplify().AsProblemReport()
			return nil, &ConflictError{Report: rep, Render: s.graph.Render()}
		}
	}

	return s.buildSolution(installedPkgs), nil
}

// buildRootSpecs assembles the full set of top-level specs to resolve: the
// install/update/lock job specs, a kept-as-is spec for every currently
// installed package that isn't targeted for removal or already covered by
// a job, and the Python pin (see pinPythonSpec) when applicable.
func (s *solver) buildRootSpecs(req Request, installedPkgs map[string]*pool.PackageInfo) []string {
	jobNames := map[string]bool{}
	var jobSpecs []string

	for _, j := range req.Jobs {
		if j.Kind == JobRemove {
			continue
		}
		ms, err := matchspec.Parse(j.Spec)
		if err != nil {
			continue // surfaced again, as a real error, when this spec is interned below
		}
		jobNames[ms.Name] = true
		jobSpecs = append(jobSpecs, j.Spec)
	}

	var specs []string
	// The Python pin is resolved before any job spec, so python's version is
	// committed by the pin rather than by whichever job happens to reach it
	// first through a transitive dependency.
	if pin := s.pinPythonSpec(installedPkgs, jobNames); pin != "" {
		specs = append(specs, pin)
		jobNames["python"] = true
	}
	specs = append(specs, jobSpecs...)

	if !req.Flags.OnlyDeps {
		names := make([]string, 0, len(installedPkgs))
		for name := range installedPkgs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if s.exclude[name] || jobNames[name] {
				continue
			}
			specs = append(specs, name)
		}
	}

	return specs
}

// pinPythonSpec implements the Python-pinning rule: if Python is currently
// installed and no job explicitly targets it, constrain the solve to the
// installed major.minor series so an unrelated install doesn't silently
// drag the environment's interpreter across a minor version.
func (s *solver) pinPythonSpec(installedPkgs map[string]*pool.PackageInfo, jobNames map[string]bool) string {
	if jobNames["python"] {
		return ""
	}
	cur, ok := installedPkgs["python"]
	if !ok {
		return ""
	}
	major, minor, ok := majorMinor(cur.Version.String())
	if !ok {
		return ""
	}
	return fmt.Sprintf("python %s.%s.*", major, minor)
}

func majorMinor(v string) (string, string, bool) {
	var parts []string
	cur := ""
	for _, r := range v {
		if r == '.' {
			parts = append(parts, cur)
			cur = ""
			if len(parts) == 2 {
				break
			}
			continue
		}
		cur += string(r)
	}
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// resolve ensures name satisfies depID, selecting and recursively resolving
// a candidate if name has no selection yet, or verifying compatibility if
// it does. It backtracks across its own candidate choices on failure but,
// per the package doc, not across sibling branches.
func (s *solver) resolve(name string, depID pool.DepID) error {
	if existing, ok := s.selected[name]; ok {
		spec, _ := s.pool.DepSpec(depID)
		sv := s.pool.Solvable(existing)
		if spec.Matches(pool.AsCandidate(sv.Info)) {
			return nil
		}
		return s.conflict(name, depID, errors.Errorf("already selected %s %s, incompatible with %q", name, sv.Info.Version, spec.String()))
	}

	if s.visiting[name] {
		// A dependency cycle back onto a name already being resolved higher
		// up this call stack; that call owns the eventual selection, so
		// there's nothing further to do here.
		return nil
	}
	if s.exclude[name] {
		return s.conflict(name, depID, errors.Errorf("%s is excluded by a remove request but still required", name))
	}

	candidates := s.pool.WhatProvides(depID)
	if len(candidates) == 0 {
		return s.conflict(name, depID, errors.Errorf("no package satisfies %q", name))
	}

	s.visiting[name] = true
	defer delete(s.visiting, name)

	var lastErr error
	for _, cand := range candidates {
		sv := s.pool.Solvable(cand)
		s.selected[name] = cand

		if err := s.resolveDeps(sv); err != nil {
			lastErr = err
			delete(s.selected, name)
			continue
		}
		return nil
	}

	return s.conflict(name, depID, lastErr)
}

func (s *solver) resolveDeps(sv *pool.Solvable) error {
	if s.flags.NoDeps {
		return nil
	}
	for _, depSpec := range sv.Info.Depends {
		childID, err := s.pool.InternDep(depSpec)
		if err != nil {
			return err
		}
		s.pool.RebuildWhatProvides()
		ms, _ := s.pool.DepSpec(childID)
		if err := s.resolve(ms.Name, childID); err != nil {
			return err
		}
	}
	return nil
}

func (s *solver) conflict(name string, depID pool.DepID, cause error) error {
	spec, _ := s.pool.DepSpec(depID)
	detail := spec.String()
	if cause != nil {
		detail = cause.Error()
	}
	cnode := s.graph.AddConstraintNode(name, detail)
	s.graph.AddEdge(s.graph.Root(), cnode, diagnostics.EdgeDepends, spec.String())
	s.graph.MarkConflict(s.graph.Root(), cnode)
	return errors.Errorf("solver: could not satisfy %q: %s", name, detail)
}

func (s *solver) buildSolution(installedPkgs map[string]*pool.PackageInfo) *Solution {
	var sol Solution

	names := make([]string, 0, len(s.selected))
	for name := range s.selected {
		names = append(names, name)
	}
	sort.Strings(names)

	pythonChanged := s.pythonMinorChanged(installedPkgs)

	for _, name := range names {
		sv := s.pool.Solvable(s.selected[name])
		old, wasInstalled := installedPkgs[name]

		switch {
		case !wasInstalled:
			sol.ToInstall = append(sol.ToInstall, sv.Info)
		case !sameBuild(old, sv.Info):
			sol.ToInstall = append(sol.ToInstall, sv.Info)
			sol.ToRemove = append(sol.ToRemove, old)
		case pythonChanged && sv.Info.NoarchKind == pool.NoarchPython:
			// Same version/build, but the noarch:python package's compiled
			// entry points are minor-version specific; force a Change step so
			// the linker re-writes them against the new interpreter.
			sol.ToInstall = append(sol.ToInstall, sv.Info)
			sol.ToRemove = append(sol.ToRemove, old)
		}
	}

	for name, old := range installedPkgs {
		if _, kept := s.selected[name]; !kept {
			sol.ToRemove = append(sol.ToRemove, old)
		}
	}

	return &sol
}

func (s *solver) pythonMinorChanged(installedPkgs map[string]*pool.PackageInfo) bool {
	old, ok := installedPkgs["python"]
	if !ok {
		return false
	}
	newID, ok := s.selected["python"]
	if !ok {
		return false
	}
	newInfo := s.pool.Solvable(newID).Info
	oldMaj, oldMin, ok1 := majorMinor(old.Version.String())
	newMaj, newMin, ok2 := majorMinor(newInfo.Version.String())
	if !ok1 || !ok2 {
		return false
	}
	return oldMaj != newMaj || oldMin != newMin
}

func sameBuild(a, b *pool.PackageInfo) bool {
	return a.Version.Compare(b.Version) == 0 && a.BuildString == b.BuildString
}
