package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// Constraint is a boolean-combinable limitation on which Versions are
// admissible. As with Version, only this package can produce implementors:
// the unexported marker method keeps the solver's internal type-switching
// sound.
type Constraint interface {
	fmt.Stringer
	// Matches reports whether v satisfies the constraint.
	Matches(v Version) bool
	// MatchesAny reports whether the intersection of c and other could match
	// at least one version.
	MatchesAny(other Constraint) bool
	// Intersect computes the constraint admitting exactly the versions
	// admissible by both c and other.
	Intersect(other Constraint) Constraint
	_private()
}

var (
	// Any matches every version.
	Any Constraint = anyConstraint{}
	// None matches no version.
	None Constraint = noneConstraint{}
)

func (anyConstraint) _private()    {}
func (noneConstraint) _private()   {}
func (relConstraint) _private()    {}
func (unionConstraint) _private()  {}
func (globConstraint) _private()   {}

// IsAny reports whether c is the wildcard Any constraint.
func IsAny(c Constraint) bool {
	_, ok := c.(anyConstraint)
	return ok
}

// IsNone reports whether c is the empty None constraint.
func IsNone(c Constraint) bool {
	_, ok := c.(noneConstraint)
	return ok
}

type anyConstraint struct{}

func (anyConstraint) String() string                { return "*" }
func (anyConstraint) Matches(Version) bool          { return true }
func (anyConstraint) MatchesAny(Constraint) bool    { return true }
func (anyConstraint) Intersect(c Constraint) Constraint { return c }

type noneConstraint struct{}

func (noneConstraint) String() string                   { return "" }
func (noneConstraint) Matches(Version) bool             { return false }
func (noneConstraint) MatchesAny(Constraint) bool       { return false }
func (noneConstraint) Intersect(Constraint) Constraint  { return None }

// relOp is one relational atom operator from spec.md's MatchSpec grammar.
type relOp uint8

const (
	relEQ relOp = iota
	relNE
	relGT
	relGE
	relLT
	relLE
	relCompatible // ~=
)

func (op relOp) String() string {
	switch op {
	case relEQ:
		return "=="
	case relNE:
		return "!="
	case relGT:
		return ">"
	case relGE:
		return ">="
	case relLT:
		return "<"
	case relLE:
		return "<="
	case relCompatible:
		return "~="
	}
	return "?"
}

// relConstraint is a single relational atom, e.g. ">=1.2,<2.0" is the
// Intersect of two relConstraints via unionConstraint's sibling (AND is
// represented by folding into a single constraint at parse time; OR by
// unionConstraint).
type relConstraint struct {
	op  relOp
	ver Version
}

// NewRelational builds a Constraint from a single relational atom.
func NewRelational(op string, ver Version) (Constraint, error) {
	var r relOp
	switch op {
	case "==", "=":
		r = relEQ
	case "!=":
		r = relNE
	case ">":
		r = relGT
	case ">=":
		r = relGE
	case "<":
		r = relLT
	case "<=":
		r = relLE
	case "~=":
		r = relCompatible
	default:
		return nil, errors.Errorf("version: unknown relational operator %q", op)
	}
	return relConstraint{op: r, ver: ver}, nil
}

func (c relConstraint) String() string {
	if c.op == relCompatible {
		return "~=" + c.ver.String()
	}
	return c.op.String() + c.ver.String()
}

func (c relConstraint) Matches(v Version) bool {
	cmp := v.Compare(c.ver)
	switch c.op {
	case relEQ:
		return cmp == 0
	case relNE:
		return cmp != 0
	case relGT:
		return cmp > 0
	case relGE:
		return cmp >= 0
	case relLT:
		return cmp < 0
	case relLE:
		return cmp <= 0
	case relCompatible:
		return cmp >= 0 && v.Compare(compatibleUpperBound(c.ver)) < 0
	}
	return false
}

// compatibleUpperBound computes the exclusive upper bound for a "~=" atom.
// An operand that Masterminds/semver accepts is bounded by its next minor
// release (IncMinor), which is the PEP 440 "compatible release" bound for a
// three-component version such as 1.2.3; semver also accepts "1.2" as
// 1.2.0, so "~=1.2" is bounded by 1.3.0, not by 2.0. Any other operand has
// the last numeric run of its final segment bumped on a copy ("1.2.3.4"
// gives 1.2.3.5).
func compatibleUpperBound(v Version) Version {
	if sv, err := semver.NewVersion(v.String()); err == nil {
		bumped := sv.IncMinor()
		if up, err := Parse(bumped.String()); err == nil {
			return up
		}
	}

	if len(v.segments) == 0 {
		return v
	}
	bumped := v
	bumped.orig = ""
	bumped.segments = append([]segment(nil), v.segments...)
	last := len(bumped.segments) - 1
	seg := bumped.segments[last]
	seg.atoms = append([]atom(nil), seg.atoms...)
	for i := len(seg.atoms) - 1; i >= 0; i-- {
		if seg.atoms[i].kind == atomKindNumeric {
			seg.atoms[i].num++
			bumped.segments[last] = seg
			return bumped
		}
	}
	return bumped
}

func (c relConstraint) MatchesAny(other Constraint) bool {
	return !IsNone(c.Intersect(other))
}

func (c relConstraint) Intersect(other Constraint) Constraint {
	switch o := other.(type) {
	case anyConstraint:
		return c
	case noneConstraint:
		return None
	case unionConstraint:
		return o.Intersect(c)
	case globConstraint:
		return intersectGlobAndRel(o, c)
	case relConstraint:
		return intersectRel(c, o)
	}
	return None
}

// intersectRel folds two relational atoms together when they're comparable;
// callers needing a conjunction of several atoms (">=1.2,<2.0") should use
// AllOf instead, which builds an unexported AND-constraint lazily by
// wrapping relConstraint.Matches calls.
func intersectRel(a, b relConstraint) Constraint {
	return andConstraint{parts: []Constraint{a, b}}
}

// andConstraint is the conjunction of several constraints (a comma-separated
// MatchSpec version_spec). It is not separately exported; AllOf is the
// public constructor.
type andConstraint struct {
	parts []Constraint
}

func (andConstraint) _private() {}

func (c andConstraint) String() string {
	parts := make([]string, len(c.parts))
	for i, p := range c.parts {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

func (c andConstraint) Matches(v Version) bool {
	for _, p := range c.parts {
		if !p.Matches(v) {
			return false
		}
	}
	return true
}

func (c andConstraint) MatchesAny(other Constraint) bool {
	return !IsNone(c.Intersect(other))
}

func (c andConstraint) Intersect(other Constraint) Constraint {
	if IsAny(other) {
		return c
	}
	if IsNone(other) {
		return None
	}
	return andConstraint{parts: append(append([]Constraint{}, c.parts...), other)}
}

// AllOf builds the conjunction ("AND") of a comma-separated list of
// relational atoms, as in ">=1.2,<2.0".
func AllOf(parts ...Constraint) Constraint {
	if len(parts) == 0 {
		return Any
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return andConstraint{parts: parts}
}

// unionConstraint is the disjunction ("OR") of several constraints, as in
// "1.0|2.0".
type unionConstraint []Constraint

func (unionConstraint) _private() {}

func AnyOf(parts ...Constraint) Constraint {
	if len(parts) == 0 {
		return None
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return unionConstraint(parts)
}

func (u unionConstraint) String() string {
	parts := make([]string, len(u))
	for i, p := range u {
		parts[i] = p.String()
	}
	return strings.Join(parts, "|")
}

func (u unionConstraint) Matches(v Version) bool {
	for _, p := range u {
		if p.Matches(v) {
			return true
		}
	}
	return false
}

func (u unionConstraint) MatchesAny(other Constraint) bool {
	return !IsNone(u.Intersect(other))
}

func (u unionConstraint) Intersect(other Constraint) Constraint {
	var out []Constraint
	for _, p := range u {
		if rc := p.Intersect(other); !IsNone(rc) {
			out = append(out, rc)
		}
	}
	if len(out) == 0 {
		return None
	}
	return AnyOf(out...)
}

// globConstraint implements the build-string/version glob atom ("1.2.*").
type globConstraint struct {
	pattern string
}

// NewGlob builds a Constraint matching versions whose string form matches
// the shell-style glob pattern (only '*' is a meta character, matching any
// run of characters).
func NewGlob(pattern string) Constraint {
	return globConstraint{pattern: pattern}
}

func (c globConstraint) String() string { return c.pattern }

func (c globConstraint) Matches(v Version) bool {
	return globMatch(c.pattern, v.String())
}

func (c globConstraint) MatchesAny(other Constraint) bool {
	return !IsNone(c.Intersect(other))
}

func (c globConstraint) Intersect(other Constraint) Constraint {
	switch o := other.(type) {
	case anyConstraint:
		return c
	case noneConstraint:
		return None
	case unionConstraint:
		return o.Intersect(c)
	}
	return andConstraint{parts: []Constraint{c, other}}
}

func intersectGlobAndRel(g globConstraint, r relConstraint) Constraint {
	return andConstraint{parts: []Constraint{g, r}}
}

func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, p := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, p)
		if idx < 0 {
			return false
		}
		s = s[idx+len(p):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
