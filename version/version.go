// Package version implements conda's package version ordering: lexicographic
// by epoch, then by dotted/dashed components with embedded integer/alpha
// splits and the special dev/post tokens.
//
// The type hierarchy mirrors the small sum-type style used throughout the
// solver: a narrow exported interface with an unexported marker method, so
// that only this package can produce valid implementations.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version is a single, ordered package version. Two Versions are comparable
// via Compare; equality and ordering are total.
type Version struct {
	epoch    int
	segments []segment
	orig     string
}

// segment is one dot/dash-delimited component of a version, further split
// into alternating digit/alpha runs so that "1.0a1" orders as [1] ["0" "a" "1"].
type segment struct {
	atoms []atom
	// sep records the separator that preceded this segment in the original
	// string ('.', '-' or '_'), so String() round-trips exactly. The first
	// segment has sep == 0.
	sep byte
}

type atomKind uint8

const (
	atomKindNumeric atomKind = iota
	atomKindAlpha
)

type atom struct {
	kind atomKind
	num  int64
	str  string // only meaningful for atomKindAlpha; holds the lowercased text
	orig string
}

// special alpha tokens and their relative rank. Tokens not present here
// (ordinary letters) rank 1: above the empty string and numeric runs (both
// rank 0) and below post, per spec.md: "dev" < integer < post/letter.
var alphaRank = map[string]int{
	"dev":  -1,
	"":     0, // the implicit "release" token, e.g. gap after a numeric run
	"_":    0,
	"post": 2,
}

func rankOf(s string) int {
	if r, ok := alphaRank[s]; ok {
		return r
	}
	// ordinary letters (alpha tags like "a", "b", "rc") sort above dev and
	// numeric runs and below post, and are mutually ordered lexically.
	return 1
}

// Parse parses a canonical conda version string into a Version. Parse is
// total over the grammar described in spec.md §3: an optional "<epoch>!"
// prefix, then dot/dash separated components each split into digit/alpha
// runs.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, errors.New("version: empty version string")
	}

	v := Version{orig: s}
	rest := s

	if i := strings.IndexByte(rest, '!'); i >= 0 {
		e, err := strconv.Atoi(rest[:i])
		if err != nil {
			return Version{}, errors.Wrapf(err, "version: invalid epoch in %q", s)
		}
		v.epoch = e
		rest = rest[i+1:]
	}

	var cur strings.Builder
	sep := byte(0)
	flush := func() {
		if cur.Len() == 0 && sep == 0 {
			return
		}
		v.segments = append(v.segments, segment{atoms: splitAtoms(cur.String()), sep: sep})
		cur.Reset()
	}

	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '.' || c == '-' || c == '_' {
			flush()
			sep = c
			continue
		}
		cur.WriteByte(c)
	}
	flush()

	if len(v.segments) == 0 {
		return Version{}, errors.Errorf("version: no components found in %q", s)
	}

	return v, nil
}

// MustParse is Parse, panicking on error. Intended for static/test version
// literals only.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func splitAtoms(comp string) []atom {
	if comp == "" {
		return []atom{{kind: atomKindAlpha, str: ""}}
	}

	var atoms []atom
	i := 0
	for i < len(comp) {
		start := i
		isDigit := isDigitByte(comp[i])
		for i < len(comp) && isDigitByte(comp[i]) == isDigit {
			i++
		}
		piece := comp[start:i]
		if isDigit {
			n, _ := strconv.ParseInt(piece, 10, 64)
			atoms = append(atoms, atom{kind: atomKindNumeric, num: n, orig: piece})
		} else {
			atoms = append(atoms, atom{kind: atomKindAlpha, str: strings.ToLower(piece), orig: piece})
		}
	}
	return atoms
}

func isDigitByte(b byte) bool { return b >= '0' && b <= '9' }

// String renders the version in its original textual form. Versions
// constructed via Parse round-trip exactly.
func (v Version) String() string {
	if v.orig != "" {
		return v.orig
	}
	var b strings.Builder
	if v.epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.epoch)
	}
	for _, seg := range v.segments {
		if seg.sep != 0 {
			b.WriteByte(seg.sep)
		}
		for _, a := range seg.atoms {
			if a.kind == atomKindNumeric {
				b.WriteString(strconv.FormatInt(a.num, 10))
			} else {
				b.WriteString(a.orig)
			}
		}
	}
	return b.String()
}

// Epoch returns the version's epoch component (0 if unspecified).
func (v Version) Epoch() int { return v.epoch }

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other. Ordering is total: epoch first, then component-wise comparison of
// segments, where a shorter version is treated as having trailing empty
// (rank-0 "release") components.
func (v Version) Compare(other Version) int {
	if v.epoch != other.epoch {
		if v.epoch < other.epoch {
			return -1
		}
		return 1
	}

	n := len(v.segments)
	if len(other.segments) > n {
		n = len(other.segments)
	}

	for i := 0; i < n; i++ {
		var a, b segment
		if i < len(v.segments) {
			a = v.segments[i]
		}
		if i < len(other.segments) {
			b = other.segments[i]
		}
		if c := compareSegments(a, b); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegments(a, b segment) int {
	n := len(a.atoms)
	if len(b.atoms) > n {
		n = len(b.atoms)
	}
	for i := 0; i < n; i++ {
		var x, y atom
		hasX, hasY := i < len(a.atoms), i < len(b.atoms)
		if hasX {
			x = a.atoms[i]
		}
		if hasY {
			y = b.atoms[i]
		}
		if !hasX {
			x = atom{kind: atomKindAlpha, str: ""}
		}
		if !hasY {
			y = atom{kind: atomKindAlpha, str: ""}
		}
		if c := compareAtoms(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func compareAtoms(a, b atom) int {
	if a.kind == atomKindNumeric && b.kind == atomKindNumeric {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	}

	// Mixed kind, or both alpha: fall back to the dev/post/letter rank, then
	// to the numeric value (0 for alpha) and finally lexical text.
	ra, rb := atomRank(a), atomRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	if a.kind == atomKindNumeric && b.kind == atomKindAlpha {
		// Same rank (ordinary letters rank like numerics do not happen; this
		// path is only hit comparing a numeric run against the implicit
		// empty/"release" alpha atom, which ranks 0 same as bare numerics).
		if a.num == 0 {
			return 0
		}
		return 1
	}
	if a.kind == atomKindAlpha && b.kind == atomKindNumeric {
		if b.num == 0 {
			return 0
		}
		return -1
	}

	if a.str < b.str {
		return -1
	}
	if a.str > b.str {
		return 1
	}
	return 0
}

func atomRank(a atom) int {
	if a.kind == atomKindNumeric {
		return 0
	}
	return rankOf(a.str)
}

// Equal reports whether v and other compare equal.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Less reports whether v orders before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }
