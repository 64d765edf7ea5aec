// Package matchspec parses conda's canonical match-spec string form into a
// structured constraint over PackageInfo candidates:
//
//	[channel::]name[version_spec][=build_string][bracket_kv,...]
//
// The version_spec itself is a boolean combination of relational atoms
// handled by the version package; matchspec only concerns itself with
// splitting the outer grammar and the bracket key/value extension.
package matchspec

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/version"
)

// Key is one of the bracket-kv attribute names a MatchSpec can constrain
// beyond name/version/build, mirroring PackageInfo's identity fields.
type Key string

const (
	KeyMD5     Key = "md5"
	KeySHA256  Key = "sha256"
	KeyURL     Key = "url"
	KeyChannel Key = "channel"
	KeySubdir  Key = "subdir"
	KeyBuild   Key = "build"
	KeyVersion Key = "version"
)

// MatchSpec is a parsed package constraint. The zero value is not useful;
// construct via Parse.
type MatchSpec struct {
	// Channel, if non-empty, restricts matches to that channel (the
	// "channel::name" prefix form, or a channel= bracket kv when there is
	// no prefix).
	Channel string
	Name    string
	Version version.Constraint
	Build   version.Constraint // glob over the build string, "*" if unset
	KV      map[Key]string

	raw string
}

// Candidate is the minimal surface a MatchSpec needs to test a package
// against; PackageInfo implements it.
type Candidate interface {
	PackageName() string
	PackageVersion() version.Version
	BuildString() string
	BuildNumber() int
	ChannelName() string
	SubdirName() string
	MD5() string
	SHA256() string
	URL() string
}

var (
	// bracketRe extracts a trailing "[k=v,k=v]" clause.
	bracketRe = regexp.MustCompile(`^(.*)\[([^\]]*)\]$`)
	// nameRe matches a bare package name.
	nameRe = regexp.MustCompile(`^[A-Za-z0-9_.+-]+$`)
)

// Parse parses a single canonical match-spec string.
func Parse(s string) (MatchSpec, error) {
	orig := s
	ms := MatchSpec{raw: orig, Version: version.Any, Build: version.NewGlob("*")}

	s = strings.TrimSpace(s)
	if s == "" {
		return MatchSpec{}, errors.New("matchspec: empty spec")
	}

	if m := bracketRe.FindStringSubmatch(s); m != nil {
		s = m[1]
		kv, err := parseBracket(m[2])
		if err != nil {
			return MatchSpec{}, errors.Wrapf(err, "matchspec: %q", orig)
		}
		ms.KV = kv
	}

	if i := strings.Index(s, "::"); i >= 0 {
		ms.Channel = s[:i]
		s = s[i+2:]
	}

	name, rest, build, err := splitNameVersionBuild(s)
	if err != nil {
		return MatchSpec{}, errors.Wrapf(err, "matchspec: %q", orig)
	}
	ms.Name = name

	if build != "" {
		ms.Build = version.NewGlob(build)
	} else if b, ok := ms.KV[KeyBuild]; ok {
		ms.Build = version.NewGlob(b)
	}

	if rest != "" {
		c, err := parseVersionSpec(rest)
		if err != nil {
			return MatchSpec{}, errors.Wrapf(err, "matchspec: %q", orig)
		}
		ms.Version = c
	} else if v, ok := ms.KV[KeyVersion]; ok {
		c, err := parseVersionSpec(v)
		if err != nil {
			return MatchSpec{}, errors.Wrapf(err, "matchspec: %q", orig)
		}
		ms.Version = c
	}

	if ms.Channel == "" {
		if c, ok := ms.KV[KeyChannel]; ok {
			ms.Channel = c
		}
	}

	return ms, nil
}

// MustParse is Parse, panicking on error; intended for literals in tests and
// static configuration.
func MustParse(s string) MatchSpec {
	ms, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ms
}

func parseBracket(body string) (map[Key]string, error) {
	kv := map[Key]string{}
	if strings.TrimSpace(body) == "" {
		return kv, nil
	}
	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		i := strings.Index(pair, "=")
		if i < 0 {
			return nil, errors.Errorf("malformed bracket kv %q", pair)
		}
		k := Key(strings.TrimSpace(pair[:i]))
		v := strings.Trim(strings.TrimSpace(pair[i+1:]), `'"`)
		switch k {
		case KeyMD5, KeySHA256, KeyURL, KeyChannel, KeySubdir, KeyBuild, KeyVersion:
			kv[k] = v
		default:
			return nil, errors.Errorf("unsupported bracket key %q", k)
		}
	}
	return kv, nil
}

// splitNameVersionBuild splits "name version_spec=build" into its three
// parts. The name is the leading run of name characters; an "=build_string"
// suffix is recognized only when it is not itself part of a relational
// operator run (">=", "<=", "==", "!=", "~=").
func splitNameVersionBuild(s string) (name, versionSpec, build string, err error) {
	i := 0
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	if i == 0 {
		return "", "", "", errors.Errorf("no package name in %q", s)
	}
	name = s[:i]
	rest := s[i:]

	if rest == "" {
		return name, "", "", nil
	}

	if eq := strings.LastIndex(rest, "="); eq >= 0 && (eq == 0 || rest[eq-1] != '=' && rest[eq-1] != '!' && rest[eq-1] != '>' && rest[eq-1] != '<' && rest[eq-1] != '~') {
		build = rest[eq+1:]
		rest = rest[:eq]
	}

	return name, rest, build, nil
}

func isNameByte(b byte) bool {
	return b == '.' || b == '_' || b == '-' || b == '+' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// relOps lists the recognized leading relational operators, two-character
// operators first so ">=" is matched before ">".
var relOps = []string{">=", "<=", "==", "!=", "~=", ">", "<", "="}

// parseVersionSpec parses the comma ("AND") / pipe ("OR") combined
// relational/glob atom grammar into a version.Constraint.
func parseVersionSpec(s string) (version.Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return version.Any, nil
	}

	var alts []version.Constraint
	for _, alt := range strings.Split(s, "|") {
		var ands []version.Constraint
		for _, atom := range strings.Split(alt, ",") {
			atom = strings.TrimSpace(atom)
			if atom == "" {
				continue
			}
			c, err := parseAtom(atom)
			if err != nil {
				return nil, err
			}
			ands = append(ands, c)
		}
		if len(ands) == 0 {
			return nil, errors.Errorf("empty version clause in %q", s)
		}
		alts = append(alts, version.AllOf(ands...))
	}
	return version.AnyOf(alts...), nil
}

func parseAtom(atom string) (version.Constraint, error) {
	if strings.ContainsAny(atom, "*") && !strings.ContainsAny(atom, "<>=!~") {
		return version.NewGlob(atom), nil
	}

	for _, op := range relOps {
		if strings.HasPrefix(atom, op) {
			verStr := strings.TrimSpace(atom[len(op):])
			if strings.Contains(verStr, "*") {
				return version.NewGlob(verStr), nil
			}
			v, err := version.Parse(verStr)
			if err != nil {
				return nil, err
			}
			return version.NewRelational(op, v)
		}
	}

	// Bare version with no operator means exact-match-or-prefix, per conda's
	// "1.2" == "1.2*" convention when no trailing dot is present; we require
	// exact equality here and let callers glob explicitly with a trailing *.
	v, err := version.Parse(atom)
	if err != nil {
		return nil, err
	}
	return version.NewRelational("==", v)
}

// Matches reports whether c satisfies every constrained field of the spec.
func (ms MatchSpec) Matches(c Candidate) bool {
	if ms.Name != "" && ms.Name != "*" && ms.Name != c.PackageName() {
		return false
	}
	if ms.Channel != "" && ms.Channel != c.ChannelName() {
		return false
	}
	if ms.Version != nil && !ms.Version.Matches(c.PackageVersion()) {
		return false
	}
	if ms.Build != nil && !ms.Build.Matches(buildVersion(c.BuildString())) {
		return false
	}
	for k, v := range ms.KV {
		switch k {
		case KeyMD5:
			if c.MD5() != v {
				return false
			}
		case KeySHA256:
			if c.SHA256() != v {
				return false
			}
		case KeyURL:
			if c.URL() != v {
				return false
			}
		case KeySubdir:
			if c.SubdirName() != v {
				return false
			}
		}
	}
	return true
}

// buildVersion wraps a raw build string as a Version so glob constraints
// (which operate on version.Version.String()) can test it without a second
// string-matching code path.
func buildVersion(s string) version.Version {
	v, err := version.Parse(s)
	if err != nil {
		return version.MustParse("0")
	}
	return v
}

// String renders the spec back to its canonical form. It is not guaranteed
// to be byte-identical to the string originally parsed (bracket kv ordering
// is normalized), but Parse(ms.String()) matches the same candidates.
func (ms MatchSpec) String() string {
	var b strings.Builder
	if ms.Channel != "" {
		b.WriteString(ms.Channel)
		b.WriteString("::")
	}
	b.WriteString(ms.Name)
	if ms.Version != nil && !version.IsAny(ms.Version) {
		b.WriteString(ms.Version.String())
	}
	if ms.Build != nil {
		if g, ok := ms.Build.(interface{ String() string }); ok && g.String() != "*" {
			b.WriteByte('=')
			b.WriteString(g.String())
		}
	}
	if len(ms.KV) > 0 {
		keys := make([]string, 0, len(ms.KV))
		for k := range ms.KV {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		b.WriteByte('[')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(ms.KV[Key(k)])
		}
		b.WriteByte(']')
	}
	return b.String()
}
