// Package channel resolves user channel tokens (a name, alias, or URL) to
// canonical channels and fetches/caches their per-subdir repodata.
package channel

import (
	"net/url"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/armon/go-radix"
	"github.com/pkg/errors"
)

// Channel is a resolved channel: a canonical name, base URL, optional auth
// token, and the platform subdirs it indexes (always including noarch).
// Revision is set only for a local/file:// channel root that is itself a
// VCS checkout, e.g. a maintainer's working copy of a hand-built channel;
// most channels leave it empty.
type Channel struct {
	Name     string
	BaseURL  string
	Token    string
	Subdirs  []string
	Revision string
}

// AliasTable maps short channel names to base URLs, with longest-prefix
// matching so an alias like "conda-forge" resolves even when given as
// "conda-forge/label/main". Backed by armon/go-radix for the same reason
// the pool package uses it for its string table: fast longest-prefix
// lookups over a fairly small, mostly-static set of keys.
type AliasTable struct {
	tree *radix.Tree
}

// NewAliasTable builds a table from name->baseURL pairs, e.g. the parsed
// contents of a channels.toml alias section.
func NewAliasTable(aliases map[string]string) *AliasTable {
	t := radix.New()
	for name, base := range aliases {
		t.Insert(name, base)
	}
	return &AliasTable{tree: t}
}

// Resolve turns a user token into a Channel. Resolution order:
//  1. If the token is an absolute URL, use it directly as the base.
//  2. Otherwise, longest-prefix match against the alias table; the matched
//     prefix becomes the base URL, any remaining path segments become
//     additional path components (e.g. "conda-forge/label/main").
//  3. Otherwise, error: the token names no known channel.
//
// An explicit "[subdir1,subdir2]" suffix overrides the default subdir list.
func (t *AliasTable) Resolve(token string, defaultSubdirs []string) (Channel, error) {
	token, explicitSubdirs, err := splitSubdirs(token)
	if err != nil {
		return Channel{}, err
	}

	subdirs := defaultSubdirs
	if len(explicitSubdirs) > 0 {
		subdirs = explicitSubdirs
	}
	if !containsStr(subdirs, "noarch") {
		subdirs = append(append([]string(nil), subdirs...), "noarch")
	}

	if u, err := url.Parse(token); err == nil && u.IsAbs() {
		ch := Channel{Name: channelNameFromURL(u), BaseURL: strings.TrimRight(token, "/"), Subdirs: subdirs}
		if u.Scheme == "file" {
			ch.Revision = localChannelRevision(u.Path)
		}
		return ch, nil
	}

	if t != nil {
		name, base, rest, ok := t.longestPrefix(token)
		if ok {
			full := strings.TrimRight(base, "/")
			if rest != "" {
				full += "/" + rest
			}
			return Channel{Name: name, BaseURL: full, Subdirs: subdirs}, nil
		}
	}

	return Channel{}, errors.Errorf("channel: unknown channel %q", token)
}

func (t *AliasTable) longestPrefix(token string) (name, base, rest string, ok bool) {
	k, v, found := t.tree.LongestPrefix(token)
	if !found {
		return "", "", "", false
	}
	base, _ = v.(string)
	rest = strings.TrimPrefix(token, k)
	rest = strings.TrimPrefix(rest, "/")
	return k, base, rest, true
}

func channelNameFromURL(u *url.URL) string {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return u.Host
	}
	return parts[len(parts)-1]
}

// splitSubdirs extracts a trailing "[linux-64,noarch]" clause, if present.
func splitSubdirs(token string) (string, []string, error) {
	i := strings.IndexByte(token, '[')
	if i < 0 {
		return token, nil, nil
	}
	if !strings.HasSuffix(token, "]") {
		return "", nil, errors.Errorf("channel: malformed subdir clause in %q", token)
	}
	body := token[i+1 : len(token)-1]
	var subdirs []string
	for _, s := range strings.Split(body, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			subdirs = append(subdirs, s)
		}
	}
	return token[:i], subdirs, nil
}

// localChannelRevision returns the current VCS revision of a local
// channel root, when the root happens to be a VCS checkout; it returns ""
// for an ordinary directory of repodata rather than failing, since most
// local channels are not version controlled at all.
func localChannelRevision(root string) string {
	if _, err := vcs.DetectVcsFromFS(root); err != nil {
		return ""
	}
	repo, err := vcs.NewRepo("", root)
	if err != nil {
		return ""
	}
	rev, err := repo.Version()
	if err != nil {
		return ""
	}
	return rev
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// URLFor builds the full URL for one subdir's repodata of a given filename
// ("repodata.json", "repodata.json.zst", or a package filename).
func (c Channel) URLFor(subdir, filename string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + subdir + "/" + filename
}
