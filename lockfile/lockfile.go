// Package lockfile reads and writes two on-disk environment snapshot
// formats: the classic "explicit" format (a flat list of package URLs
// prefixed by an "@EXPLICIT" marker line, installed without re-solving)
// and a richer YAML lock document capturing per-package metadata needed
// to reproduce an environment without contacting a channel's repodata at
// all. The raw/domain struct split for the YAML form follows the
// teacher's lock.go: a private wire-shaped rawLockFile decodes/encodes,
// and is translated to and from the public LockFile the rest of the
// module uses.
package lockfile

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/envsolve/envsolve/pool"
)

const explicitMarker = "@EXPLICIT"

// ParseExplicit reads the classic explicit-format lockfile: comment lines
// beginning with '#' are ignored except for a "# platform: ..." directive,
// which is returned separately; the "@EXPLICIT" marker is required and
// every non-comment, non-blank line after it is a package URL, optionally
// followed by a "#<checksum>" suffix as WriteExplicit writes it; the suffix
// is returned as part of the URL string.
func ParseExplicit(r io.Reader) (platform string, urls []string, err error) {
	sc := bufio.NewScanner(r)
	sawMarker := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# platform:") {
			platform = strings.TrimSpace(strings.TrimPrefix(line, "# platform:"))
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == explicitMarker {
			sawMarker = true
			continue
		}
		if !sawMarker {
			return "", nil, errors.New("lockfile: missing @EXPLICIT marker before package list")
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return "", nil, errors.Wrap(err, "lockfile: reading explicit lockfile")
	}
	if !sawMarker {
		return "", nil, errors.New("lockfile: missing @EXPLICIT marker")
	}
	return platform, urls, nil
}

// WriteExplicit renders the classic explicit format for a resolved
// environment's package URLs, in channel priority / install order.
func WriteExplicit(w io.Writer, platform string, urlsWithChecksums []URLChecksum) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# This file may be used to create an environment using:")
	fmt.Fprintln(bw, "# $ conda create --name <env> --file <this file>")
	if platform != "" {
		fmt.Fprintf(bw, "# platform: %s\n", platform)
	}
	fmt.Fprintln(bw, explicitMarker)
	for _, u := range urlsWithChecksums {
		if u.SHA256 != "" {
			fmt.Fprintf(bw, "%s#%s\n", u.URL, u.SHA256)
		} else {
			fmt.Fprintln(bw, u.URL)
		}
	}
	return bw.Flush()
}

// URLChecksum pairs a package tarball URL with the checksum the explicit
// format appends after a '#', when known.
type URLChecksum struct {
	URL    string
	SHA256 string
}

// LockedPackage is one package's recorded state in a YAML lock document.
type LockedPackage struct {
	Name     string
	Version  string
	Build    string
	Channel  string
	Subdir   string
	URL      string
	MD5      string
	SHA256   string
	Depends  []string
}

// LockFile is the full environment snapshot: the platform it was solved
// for, the specs the user originally requested, and every package that
// resulted.
type LockFile struct {
	Platform string
	Specs    []string
	Packages []LockedPackage
}

type rawLockedPackage struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Build    string  `yaml:"build,omitempty"`
	Channel  string  `yaml:"channel,omitempty"`
	Subdir   string  `yaml:"subdir,omitempty"`
	URL      string  `yaml:"url"`
	MD5      string  `yaml:"md5,omitempty"`
	SHA256   string  `yaml:"sha256,omitempty"`
	Depends  []string `yaml:"depends,omitempty"`
}

type rawLockFile struct {
	Platform string             `yaml:"platform"`
	Specs    []string           `yaml:"specs,omitempty"`
	Packages []rawLockedPackage `yaml:"packages"`
}

// Read decodes a YAML lock document.
func Read(r io.Reader) (*LockFile, error) {
	var raw rawLockFile
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "lockfile: decoding yaml lockfile")
	}

	lf := &LockFile{Platform: raw.Platform, Specs: raw.Specs}
	for _, rp := range raw.Packages {
		lf.Packages = append(lf.Packages, LockedPackage{
			Name:    rp.Name,
			Version: rp.Version,
			Build:   rp.Build,
			Channel: rp.Channel,
			Subdir:  rp.Subdir,
			URL:     rp.URL,
			MD5:     rp.MD5,
			SHA256:  rp.SHA256,
			Depends: rp.Depends,
		})
	}
	return lf, nil
}

// Write encodes a YAML lock document.
func Write(w io.Writer, lf *LockFile) error {
	raw := rawLockFile{Platform: lf.Platform, Specs: lf.Specs}
	for _, p := range lf.Packages {
		raw.Packages = append(raw.Packages, rawLockedPackage{
			Name:    p.Name,
			Version: p.Version,
			Build:   p.Build,
			Channel: p.Channel,
			Subdir:  p.Subdir,
			URL:     p.URL,
			MD5:     p.MD5,
			SHA256:  p.SHA256,
			Depends: p.Depends,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(raw)
}

// FromPackageInfos builds a LockFile from a resolved package set, for
// export after a successful solve.
func FromPackageInfos(platform string, specs []string, infos []*pool.PackageInfo) *LockFile {
	lf := &LockFile{Platform: platform, Specs: specs}
	for _, p := range infos {
		lf.Packages = append(lf.Packages, LockedPackage{
			Name:    p.Name,
			Version: p.Version.String(),
			Build:   p.BuildString,
			Channel: p.Channel,
			Subdir:  p.Subdir,
			URL:     p.URL,
			MD5:     p.MD5,
			SHA256:  p.SHA256,
			Depends: p.Depends,
		})
	}
	return lf
}
