// Package history appends a line-oriented record of every user-requested
// change to a prefix, in the style of conda's conda-meta/history file: a
// "==> timestamp <==" banner line, a "# cmd:" line with the command line,
// "# requested:" lines for the specs the user asked for, and the
// +name-version-build / -name-version-build lines for
// whatever the resulting transaction actually linked or unlinked. It's
// read-mostly and append-only, so the writer style follows the teacher's
// plain os.Create/defer-Close files rather than the atomic rename dance
// prefixdata.Put uses for its JSON records: a torn append to a log is
// recoverable by truncating the last partial line, unlike a torn rewrite
// of a full record.
package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/pool"
)

const fileName = "history"

// Entry is one user-requested change, as recorded and as read back.
type Entry struct {
	Timestamp   time.Time
	CommandLine string
	Specs       []string
	Linked      []string // "name-version-build" dist strings
	Unlinked    []string
}

// Path returns the history file's location inside a prefix's conda-meta
// directory.
func Path(condaMetaDir string) string {
	return filepath.Join(condaMetaDir, fileName)
}

// Append writes one Entry to the history file, creating it if absent.
func Append(condaMetaDir string, e Entry) error {
	f, err := os.OpenFile(Path(condaMetaDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "history: opening history file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "==> %s <==\n", e.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	if e.CommandLine != "" {
		fmt.Fprintf(w, "# cmd: %s\n", e.CommandLine)
	}
	for _, s := range e.Specs {
		fmt.Fprintf(w, "# requested: %s\n", s)
	}
	for _, d := range e.Unlinked {
		fmt.Fprintf(w, "-%s\n", d)
	}
	for _, d := range e.Linked {
		fmt.Fprintf(w, "+%s\n", d)
	}
	return w.Flush()
}

// AppendTransaction is a convenience wrapper deriving Linked/Unlinked dist
// strings from the package lists a transaction actually applied.
func AppendTransaction(condaMetaDir, commandLine string, specs []string, linked, unlinked []*pool.PackageInfo) error {
	e := Entry{Timestamp: now(), CommandLine: commandLine, Specs: specs}
	for _, p := range linked {
		e.Linked = append(e.Linked, distString(p))
	}
	for _, p := range unlinked {
		e.Unlinked = append(e.Unlinked, distString(p))
	}
	return Append(condaMetaDir, e)
}

func distString(p *pool.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version.String(), p.BuildString)
}

// now is a seam so tests can avoid real wall-clock timestamps; it defaults
// to time.Now.
var now = time.Now

// Read parses every entry from a prefix's history file. A missing file
// reads back as no entries, matching a freshly created environment that
// has never recorded a change.
func Read(condaMetaDir string) ([]Entry, error) {
	f, err := os.Open(Path(condaMetaDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "history: opening history file")
	}
	defer f.Close()

	var entries []Entry
	var cur *Entry

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "==> "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			ts, _ := time.Parse("2006-01-02 15:04:05", strings.TrimSuffix(strings.TrimPrefix(line, "==> "), " <=="))
			cur = &Entry{Timestamp: ts}
		case cur == nil:
			continue // stray content before the first banner line
		case strings.HasPrefix(line, "# cmd: "):
			cur.CommandLine = strings.TrimPrefix(line, "# cmd: ")
		case strings.HasPrefix(line, "# requested: "):
			cur.Specs = append(cur.Specs, strings.TrimPrefix(line, "# requested: "))
		case strings.HasPrefix(line, "+"):
			cur.Linked = append(cur.Linked, line[1:])
		case strings.HasPrefix(line, "-"):
			cur.Unlinked = append(cur.Unlinked, line[1:])
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "history: scanning history file")
	}
	return entries, nil
}
