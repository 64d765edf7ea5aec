package main

import (
	"flag"
	"os"
	"runtime"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/lockfile"
	"github.com/envsolve/envsolve/prefixdata"
)

type lockCommand struct {
	prefix   string
	out      string
	explicit bool
}

func (c *lockCommand) Name() string      { return "lock" }
func (c *lockCommand) Args() string      { return "" }
func (c *lockCommand) ShortHelp() string { return "Export the currently installed packages as a lock file" }
func (c *lockCommand) LongHelp() string {
	return "Lock writes every package currently recorded in the prefix to a lock file, either the rich YAML form or the classic flat @EXPLICIT URL list."
}

func (c *lockCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.prefix, "prefix", "", "target environment prefix")
	fs.StringVar(&c.prefix, "p", "", "target environment prefix (shorthand)")
	fs.StringVar(&c.out, "o", "", "output path (defaults to stdout)")
	fs.BoolVar(&c.explicit, "explicit", false, "write the classic flat @EXPLICIT URL list instead of YAML")
}

func (c *lockCommand) Run(args []string) error {
	pd, err := prefixdata.Load(c.prefix)
	if err != nil {
		return err
	}

	sorted, err := pd.TopoSorted()
	if err != nil {
		return errors.Wrap(err, "ordering installed packages")
	}

	w := os.Stdout
	if c.out != "" {
		f, err := os.Create(c.out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	platform := condaSubdir()
	if c.explicit {
		urls := make([]lockfile.URLChecksum, 0, len(sorted))
		for _, p := range sorted {
			urls = append(urls, lockfile.URLChecksum{URL: p.URL, SHA256: p.SHA256})
		}
		return lockfile.WriteExplicit(w, platform, urls)
	}

	lf := lockfile.FromPackageInfos(platform, args, sorted)
	return lockfile.Write(w, lf)
}

// condaSubdir maps the running GOOS/GOARCH to conda's own platform-subdir
// naming, per spec.md's channel/subdir convention.
func condaSubdir() string {
	switch runtime.GOOS {
	case "linux":
		switch runtime.GOARCH {
		case "arm64":
			return "linux-aarch64"
		default:
			return "linux-64"
		}
	case "darwin":
		switch runtime.GOARCH {
		case "arm64":
			return "osx-arm64"
		default:
			return "osx-64"
		}
	case "windows":
		return "win-64"
	default:
		return "noarch"
	}
}
