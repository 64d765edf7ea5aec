package main

import (
	"flag"
	"fmt"
	"sort"

	"github.com/envsolve/envsolve/prefixdata"
)

type listCommand struct {
	prefix string
}

func (c *listCommand) Name() string      { return "list" }
func (c *listCommand) Args() string      { return "" }
func (c *listCommand) ShortHelp() string { return "List packages installed in an environment" }
func (c *listCommand) LongHelp() string  { return "List prints every package recorded in the prefix's conda-meta directory." }

func (c *listCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.prefix, "prefix", "", "target environment prefix")
	fs.StringVar(&c.prefix, "p", "", "target environment prefix (shorthand)")
}

func (c *listCommand) Run(args []string) error {
	pd, err := prefixdata.Load(c.prefix)
	if err != nil {
		return err
	}

	pkgs := pd.Packages()
	names := make([]string, 0, len(pkgs))
	for name := range pkgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := pkgs[name]
		fmt.Printf("%-30s %-15s %s\n", p.Name, p.Version.String(), p.BuildString)
	}
	return nil
}
