// Command envsolve is the CLI entry point: install/remove/list/lock
// subcommands built on the same command-registry shape the teacher's own
// CLI uses (a small interface, a flag.FlagSet per subcommand, no subcommand
// framework dependency).
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

type command interface {
	Name() string
	Args() string
	ShortHelp() string
	LongHelp() string
	Register(*flag.FlagSet)
	Run(args []string) error
}

func main() {
	commands := []command{
		&installCommand{},
		&removeCommand{},
		&listCommand{},
		&lockCommand{},
	}

	usage := func() {
		fmt.Fprintln(os.Stderr, "Usage: envsolve <command>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr)
		w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
		for _, c := range commands {
			fmt.Fprintf(w, "\t%s\t%s\n", c.Name(), c.ShortHelp())
		}
		w.Flush()
		fmt.Fprintln(os.Stderr)
	}

	if len(os.Args) <= 1 || strings.ToLower(os.Args[1]) == "-h" || strings.ToLower(os.Args[1]) == "help" {
		usage()
		os.Exit(1)
	}

	for _, c := range commands {
		if c.Name() != os.Args[1] {
			continue
		}
		fs := flag.NewFlagSet(c.Name(), flag.ExitOnError)
		c.Register(fs)
		resetUsage(fs, c.Name(), c.Args(), c.LongHelp())
		if err := fs.Parse(os.Args[2:]); err != nil {
			fs.Usage()
			os.Exit(1)
		}
		if err := c.Run(fs.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "envsolve %s: %v\n", c.Name(), err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "envsolve: no such command %q\n", os.Args[1])
	usage()
	os.Exit(1)
}

// resetUsage overrides fs's usage text with a nicer rendering, mirroring
// the teacher CLI's own resetUsage.
func resetUsage(fs *flag.FlagSet, name, args, longHelp string) {
	var (
		hasFlags   bool
		flagBlock  bytes.Buffer
		flagWriter = tabwriter.NewWriter(&flagBlock, 0, 4, 2, ' ', 0)
	)
	fs.VisitAll(func(f *flag.Flag) {
		hasFlags = true
		def := f.DefValue
		if def == "" {
			def = "<none>"
		}
		fmt.Fprintf(flagWriter, "\t-%s\t%s (default: %s)\n", f.Name, f.Usage, def)
	})
	flagWriter.Flush()
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: envsolve %s %s\n\n", name, args)
		fmt.Fprintln(os.Stderr, strings.TrimSpace(longHelp))
		fmt.Fprintln(os.Stderr)
		if hasFlags {
			fmt.Fprintln(os.Stderr, "Flags:")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, flagBlock.String())
		}
	}
}
