package main

import (
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/solver"
)

type removeCommand struct {
	prefix         string
	dryRun         bool
	allowUninstall bool
}

func (c *removeCommand) Name() string      { return "remove" }
func (c *removeCommand) Args() string      { return "<spec> [spec...]" }
func (c *removeCommand) ShortHelp() string { return "Remove packages from an environment" }
func (c *removeCommand) LongHelp() string {
	return "Remove solves the environment with the given packages excluded and applies the resulting change set."
}

func (c *removeCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.prefix, "prefix", "", "target environment prefix")
	fs.StringVar(&c.prefix, "p", "", "target environment prefix (shorthand)")
	fs.BoolVar(&c.dryRun, "dry-run", false, "show the solved change set without applying it")
	fs.BoolVar(&c.allowUninstall, "force", false, "no effect: removing a package something else still depends on fails with a conflict")
}

func (c *removeCommand) Run(args []string) error {
	if len(args) == 0 {
		return errors.New("remove: at least one package name is required")
	}

	e, err := loadEnv(c.prefix, nil)
	if err != nil {
		return err
	}
	defer e.close()

	req := solver.Request{Flags: solver.Flags{AllowUninstall: c.allowUninstall}}
	for _, spec := range args {
		req.Jobs = append(req.Jobs, solver.Job{Kind: solver.JobRemove, Spec: spec})
	}

	sol, err := solver.Solve(e.pool, e.pd, req)
	if err != nil {
		return err
	}

	fmt.Println("The following changes will be made:")
	printSolution(sol.ToInstall, sol.ToRemove)

	if c.dryRun {
		return nil
	}

	return applySolution(e, sol, "remove", args)
}
