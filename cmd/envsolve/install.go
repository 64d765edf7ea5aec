package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/fetchpipeline"
	"github.com/envsolve/envsolve/history"
	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/solver"
	"github.com/envsolve/envsolve/transaction"
	"github.com/envsolve/envsolve/transactionlock"
)

type installCommand struct {
	prefix  string
	dryRun  bool
	yes     bool
	noDeps  bool
	channel string
}

func (c *installCommand) Name() string      { return "install" }
func (c *installCommand) Args() string      { return "<spec> [spec...]" }
func (c *installCommand) ShortHelp() string { return "Install packages into an environment" }
func (c *installCommand) LongHelp() string {
	return "Install solves the given match-specs against the configured channels and applies the resulting change set to the prefix."
}

func (c *installCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.prefix, "prefix", "", "target environment prefix")
	fs.StringVar(&c.prefix, "p", "", "target environment prefix (shorthand)")
	fs.BoolVar(&c.dryRun, "dry-run", false, "show the solved change set without applying it")
	fs.BoolVar(&c.yes, "yes", false, "no effect: install never asks for confirmation")
	fs.BoolVar(&c.noDeps, "no-deps", false, "install only the named packages, not their dependencies")
}

func (c *installCommand) Run(args []string) error {
	if len(args) == 0 {
		return errors.New("install: at least one package spec is required")
	}

	e, err := loadEnv(c.prefix, nil)
	if err != nil {
		return err
	}
	defer e.close()

	req := solver.Request{Flags: solver.Flags{NoDeps: c.noDeps}}
	for _, spec := range args {
		req.Jobs = append(req.Jobs, solver.Job{Kind: solver.JobInstall, Spec: spec})
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

	return applySolution(e, sol, "install", args)
}

func applySolution(e *env, sol *solver.Solution, verb string, requestedSpecs []string) error {
	lock := transactionlock.New(e.prefix + "/conda-meta")
	if err := lock.WaitLock(0, 0); err != nil {
		return errors.Wrap(err, "acquiring transaction lock")
	}
	defer lock.Unlock()

	ctx, cancel := e.ctx.Bind(context.Background())
	defer cancel()

	tasks := make([]fetchpipeline.Task, 0, len(sol.ToInstall))
	for _, info := range sol.ToInstall {
		tasks = append(tasks, fetchpipeline.Task{Ref: refFor(info), URL: urlFor(e, info)})
	}
	pipeline := fetchpipeline.New(e.cache, 0, 0, nil)
	if err := pipeline.Run(ctx, tasks); err != nil {
		return errors.Wrap(err, "fetching packages")
	}

	txn, err := transaction.New(e.prefix, sol.ToInstall, sol.ToRemove)
	if err != nil {
		return err
	}

	extractedDirFor := func(info *pool.PackageInfo) (string, error) {
		dir, err := e.cache.GetExtractedDirPath(refFor(info), true)
		if err != nil {
			return "", err
		}
		if dir == "" {
			return "", errors.Errorf("no extracted tree cached for %s", info.Filename)
		}
		return dir, nil
	}

	if err := txn.Execute(ctx, extractedDirFor, e.pd); err != nil {
		return errors.Wrap(err, "executing transaction")
	}

	return history.AppendTransaction(e.prefix+"/conda-meta", "envsolve "+verb+" "+fmtSpecList(requestedSpecs), requestedSpecs, sol.ToInstall, sol.ToRemove)
}
