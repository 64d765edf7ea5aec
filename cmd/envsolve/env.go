package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/channel"
	"github.com/envsolve/envsolve/config"
	"github.com/envsolve/envsolve/envsolvectx"
	"github.com/envsolve/envsolve/packagecache"
	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/prefixdata"
)

// env bundles together the state every subcommand needs: the resolved
// prefix, loaded config, a populated pool, and the open package cache.
// Building it is the CLI's one wiring point between channel, pool,
// packagecache, and prefixdata.
type env struct {
	ctx    *envsolvectx.Context
	prefix string
	cfg    *config.Config
	pd     *prefixdata.PrefixData
	pool   *pool.Pool
	cache  *packagecache.MultiPackageCache
	repos  map[string]*pool.Repo
}

const defaultSubdir = "linux-64"

func loadEnv(prefix string, subdirs []string) (*env, error) {
	if prefix == "" {
		return nil, errors.New("envsolve: -p/--prefix is required")
	}

	home, _ := os.UserHomeDir()
	cfgPath := filepath.Join(home, ".envsolverc")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}

	cacheDirs := cfg.PkgCacheDirs
	if len(cacheDirs) == 0 {
		cacheDirs = []string{filepath.Join(home, ".envsolve", "pkgs")}
	}
	cctx := envsolvectx.New(cacheDirs, nil)

	cache, err := packagecache.OpenMulti(cacheDirs)
	if err != nil {
		return nil, err
	}

	pd, err := prefixdata.Load(prefix)
	if err != nil {
		cache.Close()
		return nil, err
	}

	p := pool.New()
	installedRepo := p.AddRepo("installed", "", 1000, 0, true)
	for _, info := range pd.Packages() {
		p.AddSolvable(installedRepo, info)
	}

	e := &env{ctx: cctx, prefix: prefix, cfg: cfg, pd: pd, pool: p, cache: cache, repos: map[string]*pool.Repo{}}

	if len(subdirs) == 0 {
		subdirs = []string{defaultSubdir}
	}
	table := channel.NewAliasTable(cfg.AliasMap())
	for i, name := range cfg.DefaultChannels {
		ch, err := table.Resolve(name, subdirs)
		if err != nil {
			cache.Close()
			return nil, err
		}
		if err := e.loadChannel(ch, len(cfg.DefaultChannels)-i); err != nil {
			cache.Close()
			return nil, err
		}
	}

	p.RebuildWhatProvides()
	return e, nil
}

// loadChannel refreshes and indexes every subdir of ch into the pool,
// priority controlling how later channel-priority tiebreaks resolve.
func (e *env) loadChannel(ch channel.Channel, priority int) error {
	repo := e.pool.AddRepo(ch.Name, ch.BaseURL, priority, 0, false)
	e.repos[ch.Name] = repo

	cacheRoot, err := e.ctx.FirstWritableCacheDir()
	if err != nil {
		return err
	}

	for _, subdir := range ch.Subdirs {
		cacheDir := filepath.Join(cacheRoot, "repodata", ch.Name, subdir)
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return err
		}
		sd := channel.NewSubdirData(ch, subdir, cacheDir, e.ctx.Transport, time.Hour)
		ctx, cancel := e.ctx.Bind(context.Background())
		err := sd.Refresh(ctx)
		cancel()
		if err != nil {
			e.ctx.Logger.Warn("refreshing repodata failed", "channel", ch.Name, "subdir", subdir, "error", err)
			continue
		}
		infos, err := sd.PackageInfos()
		if err != nil {
			return errors.Wrapf(err, "reading repodata for %s/%s", ch.Name, subdir)
		}
		for _, info := range infos {
			e.pool.AddSolvable(repo, info)
		}
	}
	return nil
}

func (e *env) close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

func refFor(info *pool.PackageInfo) packagecache.PackageRef {
	return packagecache.PackageRef{
		Channel:  info.Channel,
		Subdir:   info.Subdir,
		Filename: info.Filename,
		Name:     info.Name,
		Version:  info.Version.String(),
		Build:    info.BuildString,
		Size:     info.Size,
		SHA256:   info.SHA256,
		MD5:      info.MD5,
	}
}

func urlFor(e *env, info *pool.PackageInfo) string {
	repo, ok := e.repos[info.Channel]
	if !ok {
		return info.URL
	}
	return (channel.Channel{BaseURL: repo.URL}).URLFor(info.Subdir, info.Filename)
}

func fmtSpecList(specs []string) string {
	if len(specs) == 0 {
		return "(none)"
	}
	out := specs[0]
	for _, s := range specs[1:] {
		out += ", " + s
	}
	return out
}

func printSolution(toInstall, toRemove []*pool.PackageInfo) {
	for _, p := range toRemove {
		fmt.Printf("  - %-30s %s (%s)\n", p.Name, p.Version.String(), p.BuildString)
	}
	for _, p := range toInstall {
		fmt.Printf("  + %-30s %s (%s)\n", p.Name, p.Version.String(), p.BuildString)
	}
}
