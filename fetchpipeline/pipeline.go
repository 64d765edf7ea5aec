// Package fetchpipeline runs the download-then-extract pipeline for
// packages selected for install: bounded download concurrency and a
// separately bounded extract concurrency, so a slow extract (CPU-bound)
// never starves the network-bound download pool or vice versa.
package fetchpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/envsolve/envsolve/archive"
	"github.com/envsolve/envsolve/packagecache"
)

// Task is one package's fetch/extract work item.
type Task struct {
	Ref packagecache.PackageRef
	URL string
}

// Pipeline owns the two concurrency limits and the cache it writes into.
type Pipeline struct {
	Cache            *packagecache.MultiPackageCache
	DownloadLimit    int
	ExtractLimit     int
	Client           *http.Client
}

// New returns a Pipeline with sane default limits if the caller passes 0.
func New(cache *packagecache.MultiPackageCache, downloadLimit, extractLimit int, client *http.Client) *Pipeline {
	if downloadLimit <= 0 {
		downloadLimit = 5
	}
	if extractLimit <= 0 {
		extractLimit = 2
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Pipeline{Cache: cache, DownloadLimit: downloadLimit, ExtractLimit: extractLimit, Client: client}
}

// Run fetches and extracts every task not already validly present, per
// spec §4.5: a valid tarball with no extracted tree schedules extraction
// directly; otherwise download then extract. Tasks are processed
// concurrently up to the pipeline's two limits; the first hard error
// cancels the remaining work via the errgroup-derived context.
func (p *Pipeline) Run(ctx context.Context, tasks []Task) error {
	downloadSem := make(chan struct{}, p.DownloadLimit)
	extractSem := make(chan struct{}, p.ExtractLimit)

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return p.runOne(ctx, task, downloadSem, extractSem)
		})
	}
	return g.Wait()
}

func (p *Pipeline) runOne(ctx context.Context, task Task, downloadSem, extractSem chan struct{}) error {
	extracted, err := p.Cache.GetExtractedDirPath(task.Ref, false)
	if err != nil {
		return err
	}
	if extracted != "" {
		return nil
	}

	tarball, err := p.Cache.GetTarballPath(task.Ref)
	if err != nil {
		return err
	}
	if tarball == "" {
		if err := p.download(ctx, task, downloadSem); err != nil {
			return errors.Wrapf(err, "fetchpipeline: downloading %s", task.Ref.Filename)
		}
	}

	if err := p.extract(ctx, task, extractSem); err != nil {
		return errors.Wrapf(err, "fetchpipeline: extracting %s", task.Ref.Filename)
	}
	return nil
}

func (p *Pipeline) download(ctx context.Context, task Task, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	cache, err := p.Cache.CacheForWrite()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetchpipeline: unexpected status %d fetching %s", resp.StatusCode, task.URL)
	}

	dst := cache.TarballPath(task.Ref)
	tmp, err := os.CreateTemp(cache.Dir, ".envsolve-download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if task.Ref.SHA256 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != task.Ref.SHA256 {
			os.Remove(tmpName)
			return errors.Errorf("fetchpipeline: sha256 mismatch for %s: want %s got %s", task.Ref.Filename, task.Ref.SHA256, got)
		}
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return cache.ClearQueryCache(task.Ref)
}

// extract unpacks tarball into a temporary sibling of the final extracted
// directory, fsyncs it, and renames it into place, so a crash or error
// mid-extraction never leaves partial files sitting at the real
// destination; the temp directory is removed on any failure. The tarball is
// taken from whichever cache holds a valid copy; the tree is always
// extracted into the first writable cache.
func (p *Pipeline) extract(ctx context.Context, task Task, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	cache, err := p.Cache.CacheForWrite()
	if err != nil {
		return err
	}
	tarball, err := p.Cache.GetTarballPath(task.Ref)
	if err != nil {
		return err
	}
	if tarball == "" {
		return errors.New("fetchpipeline: tarball missing before extraction")
	}

	dest := cache.ExtractedDirPath(task.Ref)
	tmp := dest + ".tmp-extract"
	if err := os.RemoveAll(tmp); err != nil {
		return errors.Wrap(err, "fetchpipeline: clearing stale temp extract dir")
	}

	if err := archive.Extract(tarball, tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := fsyncDir(tmp); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(err, "fetchpipeline: fsync extracted tree")
	}

	os.RemoveAll(dest)
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(err, "fetchpipeline: rename extracted tree into place")
	}
	if err := fsyncDir(cache.Dir); err != nil {
		return errors.Wrap(err, "fetchpipeline: fsync cache directory")
	}

	if err := cache.AppendURL(task.URL); err != nil {
		return errors.Wrap(err, "fetchpipeline: recording source url")
	}

	return cache.ClearQueryCache(task.Ref)
}

// fsyncDir fsyncs a directory entry itself (not just its contents), so the
// creates/renames within it are durable before a dependent rename proceeds.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
