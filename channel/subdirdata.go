package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenk/backoff"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/rs/dnscache"

	"github.com/envsolve/envsolve/internal/fs"
	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/version"
)

// repodataRecord is the wire shape of one entry in a repodata.json
// "packages"/"packages.conda" section.
type repodataRecord struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Build         string   `json:"build"`
	BuildNumber   int      `json:"build_number"`
	Size          int64    `json:"size"`
	MD5           string   `json:"md5"`
	SHA256        string   `json:"sha256"`
	Depends       []string `json:"depends"`
	Constrains    []string `json:"constrains"`
	TrackFeatures []string `json:"track_features"`
	Timestamp     int64    `json:"timestamp"`
	Noarch        any      `json:"noarch"` // bool (legacy) or string ("python"/"generic")
}

type repodataDoc struct {
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages     map[string]repodataRecord `json:"packages"`
	PackagesConda map[string]repodataRecord `json:"packages.conda"`
	RepodataVersion int    `json:"repodata_version"`
	RepodataSHA256  string `json:"repodata_sha256,omitempty"`
}

// state mirrors repodata.state.json: enough information to make the next
// refresh conditional.
type state struct {
	ETag     string `json:"etag"`
	Mod      string `json:"mod"`
	URL      string `json:"url"`
	MtimeNs  int64  `json:"mtime_ns"`
	Size     int64  `json:"size"`
}

// SubdirData owns one (channel, subdir) pair's local repodata cache and
// knows how to refresh it per the conditional-GET protocol.
type SubdirData struct {
	Channel  Channel
	Subdir   string
	CacheDir string

	client *http.Client
	ttl    time.Duration
}

// NewSubdirData constructs a SubdirData backed by cacheDir. It clones
// transport (http.DefaultTransport when nil) and wraps the clone's
// DialContext with a DNS cache of its own, so neither connections nor DNS
// cache entries are shared with other SubdirData values.
func NewSubdirData(ch Channel, subdir, cacheDir string, transport *http.Transport, ttl time.Duration) *SubdirData {
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	resolver := &dnscache.Resolver{}
	base := transport.Clone()
	base.DialContext = dnscacheDialContext(resolver, base.DialContext)

	return &SubdirData{
		Channel:  ch,
		Subdir:   subdir,
		CacheDir: cacheDir,
		client:   &http.Client{Transport: base},
		ttl:      ttl,
	}
}

// dnscacheDialContext wraps a net.Dialer-style DialContext func with
// rs/dnscache's address-resolution cache, trying each cached IP in turn
// (handling a host rotating between multiple A/AAAA records), per the
// library's documented usage pattern.
func dnscacheDialContext(resolver *dnscache.Resolver, dial func(context.Context, string, string) (net.Conn, error)) func(context.Context, string, string) (net.Conn, error) {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dial(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

func (s *SubdirData) repodataPath() string      { return filepath.Join(s.CacheDir, "repodata.json") }
func (s *SubdirData) statePath() string         { return filepath.Join(s.CacheDir, "repodata.state.json") }
func (s *SubdirData) zstPath() string           { return filepath.Join(s.CacheDir, "repodata.json.zst") }

// Refresh applies the refresh protocol (spec.md §4.1): serve from cache if
// fresh, otherwise conditional GET with retry/backoff, zstd-aware.
func (s *SubdirData) Refresh(ctx context.Context) error {
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return errors.Wrap(err, "channel: creating cache dir")
	}

	st, haveState := s.loadState()
	if haveState && s.ttl > 0 {
		if age := time.Since(time.Unix(0, st.MtimeNs)); age < s.ttl {
			return nil // fresh enough, no network call
		}
	}

	req, err := s.buildRequest(ctx, st, haveState)
	if err != nil {
		return err
	}

	return s.doWithRetry(req, st)
}

func (s *SubdirData) buildRequest(ctx context.Context, st state, haveState bool) (*http.Request, error) {
	url := s.Channel.URLFor(s.Subdir, "repodata.json.zst")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "channel: building request")
	}
	if haveState {
		if st.ETag != "" {
			req.Header.Set("If-None-Match", st.ETag)
		}
		if st.Mod != "" {
			req.Header.Set("If-Modified-Since", st.Mod)
		}
	}
	return req, nil
}

func (s *SubdirData) doWithRetry(req *http.Request, st state) error {
	if isZstURL(req.URL.Path) {
		if resp, err := s.client.Do(cloneRequest(req)); err == nil {
			if resp.StatusCode == http.StatusNotFound {
				resp.Body.Close()
				// zstd variant not offered by this channel; fall back to
				// plain JSON for the rest of this refresh.
				u := *req.URL
				u.Path = u.Path[:len(u.Path)-len(".zst")]
				plain := cloneRequest(req)
				plain.URL = &u
				req = plain
			} else {
				return s.handleResponse(resp, nil)
			}
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		resp, err := s.client.Do(cloneRequest(req))
		if err != nil {
			return err // network errors are always retryable
		}
		return s.handleResponse(resp, nil)
	}, b)
}

func (s *SubdirData) handleResponse(resp *http.Response, _ error) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return s.touchState()

	case resp.StatusCode == http.StatusOK:
		if err := s.store(resp); err != nil {
			return backoff.Permanent(err)
		}
		return nil

	case resp.StatusCode == 413 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				time.Sleep(time.Duration(secs) * time.Second)
			}
		}
		return errors.Errorf("channel: retryable status %d", resp.StatusCode)

	default:
		return backoff.Permanent(errors.Errorf("channel: unexpected status %d fetching %s", resp.StatusCode, resp.Request.URL))
	}
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	return clone
}

func (s *SubdirData) store(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "channel: reading response body")
	}

	plain := body
	if isZstURL(resp.Request.URL.Path) {
		plain, err = decodeZstd(body)
		if err != nil {
			return errors.Wrap(err, "channel: decompressing zstd repodata")
		}
	}

	if want := advertisedSHA256(plain); want != "" {
		got := sha256sum(plain)
		if got != want {
			return errors.Errorf("channel: repodata sha256 mismatch: want %s got %s", want, got)
		}
	}

	if err := s.atomicWrite(s.repodataPath(), plain); err != nil {
		return err
	}
	if isZstURL(resp.Request.URL.Path) {
		if err := s.atomicWrite(s.zstPath(), body); err != nil {
			return err
		}
	}

	st := state{
		ETag:    resp.Header.Get("ETag"),
		Mod:     resp.Header.Get("Last-Modified"),
		URL:     resp.Request.URL.String(),
		MtimeNs: time.Now().UnixNano(),
		Size:    int64(len(plain)),
	}
	return s.saveState(st)
}

func isZstURL(path string) bool {
	return len(path) >= 4 && path[len(path)-4:] == ".zst"
}

func decodeZstd(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}

func advertisedSHA256(doc []byte) string {
	var d struct {
		RepodataSHA256 string `json:"repodata_sha256"`
	}
	if err := json.Unmarshal(doc, &d); err != nil {
		return ""
	}
	return d.RepodataSHA256
}

func sha256sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func (s *SubdirData) atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.CacheDir, ".envsolve-repodata-*")
	if err != nil {
		return errors.Wrap(err, "channel: creating temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "channel: writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "channel: fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := fs.RenameWithFallback(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "channel: rename into place")
	}
	return nil
}

func (s *SubdirData) loadState() (state, bool) {
	b, err := os.ReadFile(s.statePath())
	if err != nil {
		return state{}, false
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return state{}, false
	}
	return st, true
}

func (s *SubdirData) saveState(st state) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return s.atomicWrite(s.statePath(), b)
}

func (s *SubdirData) touchState() error {
	st, ok := s.loadState()
	if !ok {
		st = state{}
	}
	st.MtimeNs = time.Now().UnixNano()
	return s.saveState(st)
}

// PackageInfos parses the cached repodata.json into pool.PackageInfo
// values. Refresh must have succeeded at least once before calling this.
func (s *SubdirData) PackageInfos() ([]*pool.PackageInfo, error) {
	b, err := os.ReadFile(s.repodataPath())
	if err != nil {
		return nil, errors.Wrap(err, "channel: reading cached repodata")
	}
	var doc repodataDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "channel: parsing repodata")
	}

	var out []*pool.PackageInfo
	for fn, rec := range doc.Packages {
		out = append(out, s.toPackageInfo(fn, rec))
	}
	for fn, rec := range doc.PackagesConda {
		out = append(out, s.toPackageInfo(fn, rec))
	}
	return out, nil
}

func (s *SubdirData) toPackageInfo(filename string, rec repodataRecord) *pool.PackageInfo {
	v, err := version.Parse(rec.Version)
	if err != nil {
		v = version.MustParse("0")
	}
	return &pool.PackageInfo{
		Name:          rec.Name,
		Version:       v,
		BuildString:   rec.Build,
		BuildNumber:   rec.BuildNumber,
		Channel:       s.Channel.Name,
		Subdir:        s.Subdir,
		Filename:      filename,
		URL:           s.Channel.URLFor(s.Subdir, filename),
		Size:          rec.Size,
		MD5:           rec.MD5,
		SHA256:        rec.SHA256,
		Depends:       rec.Depends,
		Constrains:    rec.Constrains,
		TrackFeatures: rec.TrackFeatures,
		Timestamp:     rec.Timestamp,
		NoarchKind:    noarchKind(rec.Noarch),
	}
}

func noarchKind(v any) pool.NoarchKind {
	switch t := v.(type) {
	case string:
		if t == "python" {
			return pool.NoarchPython
		}
		return pool.NoarchGeneric
	case bool:
		if t {
			return pool.NoarchGeneric
		}
	}
	return pool.NoarchNone
}
