// Package packagecache implements the on-disk tarball/extracted-tree cache:
// one or more cache directories, each with a persistent validity index so
// repeated lookups don't re-hash a multi-hundred-megabyte tarball.
package packagecache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmank88/nuts"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var indexBucket = []byte("validity")

// PackageRef identifies one package artifact for cache lookups.
type PackageRef struct {
	Channel  string
	Subdir   string
	Filename string // "<name>-<version>-<build>.tar.bz2" or ".conda"
	Name     string
	Version  string
	Build    string
	Size     int64
	SHA256   string
	MD5      string
}

// cacheKeyPrefix is the composite bolt key prefix identifying one ref
// within one cache directory's index: "<channel>/<subdir>/<filename>". Each
// write appends a nuts-encoded validated-at timestamp suffix (see memoSet),
// so cursor iteration over the bucket naturally orders entries by recency
// without a secondary index.
func cacheKeyPrefix(ref PackageRef) []byte {
	return []byte(ref.Channel + "/" + ref.Subdir + "/" + ref.Filename + "\x00")
}

// validityRecord is what's stored in the bolt index per entry.
type validityRecord struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Cache is one cache directory: a filesystem location plus a persistent
// bolt-backed validity index memoizing the (sometimes expensive) tarball
// and extracted-tree checks.
type Cache struct {
	Dir string
	db  *bolt.DB

	mu       sync.Mutex
	queryMemo map[string]bool // in-process memo on top of the persistent index
}

// Open opens (creating if necessary) the cache directory and its index.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "packagecache: creating %s", dir)
	}
	db, err := bolt.Open(filepath.Join(dir, ".envsolve-cache-index.bolt"), 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "packagecache: opening index")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{Dir: dir, db: db, queryMemo: map[string]bool{}}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// TarballPath returns the path a tarball for ref would live at in this
// cache, whether or not it currently exists there.
func (c *Cache) TarballPath(ref PackageRef) string {
	return filepath.Join(c.Dir, ref.Filename)
}

// ExtractedDirPath returns the path the extracted tree for ref would live
// at in this cache.
func (c *Cache) ExtractedDirPath(ref PackageRef) string {
	name := ref.Filename
	for _, ext := range []string{".tar.bz2", ".conda"} {
		if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	return filepath.Join(c.Dir, name)
}

// TarballValid reports whether a tarball for ref exists at this cache and
// passes the validation rule: size matches (if known), and either sha256
// matches or, lacking sha256, md5 matches. Results are memoized per
// (cache, ref) until ClearQueryCache invalidates them.
func (c *Cache) TarballValid(ref PackageRef) (bool, error) {
	memoKey := "tar:" + string(cacheKeyPrefix(ref))
	if v, ok := c.memoGet(memoKey); ok {
		return v, nil
	}

	path := c.TarballPath(ref)
	fi, err := os.Stat(path)
	if err != nil {
		return c.memoSet(memoKey, false), nil
	}
	if ref.Size != 0 && fi.Size() != ref.Size {
		return c.memoSet(memoKey, false), nil
	}

	valid, err := c.checksumMatches(path, ref)
	if err != nil {
		return false, err
	}
	return c.memoSet(memoKey, valid), nil
}

func (c *Cache) checksumMatches(path string, ref PackageRef) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "packagecache: opening tarball")
	}
	defer f.Close()

	if ref.SHA256 != "" {
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return false, err
		}
		return hex.EncodeToString(h.Sum(nil)) == ref.SHA256, nil
	}
	if ref.MD5 != "" {
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return false, err
		}
		return hex.EncodeToString(h.Sum(nil)) == ref.MD5, nil
	}
	// Neither digest recorded: treat presence + size match as valid.
	return true, nil
}

// repodataRecordInfo is the minimal shape of info/repodata_record.json that
// extracted-tree validation reads.
type repodataRecordInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Subdir  string `json:"subdir"`
}

// ExtractedValid reports whether ref's extracted tree in this cache
// contains a matching info/repodata_record.json and no
// info/.fetch-in-progress sentinel.
func (c *Cache) ExtractedValid(ref PackageRef) (bool, error) {
	memoKey := "ext:" + string(cacheKeyPrefix(ref))
	if v, ok := c.memoGet(memoKey); ok {
		return v, nil
	}

	dir := c.ExtractedDirPath(ref)
	if _, err := os.Stat(filepath.Join(dir, "info", ".fetch-in-progress")); err == nil {
		return c.memoSet(memoKey, false), nil
	}

	b, err := os.ReadFile(filepath.Join(dir, "info", "repodata_record.json"))
	if err != nil {
		return c.memoSet(memoKey, false), nil
	}
	var rec repodataRecordInfo
	if err := json.Unmarshal(b, &rec); err != nil {
		return c.memoSet(memoKey, false), nil
	}

	valid := rec.Name == ref.Name && rec.Version == ref.Version && rec.Build == ref.Build && rec.Subdir == ref.Subdir
	return c.memoSet(memoKey, valid), nil
}

// ClearQueryCache invalidates memoized validation results for ref, both the
// in-process memo and the persistent bolt record.
func (c *Cache) ClearQueryCache(ref PackageRef) error {
	c.mu.Lock()
	delete(c.queryMemo, "tar:"+string(cacheKeyPrefix(ref)))
	delete(c.queryMemo, "ext:"+string(cacheKeyPrefix(ref)))
	c.mu.Unlock()

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		cur := b.Cursor()
		var toDelete [][]byte
		for _, tag := range []string{"tar:", "ext:"} {
			prefix := append([]byte(tag), cacheKeyPrefix(ref)...)
			for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// memoGet consults the in-process memo first, falling back to the
// persistent bolt index (so validity survives across process runs) and
// populating the in-process memo on a hit.
func (c *Cache) memoGet(key string) (bool, bool) {
	c.mu.Lock()
	v, ok := c.queryMemo[key]
	c.mu.Unlock()
	if ok {
		return v, true
	}

	var found bool
	var rec validityRecord
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		cur := b.Cursor()
		prefix := []byte(key)
		if k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix) {
			found = true
			return json.Unmarshal(v, &rec)
		}
		return nil
	})
	if !found {
		return false, false
	}
	c.mu.Lock()
	c.queryMemo[key] = rec.Valid
	c.mu.Unlock()
	return rec.Valid, true
}

// memoSet records v both in-process and in the persistent bolt index, keyed
// by key plus a nuts-encoded validation timestamp so repeated validations of
// the same ref naturally supersede older entries on the next read (the
// cursor-based lookup in memoGet always finds the lexicographically first
// match at the key prefix; we delete prior entries under the prefix first
// to keep exactly one live record per key).
func (c *Cache) memoSet(key string, v bool) bool {
	c.mu.Lock()
	c.queryMemo[key] = v
	c.mu.Unlock()

	rec, err := json.Marshal(validityRecord{Valid: v})
	if err != nil {
		return v
	}
	suffix := make(nuts.Key, nuts.KeyLen(uint64(time.Now().UnixNano())))
	suffix.Put(uint64(time.Now().UnixNano()))
	boltKey := append(append([]byte(nil), []byte(key)...), suffix...)

	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		cur := b.Cursor()
		prefix := []byte(key)
		var stale [][]byte
		for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return b.Put(boltKey, rec)
	})
	return v
}

// urlsMu serializes every cache's urls.txt append, matching the "process-
// wide mutex" this side effect is specified to run under rather than one
// mutex per Cache value.
var urlsMu sync.Mutex

// AppendURL records url as the source of a just-extracted package by
// appending it to this cache's urls.txt, under the process-wide urlsMu so
// concurrent extracts never interleave partial lines.
func (c *Cache) AppendURL(url string) error {
	urlsMu.Lock()
	defer urlsMu.Unlock()

	f, err := os.OpenFile(filepath.Join(c.Dir, "urls.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "packagecache: opening urls.txt")
	}
	defer f.Close()

	_, err = f.WriteString(url + "\n")
	return errors.Wrap(err, "packagecache: appending to urls.txt")
}

// firstWritable passes a write test against dir.
func firstWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".envsolve-write-test")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
