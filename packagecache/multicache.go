package packagecache

import "github.com/pkg/errors"

// MultiPackageCache owns an ordered list of cache directories and answers
// queries across all of them, per spec's PackageCache component.
type MultiPackageCache struct {
	caches []*Cache
}

// OpenMulti opens (or creates) every directory in order.
func OpenMulti(dirs []string) (*MultiPackageCache, error) {
	m := &MultiPackageCache{}
	for _, d := range dirs {
		c, err := Open(d)
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "packagecache: opening %s", d)
		}
		m.caches = append(m.caches, c)
	}
	return m, nil
}

func (m *MultiPackageCache) Close() {
	for _, c := range m.caches {
		if c != nil {
			c.Close()
		}
	}
}

// GetTarballPath returns the path of a validated tarball in some cache, or
// "" if none has one.
func (m *MultiPackageCache) GetTarballPath(ref PackageRef) (string, error) {
	for _, c := range m.caches {
		ok, err := c.TarballValid(ref)
		if err != nil {
			return "", err
		}
		if ok {
			return c.TarballPath(ref), nil
		}
	}
	return "", nil
}

// GetExtractedDirPath returns the path of a validated extracted tree in
// some cache, or "" if none has one. checkOnlyWritable restricts the search
// to caches that pass a write test, mirroring the spec's parameter of the
// same name (used when a caller intends to relink into the result and so
// needs write access to it).
func (m *MultiPackageCache) GetExtractedDirPath(ref PackageRef, checkOnlyWritable bool) (string, error) {
	for _, c := range m.caches {
		if checkOnlyWritable && !firstWritable(c.Dir) {
			continue
		}
		ok, err := c.ExtractedValid(ref)
		if err != nil {
			return "", err
		}
		if ok {
			return c.ExtractedDirPath(ref), nil
		}
	}
	return "", nil
}

// FirstWritablePath returns the first cache directory that passes a write
// test, the target for new downloads.
func (m *MultiPackageCache) FirstWritablePath() (string, error) {
	for _, c := range m.caches {
		if firstWritable(c.Dir) {
			return c.Dir, nil
		}
	}
	return "", errors.New("packagecache: no writable cache directory")
}

// ClearQueryCache invalidates memoized validation results for ref across
// every cache in the list.
func (m *MultiPackageCache) ClearQueryCache(ref PackageRef) error {
	for _, c := range m.caches {
		if err := c.ClearQueryCache(ref); err != nil {
			return err
		}
	}
	return nil
}

// CacheForWrite returns the underlying Cache for the first writable
// directory, so fetch/extract code can write through it directly.
func (m *MultiPackageCache) CacheForWrite() (*Cache, error) {
	for _, c := range m.caches {
		if firstWritable(c.Dir) {
			return c, nil
		}
	}
	return nil, errors.New("packagecache: no writable cache directory")
}
