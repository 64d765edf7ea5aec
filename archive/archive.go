// Package archive extracts the two tarball formats conda packages ship as:
// legacy ".tar.bz2" (a plain bzip2-compressed tar) and the newer ".conda"
// (a zip container holding a zstd-compressed "info" tar and a zstd-
// compressed "pkg" tar).
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Extract extracts the archive at srcPath (detected by extension) into
// destDir, writing the info/.fetch-in-progress sentinel first and removing
// it only after every member has been written, so a crash mid-extraction is
// unambiguously detectable by packagecache.Cache.ExtractedValid.
func Extract(srcPath, destDir string) error {
	if err := os.MkdirAll(filepath.Join(destDir, "info"), 0o755); err != nil {
		return errors.Wrap(err, "archive: creating info dir")
	}
	sentinel := filepath.Join(destDir, "info", ".fetch-in-progress")
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		return errors.Wrap(err, "archive: writing sentinel")
	}

	var err error
	switch {
	case strings.HasSuffix(srcPath, ".tar.bz2"):
		err = extractTarBz2(srcPath, destDir)
	case strings.HasSuffix(srcPath, ".conda"):
		err = extractConda(srcPath, destDir)
	default:
		err = errors.Errorf("archive: unrecognized package archive %q", srcPath)
	}
	if err != nil {
		return err
	}

	return os.Remove(sentinel)
}

func extractTarBz2(srcPath, destDir string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, "archive: opening tar.bz2")
	}
	defer f.Close()

	return extractTarStream(tar.NewReader(bzip2.NewReader(f)), destDir)
}

// extractConda unpacks a ".conda" zip container: a "pkg-*.tar.zst" entry
// (the package payload) and an "info-*.tar.zst" entry (package metadata),
// each independently zstd-compressed tars within the outer zip.
func extractConda(srcPath, destDir string) error {
	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return errors.Wrap(err, "archive: opening .conda zip")
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if !strings.HasSuffix(zf.Name, ".tar.zst") {
			continue
		}
		if err := extractInnerZstdTar(zf, destDir); err != nil {
			return errors.Wrapf(err, "archive: extracting %s", zf.Name)
		}
	}
	return nil
}

func extractInnerZstdTar(zf *zip.File, destDir string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	dec, err := zstd.NewReader(rc)
	if err != nil {
		return err
	}
	defer dec.Close()

	return extractTarStream(tar.NewReader(dec), destDir)
}

func extractTarStream(tr *tar.Reader, destDir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "archive: reading tar entry")
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// safeJoin joins dir and name, rejecting paths that would escape dir (a
// malicious or corrupt tarball entry using "../").
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", errors.Errorf("archive: tar entry %q escapes destination directory", name)
	}
	return target, nil
}
