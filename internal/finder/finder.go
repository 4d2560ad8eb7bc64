// Package finder implements the local I/O primitive behind a search worker:
// a cancellable walk for a file name and the copy of a match into an
// extraction directory.
package finder

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrCancelled is returned when the cancel check fired before a match.
var ErrCancelled = errors.New("finder: search cancelled")

// Search looks for a regular file named name (case-insensitive, exact) under
// root. With shallow set only the files directly inside root are examined.
//
// cancelled is polled before every entry; when it reports true the walk stops
// with ErrCancelled. Entries that cannot be read are skipped. An unreadable
// root is an error. When nothing matches, Search returns "" and a nil error.
func Search(root, name string, shallow bool, cancelled func() bool) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("finder: root %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("finder: root %s is not a directory", root)
	}
	var match string
	stopped := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cancelled != nil && cancelled() {
			stopped = true
			return filepath.SkipAll
		}
		if err != nil {
			if path == root {
				return err
			}
			// unreadable entry: skip it, and its subtree when it is a directory
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if shallow && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(d.Name(), name) {
			match = path
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("finder: walk %s: %w", root, walkErr)
	}
	if stopped {
		return "", ErrCancelled
	}
	return match, nil
}

// Extract copies src into dir, creating dir when needed and replacing a
// file with the same name whatever its mode. The copy is written to a
// temporary file in dir and renamed into place, so concurrent extractions of
// the same name leave one complete copy. It returns the absolute path of the
// copy. When the destination already is src, nothing is copied.
func Extract(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("finder: create %s: %w", dir, err)
	}
	base := filepath.Base(src)
	dst, err := filepath.Abs(filepath.Join(dir, base))
	if err != nil {
		return "", err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("finder: stat %s: %w", src, err)
	}
	if dstInfo, err := os.Stat(dst); err == nil && os.SameFile(srcInfo, dstInfo) {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("finder: open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+base+"-*")
	if err != nil {
		return "", fmt.Errorf("finder: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("finder: copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("finder: close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, srcInfo.Mode().Perm()); err != nil {
		return "", fmt.Errorf("finder: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("finder: replace %s: %w", dst, err)
	}
	renamed = true
	return dst, nil
}
