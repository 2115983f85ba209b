// Package fileutil provides the path-safety helper the transfer engine's
// edit-then-upload staging area relies on. It has no SFTP or SSH
// dependencies so it can be unit tested against the local filesystem alone.
package fileutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a relative path escapes the staging
// root via ".." traversal or a symlink.
var ErrForbiddenPath = errors.New("forbidden path")

// ResolveSafePath resolves rel (a slash-separated relative path, derived
// from a remote SFTP path so it may contain arbitrary segments) against a
// staging root and returns the absolute local path. A leading "/" on rel is
// stripped, so an absolute rel resolves inside root. It rejects:
//   - empty rel
//   - paths that escape root via ".." traversal or a symlink
func ResolveSafePath(root, rel string) (string, error) {
	if rel == "" {
		return "", ErrForbiddenPath
	}
	if strings.HasPrefix(rel, "/") {
		rel = strings.TrimPrefix(rel, "/")
	}

	abs := filepath.Join(root, filepath.FromSlash(rel))

	cleanRoot := filepath.Clean(root)
	if !strings.HasPrefix(abs, cleanRoot+string(os.PathSeparator)) && abs != cleanRoot {
		return "", ErrForbiddenPath
	}

	resolved, err := resolveExisting(abs, cleanRoot)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !strings.HasPrefix(resolved, cleanRoot+string(os.PathSeparator)) && resolved != cleanRoot {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

// resolveExisting walks up the path until it finds an existing ancestor,
// then evaluates symlinks on that ancestor. Returns the real path of the
// deepest existing component, or root itself if nothing along the way
// exists yet (the common case for a brand-new staging file).
func resolveExisting(abs, root string) (string, error) {
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, root) {
			return root, nil
		}
		cur = parent
	}
}

// CopyFile copies src to dst, creating dst (and any missing parent
// directories) if it does not exist and overwriting it if it does. Used by
// the transfer engine to move a staged file into place before it is handed
// to an SFTP upload.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
