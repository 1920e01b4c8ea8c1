package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Bundle writes the cached entry for key as a tar stream: the manifest
// followed by the compressed outputs. Returns os.ErrNotExist when the
// task is not cached.
func (c *Local) Bundle(key string, w io.Writer) error {
	tDir := c.taskDir(key)
	if _, err := os.Stat(filepath.Join(tDir, manifestName)); err != nil {
		return err
	}

	tw := tar.NewWriter(w)

	err := filepath.WalkDir(tDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(tDir, path)
		if err != nil {
			return err
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("bundle %s: %w", key, err)
	}

	return tw.Close()
}

// Unbundle reads a tar stream produced by Bundle into the cache entry
// for key, replacing any existing entry. Entries escaping the task
// directory are rejected.
func (c *Local) Unbundle(key string, r io.Reader) error {
	tDir := c.taskDir(key)
	if err := os.MkdirAll(filepath.Dir(tDir), 0o755); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(tDir), "tmp-pull-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("unbundle %s: %w", key, err)
		}

		name := filepath.ToSlash(hdr.Name)
		if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
			return fmt.Errorf("unbundle %s: invalid entry name %q", key, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return fmt.Errorf("unbundle %s: unsupported entry type for %q", key, hdr.Name)
		}

		dst := filepath.Join(tmpDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}

		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
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
	}

	if _, err := os.Stat(filepath.Join(tmpDir, manifestName)); err != nil {
		return fmt.Errorf("unbundle %s: bundle has no manifest", key)
	}

	_ = os.RemoveAll(tDir)
	return os.Rename(tmpDir, tDir)
}
