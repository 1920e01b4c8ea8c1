// Package cache stores and restores task artifacts. Cached outputs are
// kept zstd-compressed under a content-addressed directory per task
// key, alongside a manifest describing them. Bundles serialize a cached
// task for transport to the shared cache service.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

const (
	manifestName    = "manifest.json"
	outputsDirName  = "outputs"
	compressedExt   = ".zst"
	manifestVersion = 1
)

// Output describes a single cached output file.
type Output struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
	Size int64  `json:"size"`
}

// Manifest describes a cached task.
type Manifest struct {
	Version   int             `json:"version"`
	TaskKey   string          `json:"task_key"`
	TaskID    string          `json:"task_id"`
	Outputs   []Output        `json:"outputs"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	CommitSHA string          `json:"commit_sha,omitempty"`
	Dirty     bool            `json:"dirty,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Local is an on-disk artifact cache rooted at a directory.
type Local struct {
	root string
}

// NewLocal creates a local cache rooted at root.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

// Root returns the cache root directory.
func (c *Local) Root() string {
	return c.root
}

func (c *Local) taskDir(key string) string {
	return filepath.Join(c.root, "tasks", key)
}

// ReadManifest returns the manifest for key, or (nil, nil) when the
// task is not cached.
func (c *Local) ReadManifest(key string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(c.taskDir(key), manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", key, err)
	}
	return &m, nil
}

// Restore materializes the cached outputs for key into dstDir,
// decompressing them and reapplying file modes. It returns false
// without error when the task is not cached. All artifacts are checked
// for presence before any file is written, to avoid partial restores.
func (c *Local) Restore(key, dstDir string) (bool, error) {
	m, err := c.ReadManifest(key)
	if err != nil {
		return false, err
	}
	if m == nil || len(m.Outputs) == 0 {
		return false, nil
	}

	tDir := c.taskDir(key)
	for _, out := range m.Outputs {
		src := filepath.Join(tDir, outputsDirName, filepath.FromSlash(out.Path)+compressedExt)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
	}

	for _, out := range m.Outputs {
		src := filepath.Join(tDir, outputsDirName, filepath.FromSlash(out.Path)+compressedExt)
		dst := filepath.Join(dstDir, filepath.FromSlash(out.Path))
		if err := decompressFile(src, dst, os.FileMode(out.Mode)); err != nil {
			return false, fmt.Errorf("restore %q: %w", out.Path, err)
		}
	}

	return true, nil
}

// Store writes the outputs (resolved relative to srcDir) into the
// cache under key and completes m with per-output metadata. The entry
// is built in a temporary directory and moved into place with a
// rename, so concurrent readers never observe a partial entry.
func (c *Local) Store(key string, m Manifest, outputs []pipeline.Path, srcDir string) error {
	tDir := c.taskDir(key)
	if err := os.MkdirAll(filepath.Dir(tDir), 0o755); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(tDir), "tmp-task-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	sorted := append([]pipeline.Path(nil), outputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m.Version = manifestVersion
	m.TaskKey = key
	m.Outputs = make([]Output, 0, len(sorted))
	for _, out := range sorted {
		src := filepath.Join(srcDir, filepath.FromSlash(string(out)))
		fi, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("output %q missing: %w", out, err)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("output %q is not a regular file", out)
		}

		dst := filepath.Join(tmpDir, outputsDirName, filepath.FromSlash(string(out))+compressedExt)
		if err := compressFile(src, dst); err != nil {
			return fmt.Errorf("compress output %q: %w", out, err)
		}

		m.Outputs = append(m.Outputs, Output{
			Path: filepath.ToSlash(string(out)),
			Mode: uint32(fi.Mode()),
			Size: fi.Size(),
		})
	}

	mb, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, manifestName), mb, 0o644); err != nil {
		return err
	}

	// Best-effort replace.
	_ = os.RemoveAll(tDir)
	return os.Rename(tmpDir, tDir)
}

// Has reports whether an entry for key exists.
func (c *Local) Has(key string) bool {
	_, err := os.Stat(filepath.Join(c.taskDir(key), manifestName))
	return err == nil
}

func compressFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return out.Close()
}

func decompressFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	// Remove any existing file so modes are applied cleanly.
	_ = os.Remove(dst)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Reapply the full mode; the open mask only covers permissions.
	return os.Chmod(dst, mode)
}

// CopyFile copies a regular file preserving its mode. Used when
// exporting uncached sandbox outputs into the workspace.
func CopyFile(src, dst string) error {
	sfi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !sfi.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sfi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chmod(dst, sfi.Mode())
}
