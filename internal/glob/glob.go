// Package glob expands task input and output specs into concrete file
// lists. Specs may be plain relative paths or doublestar glob patterns,
// and a leading '!' excludes previously matched files.
package glob

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

func hasGlobMeta(s string) bool {
	// Only the common glob metacharacters are treated as special.
	return strings.ContainsAny(s, "*?[")
}

func parseSpec(raw string) (pat string, neg bool, err error) {
	if raw == "" {
		return "", false, fmt.Errorf("path must not be empty")
	}

	// A leading '!' excludes the pattern. A literal leading '!' can be
	// escaped as "\\!foo".
	if strings.HasPrefix(raw, "\\!") {
		raw = strings.TrimPrefix(raw, "\\")
	} else if strings.HasPrefix(raw, "!") {
		neg = true
		raw = strings.TrimPrefix(raw, "!")
		if raw == "" {
			return "", false, fmt.Errorf("negated pattern must not be empty")
		}
	}

	pat = filepath.ToSlash(raw)
	pat = strings.TrimPrefix(pat, "./")
	if pat == "" {
		return "", false, fmt.Errorf("path must not be empty")
	}
	return pat, neg, nil
}

// Expand expands specs relative to the current working directory.
func Expand(specs []pipeline.Path) ([]pipeline.Path, error) {
	return ExpandInDir(".", specs)
}

// ExpandInDir expands any glob patterns in specs (including doublestar
// **) into a sorted, de-duplicated list of slash-separated file paths
// relative to dir.
//
// Non-glob entries are passed through after normalization, and must
// name existing regular files. Absolute specs are rejected; every path
// is interpreted relative to dir.
func ExpandInDir(dir string, specs []pipeline.Path) ([]pipeline.Path, error) {
	fsys := os.DirFS(dir)

	seen := make(map[string]struct{})

	for _, spec := range specs {
		raw := string(spec)
		pat, neg, err := parseSpec(raw)
		if err != nil {
			return nil, err
		}
		if filepath.IsAbs(filepath.FromSlash(pat)) {
			return nil, fmt.Errorf("spec must be relative: %q", raw)
		}

		if hasGlobMeta(pat) {
			matches, err := doublestar.Glob(fsys, pat)
			if err != nil {
				return nil, fmt.Errorf("glob %q: %w", raw, err)
			}

			sort.Strings(matches)
			added := 0
			for _, m := range matches {
				m = filepath.ToSlash(m)
				m = strings.TrimPrefix(m, "./")
				if m == "" {
					continue
				}

				if neg {
					delete(seen, m)
					continue
				}

				if _, ok := seen[m]; ok {
					continue
				}
				info, err := fs.Stat(fsys, m)
				if err != nil {
					return nil, fmt.Errorf("stat %q (from %q): %w", m, raw, err)
				}
				if info.IsDir() {
					continue
				}
				if !info.Mode().IsRegular() {
					return nil, fmt.Errorf("glob %q matched non-regular path %q", raw, m)
				}

				seen[m] = struct{}{}
				added++
			}
			if !neg && added == 0 {
				return nil, fmt.Errorf("glob %q matched no files", raw)
			}
			continue
		}

		// Non-glob path.
		p := pat
		if neg {
			fi, err := fs.Stat(fsys, p)
			if err == nil && fi.IsDir() {
				prefix := strings.TrimSuffix(p, "/") + "/"
				for k := range seen {
					if strings.HasPrefix(k, prefix) {
						delete(seen, k)
					}
				}
				continue
			}
			delete(seen, p)
			continue
		}

		info, err := fs.Stat(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", raw, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("path %q is a directory; use a glob like %q", raw, filepath.ToSlash(filepath.Join(p, "**", "*")))
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("path %q is not a regular file", raw)
		}

		seen[p] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pipeline.Path, len(keys))
	for i, p := range keys {
		out[i] = pipeline.Path(p)
	}
	return out, nil
}
