package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kilnbuild/kiln/internal/cache"
	"github.com/kilnbuild/kiln/internal/glob"
	"github.com/kilnbuild/kiln/pkg/pipeline"
)

func (e *Executor) initSandboxRoot() (string, error) {
	base := filepath.Join(e.stateDir, "sandboxes")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox base: %w", err)
	}

	runDir := filepath.Join(base, "run-"+e.runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox run dir: %w", err)
	}
	e.sandboxRootDir = runDir
	return runDir, nil
}

// stageSandbox prepares a scratch working directory for task: its
// expanded inputs and the outputs of its direct dependencies are
// staged in, nothing else. Returns the directory the command should
// run in and a cleanup function.
func (e *Executor) stageSandbox(task pipeline.Task) (string, func(), error) {
	root, err := e.sandboxOnce()
	if err != nil {
		return "", nil, err
	}

	sandboxDir := filepath.Join(root, "task-"+sanitizeSandboxName(string(task.ID)))
	// Best-effort clean in case of prior partial runs.
	_ = os.RemoveAll(sandboxDir)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(sandboxDir) }

	workDir := filepath.Join(sandboxDir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create sandbox work dir: %w", err)
	}

	staged := make(map[string]string) // rel (slash) -> workspace src path

	if len(task.Inputs) > 0 {
		ins, err := glob.Expand(task.Inputs)
		if err != nil {
			cleanup()
			return "", nil, fmt.Errorf("expand inputs for task %s: %w", task.ID, err)
		}
		for _, in := range ins {
			rel := filepath.ToSlash(string(in))
			if _, ok := staged[rel]; ok {
				continue
			}
			staged[rel] = filepath.FromSlash(string(in))
		}
	}

	// Dependencies have already run, so their outputs exist in the
	// workspace. Dependency outputs win over declared inputs.
	for _, depID := range task.Needs {
		depTask, ok := e.tasks[depID]
		if !ok {
			cleanup()
			return "", nil, fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
		}
		if len(depTask.Outputs) == 0 {
			continue
		}

		outs, err := glob.Expand(depTask.Outputs)
		if err != nil {
			cleanup()
			return "", nil, fmt.Errorf("expand outputs for dependency %s: %w", depID, err)
		}
		for _, out := range outs {
			rel := filepath.ToSlash(string(out))
			staged[rel] = filepath.FromSlash(string(out))
		}
	}

	paths := make([]string, 0, len(staged))
	for rel := range staged {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		dst := filepath.Join(workDir, filepath.FromSlash(rel))
		if err := stageFileBySymlink(staged[rel], dst); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("stage %q: %w", rel, err)
		}
	}

	return workDir, cleanup, nil
}

func sanitizeSandboxName(s string) string {
	if s == "" {
		return "task"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	out := b.String()
	if out == "" {
		return "task"
	}
	return out
}

func stageFileBySymlink(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	// Best-effort replace.
	_ = os.Remove(dst)

	if err := os.Symlink(srcAbs, dst); err == nil {
		return nil
	}

	// Fallback for platforms where symlinks are not available.
	return cache.CopyFile(srcAbs, dst)
}
