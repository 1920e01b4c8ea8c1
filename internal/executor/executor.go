// Package executor runs pipeline tasks: dependencies in parallel, each
// task at most once, with content-addressed cache lookups before any
// command is spawned.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kilnbuild/kiln/internal/cache"
	"github.com/kilnbuild/kiln/internal/gitinfo"
	"github.com/kilnbuild/kiln/internal/glob"
	"github.com/kilnbuild/kiln/internal/hash"
	"github.com/kilnbuild/kiln/internal/output"
	"github.com/kilnbuild/kiln/internal/stamp"
	"github.com/kilnbuild/kiln/pkg/pipeline"
)

// DefaultStateDir is where run state lives, relative to the pipeline
// root.
const DefaultStateDir = ".kiln"

// Options configures an Executor.
type Options struct {
	// StateDir holds the artifact cache, stamp database, and
	// sandboxes. Defaults to DefaultStateDir.
	StateDir string

	// Remote enables the shared cache when non-nil.
	Remote *cache.Remote

	// Output receives command output. Defaults to a writer on stdout.
	Output *output.Writer

	// Git carries repository metadata recorded in stored manifests.
	Git *gitinfo.Info

	// Sandbox stages declared inputs into a scratch directory and runs
	// each command there, so undeclared inputs cannot leak in.
	Sandbox bool

	// NoCache skips cache lookups; tasks execute and refresh their
	// cache entries.
	NoCache bool
}

// Executor runs tasks from a single pipeline.
type Executor struct {
	tasks  pipeline.TaskMap
	local  *cache.Local
	stamps *stamp.Cache
	keys   *keyStore
	memo   *memo
	out    *output.Writer
	remote *cache.Remote
	git    *gitinfo.Info

	stateDir string
	sandbox  bool
	noCache  bool
	runID    string

	sandboxOnce    func() (string, error)
	sandboxRootDir string
}

// New creates an executor for tasks. Close must be called to persist
// state and remove sandboxes.
func New(tasks pipeline.TaskMap, opts Options) (*Executor, error) {
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}

	stamps, err := stamp.OpenCache(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open stamp cache: %w", err)
	}

	out := opts.Output
	if out == nil {
		width := 0
		for id := range tasks {
			if len(id) > width {
				width = len(id)
			}
		}
		out = output.NewWriter(os.Stdout, output.Options{
			Color:       output.DetectColor(),
			PrefixWidth: width,
		})
	}

	e := &Executor{
		tasks:    tasks,
		local:    cache.NewLocal(filepath.Join(stateDir, "cache")),
		stamps:   stamps,
		keys:     newKeyStore(),
		memo:     newMemo(),
		out:      out,
		remote:   opts.Remote,
		git:      opts.Git,
		stateDir: stateDir,
		sandbox:  opts.Sandbox,
		noCache:  opts.NoCache,
		runID:    uuid.NewString(),
	}
	e.sandboxOnce = sync.OnceValues(e.initSandboxRoot)
	return e, nil
}

// RunID identifies this executor run.
func (e *Executor) RunID() string {
	return e.runID
}

// Close removes this run's sandboxes and closes the stamp database.
func (e *Executor) Close() error {
	// Don't create a sandbox root just to delete it.
	if e.sandboxRootDir != "" {
		_ = os.RemoveAll(e.sandboxRootDir)
	}
	return e.stamps.Close()
}

// Run executes the given tasks and everything they need.
func (e *Executor) Run(ctx context.Context, taskIDs []pipeline.TaskID) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, id := range taskIDs {
		task, exists := e.tasks[id]
		if !exists {
			return fmt.Errorf("task %s not found", id)
		}

		g.Go(func() error {
			return e.memo.do(task.ID, func() error {
				return e.runTask(ctx, task)
			})
		})
	}

	return g.Wait()
}

func (e *Executor) runTask(ctx context.Context, task pipeline.Task) error {
	// Dependencies first, in parallel.
	if len(task.Needs) > 0 {
		if err := e.Run(ctx, task.Needs); err != nil {
			return err
		}
	}

	depKeys, err := e.keys.depKeys(task)
	if err != nil {
		return err
	}

	taskKey, payload, err := hash.TaskKey(task, depKeys, e.stamps)
	if err != nil {
		return fmt.Errorf("compute task key for task %s: %w", task.ID, err)
	}
	e.keys.set(task.ID, taskKey)
	log.Debug().Str("task", string(task.ID)).Str("key", taskKey[:12]).Msg("computed task key")

	if task.Cache && !e.noCache {
		hit, err := e.lookup(ctx, taskKey)
		if err != nil {
			return fmt.Errorf("cache lookup for task %s: %w", task.ID, err)
		}
		if hit {
			e.out.Taskf(task.ID, "CACHE HIT")
			e.refreshCachedStamps(taskKey)
			return nil
		}
	}

	return e.execute(ctx, task, taskKey, payload)
}

// lookup tries the local cache, then the remote. A remote hit is
// materialized through the local cache so the next run hits locally.
func (e *Executor) lookup(ctx context.Context, taskKey string) (bool, error) {
	hit, err := e.local.Restore(taskKey, ".")
	if err != nil || hit {
		return hit, err
	}

	if e.remote == nil {
		return false, nil
	}

	pulled, err := e.remote.Pull(ctx, taskKey, e.local)
	if err != nil {
		log.Warn().Err(err).Msg("remote cache pull failed, continuing without it")
		return false, nil
	}
	if !pulled {
		return false, nil
	}

	return e.local.Restore(taskKey, ".")
}

func (e *Executor) execute(ctx context.Context, task pipeline.Task, taskKey string, payload []byte) error {
	execDir := ""
	cleanup := func() {}

	if e.sandbox {
		dir, cf, err := e.stageSandbox(task)
		if err != nil {
			return err
		}
		execDir = dir
		cleanup = cf
	}
	defer cleanup()

	e.out.Taskf(task.ID, "$ %s", task.Command)

	cmd := exec.CommandContext(ctx, "sh", "-c", task.Command)
	if execDir != "" {
		cmd.Dir = execDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for task %s: %w", task.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for task %s: %w", task.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start task %s: %w", task.ID, err)
	}

	g := new(errgroup.Group)
	g.Go(func() error { return e.copyTaskOutput(task.ID, stdout) })
	g.Go(func() error { return e.copyTaskOutput(task.ID, stderr) })

	// Pipe reads must complete before cmd.Wait, which closes the pipes.
	copyErr := g.Wait()
	waitErr := cmd.Wait()
	if copyErr != nil {
		return fmt.Errorf("read output for task %s: %w", task.ID, copyErr)
	}
	if waitErr != nil {
		return fmt.Errorf("execute task %s: %w", task.ID, waitErr)
	}

	if execDir != "" {
		return e.collectSandboxed(ctx, task, taskKey, payload, execDir)
	}
	return e.collectWorkspace(ctx, task, taskKey, payload)
}

// collectWorkspace validates and caches outputs produced directly in
// the workspace.
func (e *Executor) collectWorkspace(ctx context.Context, task pipeline.Task, taskKey string, payload []byte) error {
	if !task.Cache {
		return nil
	}

	var outputs []pipeline.Path
	if len(task.Outputs) > 0 {
		var err error
		outputs, err = glob.Expand(task.Outputs)
		if err != nil {
			return fmt.Errorf("expand outputs for task %s: %w", task.ID, err)
		}
	}

	if err := e.local.Store(taskKey, e.manifest(task, payload), outputs, "."); err != nil {
		return fmt.Errorf("cache store error for task %s: %w", task.ID, err)
	}
	e.pushRemote(ctx, task, taskKey)
	e.updateOutputStamps(outputs)
	return nil
}

// collectSandboxed expands outputs inside the sandbox and exports them
// to the workspace, through the cache for cacheable tasks.
func (e *Executor) collectSandboxed(ctx context.Context, task pipeline.Task, taskKey string, payload []byte, execDir string) error {
	var outputs []pipeline.Path
	if len(task.Outputs) > 0 {
		var err error
		outputs, err = glob.ExpandInDir(execDir, task.Outputs)
		if err != nil {
			return fmt.Errorf("expand outputs for task %s: %w", task.ID, err)
		}
	}

	if task.Cache {
		if err := e.local.Store(taskKey, e.manifest(task, payload), outputs, execDir); err != nil {
			return fmt.Errorf("cache store error for task %s: %w", task.ID, err)
		}
		if _, err := e.local.Restore(taskKey, "."); err != nil {
			return fmt.Errorf("cache restore after sandbox for task %s: %w", task.ID, err)
		}
		e.pushRemote(ctx, task, taskKey)
	} else {
		for _, out := range outputs {
			src := filepath.Join(execDir, filepath.FromSlash(string(out)))
			dst := filepath.FromSlash(string(out))
			if err := cache.CopyFile(src, dst); err != nil {
				return fmt.Errorf("export output %q for task %s: %w", out, task.ID, err)
			}
		}
	}

	e.updateOutputStamps(outputs)
	return nil
}

func (e *Executor) manifest(task pipeline.Task, payload []byte) cache.Manifest {
	m := cache.Manifest{
		TaskID:    string(task.ID),
		Payload:   payload,
		RunID:     e.runID,
		CreatedAt: time.Now().UTC(),
	}
	if e.git != nil {
		m.CommitSHA = e.git.SHA
		m.Dirty = e.git.Dirty
	}
	return m
}

// pushRemote uploads the freshly stored entry. The shared cache is an
// accelerator; failures never fail the build.
func (e *Executor) pushRemote(ctx context.Context, task pipeline.Task, taskKey string) {
	if e.remote == nil {
		return
	}

	meta := cache.PushMeta{TaskID: string(task.ID)}
	if e.git != nil {
		meta.CommitSHA = e.git.SHA
	}
	if err := e.remote.Push(ctx, taskKey, meta, e.local); err != nil {
		log.Warn().Err(err).Str("task", string(task.ID)).Msg("remote cache push failed")
	}
}

// updateOutputStamps hashes output files and records their stamps so
// that downstream tasks consuming these outputs as inputs get stamp
// cache hits instead of re-hashing.
func (e *Executor) updateOutputStamps(outputs []pipeline.Path) {
	for _, out := range outputs {
		p := filepath.FromSlash(string(out))
		d, err := hash.FileDigest(p)
		if err != nil {
			continue
		}
		e.stamps.Update(p, d)
	}
}

// refreshCachedStamps records stamps for outputs a restore just wrote.
// Restored files are fresh copies, so their old stamps no longer
// match.
func (e *Executor) refreshCachedStamps(taskKey string) {
	m, err := e.local.ReadManifest(taskKey)
	if err != nil || m == nil {
		return
	}
	outputs := make([]pipeline.Path, 0, len(m.Outputs))
	for _, out := range m.Outputs {
		outputs = append(outputs, pipeline.Path(out.Path))
	}
	e.updateOutputStamps(outputs)
}

func (e *Executor) copyTaskOutput(taskID pipeline.TaskID, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = trimLineEnding(line)
			e.out.Line(taskID, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func trimLineEnding(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

