package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnbuild/kiln/internal/output"
	"github.com/kilnbuild/kiln/pkg/pipeline"
)

func newTestExecutor(t *testing.T, tasks pipeline.TaskMap, opts Options) (*Executor, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	opts.Output = output.NewWriter(buf, output.Options{})
	e, err := New(tasks, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, buf
}

func TestExecutor_RunsTask(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("in.txt", []byte("hello"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "upper",
			Inputs:  []pipeline.Path{"in.txt"},
			Outputs: []pipeline.Path{"out.txt"},
			Command: "tr a-z A-Z < in.txt > out.txt",
			Cache:   true,
		},
	})

	e, buf := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"upper"}))

	got, err := os.ReadFile("out.txt")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(got))
	assert.Contains(t, buf.String(), "$ tr a-z A-Z < in.txt > out.txt")
}

func TestExecutor_UnknownTask(t *testing.T) {
	t.Chdir(t.TempDir())

	e, _ := newTestExecutor(t, pipeline.TaskMap{}, Options{})
	err := e.Run(context.Background(), []pipeline.TaskID{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task nope not found")
}

func TestExecutor_CacheHitOnSecondRun(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("in.txt", []byte("cache me"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "copy",
			Inputs:  []pipeline.Path{"in.txt"},
			Outputs: []pipeline.Path{"out.txt"},
			Command: "cp in.txt out.txt",
			Cache:   true,
		},
	})

	e1, out1 := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e1.Run(context.Background(), []pipeline.TaskID{"copy"}))
	assert.NotContains(t, out1.String(), "CACHE HIT")
	require.NoError(t, e1.Close())

	// Remove the output; the cache must restore it without running
	// the command.
	require.NoError(t, os.Remove("out.txt"))

	e2, out2 := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e2.Run(context.Background(), []pipeline.TaskID{"copy"}))
	assert.Contains(t, out2.String(), "CACHE HIT")
	assert.NotContains(t, out2.String(), "$ cp")

	got, err := os.ReadFile("out.txt")
	require.NoError(t, err)
	assert.Equal(t, "cache me", string(got))
}

func TestExecutor_InputChangeInvalidatesCache(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("in.txt", []byte("v1"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "copy",
			Inputs:  []pipeline.Path{"in.txt"},
			Outputs: []pipeline.Path{"out.txt"},
			Command: "cp in.txt out.txt",
			Cache:   true,
		},
	})

	e1, _ := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e1.Run(context.Background(), []pipeline.TaskID{"copy"}))
	require.NoError(t, e1.Close())

	require.NoError(t, os.WriteFile("in.txt", []byte("v2 is longer"), 0o644))

	e2, out2 := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e2.Run(context.Background(), []pipeline.TaskID{"copy"}))
	assert.NotContains(t, out2.String(), "CACHE HIT")

	got, err := os.ReadFile("out.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2 is longer", string(got))
}

func TestExecutor_NoCacheForcesExecution(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("in.txt", []byte("force"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "copy",
			Inputs:  []pipeline.Path{"in.txt"},
			Outputs: []pipeline.Path{"out.txt"},
			Command: "cp in.txt out.txt",
			Cache:   true,
		},
	})

	e1, _ := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e1.Run(context.Background(), []pipeline.TaskID{"copy"}))
	require.NoError(t, e1.Close())

	e2, out2 := newTestExecutor(t, tasks, Options{NoCache: true})
	require.NoError(t, e2.Run(context.Background(), []pipeline.TaskID{"copy"}))
	assert.NotContains(t, out2.String(), "CACHE HIT")
	assert.Contains(t, out2.String(), "$ cp")
}

func TestExecutor_DependencyChain(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("base.txt", []byte("abc\n"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "stage1",
			Inputs:  []pipeline.Path{"base.txt"},
			Outputs: []pipeline.Path{"mid.txt"},
			Command: "tr a-z A-Z < base.txt > mid.txt",
			Cache:   true,
		},
		{
			ID:      "stage2",
			Inputs:  []pipeline.Path{"mid.txt"},
			Outputs: []pipeline.Path{"final.txt"},
			Needs:   []pipeline.TaskID{"stage1"},
			Command: "rev < mid.txt > final.txt",
			Cache:   true,
		},
	})

	e, _ := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"stage2"}))

	got, err := os.ReadFile("final.txt")
	require.NoError(t, err)
	assert.Equal(t, "CBA\n", string(got))
}

func TestExecutor_SharedDependencyRunsOnce(t *testing.T) {
	t.Chdir(t.TempDir())

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "base",
			Command: "echo once >> base.log",
			Cache:   false,
		},
		{
			ID:      "left",
			Needs:   []pipeline.TaskID{"base"},
			Command: "true",
			Cache:   false,
		},
		{
			ID:      "right",
			Needs:   []pipeline.TaskID{"base"},
			Command: "true",
			Cache:   false,
		},
	})

	e, _ := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"left", "right"}))

	got, err := os.ReadFile("base.log")
	require.NoError(t, err)
	assert.Equal(t, "once\n", string(got))
}

func TestExecutor_FailingTask(t *testing.T) {
	t.Chdir(t.TempDir())

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{ID: "boom", Command: "exit 3", Cache: false},
	})

	e, _ := newTestExecutor(t, tasks, Options{})
	err := e.Run(context.Background(), []pipeline.TaskID{"boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute task boom")
}

func TestExecutor_FailingDependencyStopsDependent(t *testing.T) {
	t.Chdir(t.TempDir())

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{ID: "broken", Command: "false", Cache: false},
		{
			ID:      "after",
			Needs:   []pipeline.TaskID{"broken"},
			Command: "touch should-not-exist.txt",
			Cache:   false,
		},
	})

	e, _ := newTestExecutor(t, tasks, Options{})
	err := e.Run(context.Background(), []pipeline.TaskID{"after"})
	require.Error(t, err)

	_, statErr := os.Stat("should-not-exist.txt")
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecutor_StreamsCommandOutput(t *testing.T) {
	t.Chdir(t.TempDir())

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{ID: "talk", Command: "echo line-one; echo line-two 1>&2", Cache: false},
	})

	e, buf := newTestExecutor(t, tasks, Options{})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"talk"}))

	out := buf.String()
	assert.Contains(t, out, "talk | line-one")
	assert.Contains(t, out, "talk | line-two")
}

func TestExecutor_SandboxOnlySeesDeclaredInputs(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("declared.txt", []byte("yes"), 0o644))
	require.NoError(t, os.WriteFile("undeclared.txt", []byte("no"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "hermetic",
			Inputs:  []pipeline.Path{"declared.txt"},
			Outputs: []pipeline.Path{"result.txt"},
			Command: "test -f declared.txt && test ! -e undeclared.txt && cp declared.txt result.txt",
			Cache:   true,
		},
	})

	e, _ := newTestExecutor(t, tasks, Options{Sandbox: true})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"hermetic"}))

	// The output must be exported back into the workspace.
	got, err := os.ReadFile("result.txt")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))
}

func TestExecutor_SandboxStagesDependencyOutputs(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("src.txt", []byte("data"), 0o644))

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{
			ID:      "produce",
			Inputs:  []pipeline.Path{"src.txt"},
			Outputs: []pipeline.Path{"built.txt"},
			Command: "cp src.txt built.txt",
			Cache:   true,
		},
		{
			ID:      "consume",
			Outputs: []pipeline.Path{"final.txt"},
			Needs:   []pipeline.TaskID{"produce"},
			Command: "cp built.txt final.txt",
			Cache:   true,
		},
	})

	e, _ := newTestExecutor(t, tasks, Options{Sandbox: true})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"consume"}))

	got, err := os.ReadFile("final.txt")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestExecutor_SandboxCleanedUpOnClose(t *testing.T) {
	t.Chdir(t.TempDir())

	tasks := pipeline.NewTaskMap([]pipeline.Task{
		{ID: "noop", Command: "true", Cache: false},
	})

	e, _ := newTestExecutor(t, tasks, Options{Sandbox: true})
	require.NoError(t, e.Run(context.Background(), []pipeline.TaskID{"noop"}))

	runDir := filepath.Join(DefaultStateDir, "sandboxes", "run-"+e.RunID())
	_, err := os.Stat(runDir)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	_, err = os.Stat(runDir)
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeSandboxName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"build", "build"},
		{"main.o", "main_o"},
		{"a/b:c", "a_b_c"},
		{"", "task"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeSandboxName(tt.in), "input %q", tt.in)
	}
}

func TestExecutor_RunID(t *testing.T) {
	t.Chdir(t.TempDir())

	e, _ := newTestExecutor(t, pipeline.TaskMap{}, Options{})
	id := e.RunID()
	assert.NotEmpty(t, id)
	assert.True(t, strings.Count(id, "-") >= 4, "expected a UUID, got %q", id)
}
