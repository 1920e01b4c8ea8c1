// Package output renders command output with a per-task prefix, so
// interleaved lines from parallel tasks stay attributable.
package output

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

// Writer serializes prefixed task output lines onto a single stream.
type Writer struct {
	out         io.Writer
	color       bool
	prefixWidth int

	mu sync.Mutex
}

// Options configures a Writer.
type Options struct {
	Color       bool
	PrefixWidth int
}

// NewWriter creates a task output writer targeting out.
func NewWriter(out io.Writer, opts Options) *Writer {
	return &Writer{
		out:         out,
		color:       opts.Color,
		prefixWidth: opts.PrefixWidth,
	}
}

// DetectColor reports whether stdout is a terminal.
func DetectColor() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// Taskf writes a formatted line attributed to taskID.
func (w *Writer) Taskf(taskID pipeline.TaskID, format string, args ...any) {
	w.Line(taskID, fmt.Sprintf(format, args...))
}

// Line writes a single output line attributed to taskID.
func (w *Writer) Line(taskID pipeline.TaskID, line string) {
	prefix := w.prefix(taskID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if line == "" {
		fmt.Fprintf(w.out, "%s\n", prefix)
		return
	}
	fmt.Fprintf(w.out, "%s %s\n", prefix, line)
}

func (w *Writer) prefix(taskID pipeline.TaskID) string {
	name := string(taskID)
	if w.prefixWidth > 0 {
		name = fmt.Sprintf("%-*s", w.prefixWidth, name)
	}

	if !w.color {
		return fmt.Sprintf("%s |", name)
	}

	color := ansiColorForTask(taskID)
	return fmt.Sprintf("%s%s |%s", color, name, ansiReset)
}

const ansiReset = "\x1b[0m"

// A small set of high-contrast colors that work on light and dark
// terminals.
var palette = []string{
	"\x1b[36m", // cyan
	"\x1b[32m", // green
	"\x1b[33m", // yellow
	"\x1b[34m", // blue
	"\x1b[35m", // magenta
	"\x1b[91m", // bright red
	"\x1b[92m", // bright green
	"\x1b[94m", // bright blue
	"\x1b[96m", // bright cyan
}

func ansiColorForTask(taskID pipeline.TaskID) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return palette[int(h.Sum32())%len(palette)]
}
