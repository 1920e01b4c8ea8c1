// Package pipeline defines the task graph model shared by the CLI,
// the executor, and the cache service.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// TaskID identifies a task within a pipeline.
type TaskID string

// Path is a slash-separated path or glob spec, relative to the
// pipeline root.
type Path string

// Task is a single unit of work in a pipeline. Inputs and Outputs are
// file specs (plain paths or doublestar globs); Needs lists tasks that
// must complete before this one runs.
type Task struct {
	ID      TaskID
	Inputs  []Path
	Outputs []Path
	Needs   []TaskID
	Command string
	Cache   bool
}

// TaskMap indexes tasks by ID.
type TaskMap map[TaskID]Task

// NewTaskMap builds a TaskMap from a list of tasks.
func NewTaskMap(tasks []Task) TaskMap {
	m := make(TaskMap, len(tasks))
	for _, task := range tasks {
		m[task.ID] = task
	}
	return m
}

// SortedIDs returns all task IDs in lexical order.
func (m TaskMap) SortedIDs() []TaskID {
	ids := make([]TaskID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks the task map for empty IDs, empty commands,
// references to unknown tasks, and dependency cycles.
func (m TaskMap) Validate() error {
	for id, task := range m {
		if strings.TrimSpace(string(id)) == "" {
			return fmt.Errorf("task id must not be empty")
		}
		if strings.TrimSpace(task.Command) == "" {
			return fmt.Errorf("task %s: command must not be empty", id)
		}
		for _, dep := range task.Needs {
			if _, ok := m[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
		}
	}
	return m.checkCycles()
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

func (m TaskMap) checkCycles() error {
	colors := make(map[TaskID]int, len(m))

	var visit func(id TaskID, path []TaskID) error
	visit = func(id TaskID, path []TaskID) error {
		switch colors[id] {
		case colorBlack:
			return nil
		case colorGray:
			return fmt.Errorf("dependency cycle: %s", formatCycle(append(path, id)))
		}

		colors[id] = colorGray
		for _, dep := range m[id].Needs {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		colors[id] = colorBlack
		return nil
	}

	for _, id := range m.SortedIDs() {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func formatCycle(path []TaskID) string {
	last := path[len(path)-1]
	start := 0
	for i, id := range path {
		if id == last {
			start = i
			break
		}
	}

	parts := make([]string, 0, len(path)-start)
	for _, id := range path[start:] {
		parts = append(parts, string(id))
	}
	return strings.Join(parts, " -> ")
}
