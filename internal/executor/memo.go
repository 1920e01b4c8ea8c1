package executor

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

// memo ensures each task executes at most once per run, even when
// several dependents race for it concurrently.
type memo struct {
	mu    sync.Mutex
	by    map[pipeline.TaskID]memoEntry
	group singleflight.Group
}

type memoEntry struct {
	done bool
	err  error
}

func newMemo() *memo {
	return &memo{by: make(map[pipeline.TaskID]memoEntry)}
}

func (m *memo) tryGet(taskID pipeline.TaskID) (memoEntry, bool) {
	m.mu.Lock()
	entry, ok := m.by[taskID]
	m.mu.Unlock()
	if !ok || !entry.done {
		return memoEntry{}, false
	}
	return entry, true
}

func (m *memo) store(taskID pipeline.TaskID, err error) {
	m.mu.Lock()
	m.by[taskID] = memoEntry{done: true, err: err}
	m.mu.Unlock()
}

func (m *memo) do(taskID pipeline.TaskID, fn func() error) error {
	if entry, ok := m.tryGet(taskID); ok {
		return entry.err
	}

	_, err, _ := m.group.Do(string(taskID), func() (any, error) {
		if entry, ok := m.tryGet(taskID); ok {
			return nil, entry.err
		}

		err := fn()
		m.store(taskID, err)
		return nil, err
	})

	return err
}
