package executor

import (
	"fmt"
	"sync"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

// keyStore records the computed task key for every completed task, so
// dependents can fold dependency keys into their own.
type keyStore struct {
	mu sync.Mutex
	by map[pipeline.TaskID]string
}

func newKeyStore() *keyStore {
	return &keyStore{by: make(map[pipeline.TaskID]string)}
}

func (s *keyStore) get(taskID pipeline.TaskID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.by[taskID]
	return k, ok
}

func (s *keyStore) set(taskID pipeline.TaskID, taskKey string) {
	s.mu.Lock()
	s.by[taskID] = taskKey
	s.mu.Unlock()
}

func (s *keyStore) depKeys(task pipeline.Task) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(task.Needs))
	for _, dep := range task.Needs {
		k, ok := s.by[dep]
		if !ok {
			return nil, fmt.Errorf("missing dependency task key for %s", dep)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
