package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

// DefaultManifestFile is the pipeline manifest looked up in the
// working directory.
const DefaultManifestFile = "kiln.yaml"

// Manifest represents a kiln.yaml pipeline file
type Manifest struct {
	Version string `yaml:"version"`

	// Shared cache settings
	Remote RemoteConfig `yaml:"remote,omitempty"`

	Tasks map[string]TaskConfig `yaml:"tasks"`
}

// RemoteConfig points at a shared cache service
type RemoteConfig struct {
	URL string `yaml:"url,omitempty"`

	// Name of the environment variable holding the bearer token.
	// Indirection keeps secrets out of the manifest.
	TokenEnv string `yaml:"token_env,omitempty"`
}

// TaskConfig holds one task entry as written in the manifest
type TaskConfig struct {
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`
	Needs   []string `yaml:"needs,omitempty"`
	Command string   `yaml:"command"`

	// Cache defaults to true when omitted.
	Cache *bool `yaml:"cache,omitempty"`
}

// LoadManifest reads and validates a pipeline manifest
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	if m.Version == "" {
		return nil, fmt.Errorf("manifest %s: missing version", path)
	}
	if len(m.Tasks) == 0 {
		return nil, fmt.Errorf("manifest %s: no tasks defined", path)
	}

	tasks := m.TaskMap()
	if err := tasks.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	return &m, nil
}

// TaskMap converts the manifest's task entries into the pipeline model
func (m *Manifest) TaskMap() pipeline.TaskMap {
	tasks := make([]pipeline.Task, 0, len(m.Tasks))
	for id, tc := range m.Tasks {
		task := pipeline.Task{
			ID:      pipeline.TaskID(id),
			Command: tc.Command,
			Cache:   true,
		}
		if tc.Cache != nil {
			task.Cache = *tc.Cache
		}
		for _, in := range tc.Inputs {
			task.Inputs = append(task.Inputs, pipeline.Path(in))
		}
		for _, out := range tc.Outputs {
			task.Outputs = append(task.Outputs, pipeline.Path(out))
		}
		for _, dep := range tc.Needs {
			task.Needs = append(task.Needs, pipeline.TaskID(dep))
		}
		tasks = append(tasks, task)
	}
	return pipeline.NewTaskMap(tasks)
}

// RemoteToken resolves the remote bearer token from the environment
func (m *Manifest) RemoteToken() string {
	if m.Remote.TokenEnv == "" {
		return ""
	}
	return os.Getenv(m.Remote.TokenEnv)
}
