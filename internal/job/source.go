package job

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// Source is the declarative job list. YAML and JSON share one decoder
// (JSON is valid YAML); unknown keys are rejected.
type Source struct {
	// Output is the registry-wide default: "stdout" or "silent".
	Output string  `json:"output,omitempty" yaml:"output,omitempty"`
	Jobs   []Entry `json:"jobs" yaml:"jobs"`
}

// Entry is one job as written by the operator.
type Entry struct {
	Name string `json:"name" yaml:"name"`
	// Run is a shell command when Shell is true, otherwise
	// "task_name key:value ...".
	Run   string `json:"run,omitempty" yaml:"run,omitempty"`
	Shell bool   `json:"shell,omitempty" yaml:"shell,omitempty"`
	// Task is the structured alternative to a task invocation in Run.
	Task *TaskEntry `json:"task,omitempty" yaml:"task,omitempty"`

	Cron       string   `json:"cron" yaml:"cron"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Output     string   `json:"output,omitempty" yaml:"output,omitempty"`
	RunOnStart bool     `json:"run_on_start,omitempty" yaml:"run_on_start,omitempty"`
}

type TaskEntry struct {
	Name string            `json:"name" yaml:"name"`
	Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// ParseSource decodes a job source document. An empty document is an
// empty source.
func ParseSource(data []byte) (Source, error) {
	var src Source
	if len(bytes.TrimSpace(data)) == 0 {
		return src, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&src); err != nil {
		if errors.Is(err, io.EOF) {
			return Source{}, nil
		}
		return Source{}, fmt.Errorf("job source: %w", err)
	}
	// Reject a second document; it would otherwise be silently ignored.
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return Source{}, fmt.Errorf("job source: trailing document")
		}
		return Source{}, fmt.Errorf("job source: %w", err)
	}
	return src, nil
}

// ReadSource reads and decodes a job source file.
func ReadSource(path string) (Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Source{}, err
	}
	return ParseSource(b)
}
