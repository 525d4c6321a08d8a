package job

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the run target variants.
type Kind int

const (
	KindShell Kind = iota + 1
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindShell:
		return "shell"
	case KindTask:
		return "task"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RunTarget is what a job executes: a ShellTarget or a TaskTarget.
type RunTarget interface {
	Kind() Kind
	String() string

	runTarget()
}

// ShellTarget runs Command through the system shell.
type ShellTarget struct {
	Command string
}

func (ShellTarget) Kind() Kind       { return KindShell }
func (t ShellTarget) String() string { return t.Command }
func (ShellTarget) runTarget()       {}

// TaskTarget runs a registered task with string variables.
type TaskTarget struct {
	Task string
	Vars map[string]string
}

func (TaskTarget) Kind() Kind { return KindTask }

// String renders "name k1:v1 k2:v2" with keys sorted.
func (t TaskTarget) String() string {
	var b strings.Builder
	b.WriteString(t.Task)
	for _, k := range sortedKeys(t.Vars) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(t.Vars[k])
	}
	return b.String()
}

func (TaskTarget) runTarget() {}

// Args renders the variables as "key:value" command-line arguments.
func (t TaskTarget) Args() []string {
	out := make([]string, 0, len(t.Vars))
	for _, k := range sortedKeys(t.Vars) {
		out = append(out, k+":"+t.Vars[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewRunTarget checks that target is the variant kind says it is and that
// it carries what it needs to run.
func NewRunTarget(kind Kind, target RunTarget) (RunTarget, error) {
	if target == nil {
		return nil, fmt.Errorf("run target is required")
	}
	if target.Kind() != kind {
		return nil, fmt.Errorf("declared %s but run target is a %s", kind, target.Kind())
	}
	switch t := target.(type) {
	case ShellTarget:
		if strings.TrimSpace(t.Command) == "" {
			return nil, fmt.Errorf("shell command is empty")
		}
	case TaskTarget:
		if strings.TrimSpace(t.Task) == "" || strings.ContainsAny(t.Task, " \t") {
			return nil, fmt.Errorf("invalid task name %q", t.Task)
		}
	}
	return target, nil
}

// ParseTaskInvocation parses "name key:value key2=value2".
func ParseTaskInvocation(s string) (TaskTarget, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return TaskTarget{}, fmt.Errorf("task invocation is empty")
	}
	return ParseTaskArgs(fields[0], fields[1:])
}

// ParseTaskArgs builds a TaskTarget from already split "key:value" (or
// "key=value") arguments. Values may contain spaces.
func ParseTaskArgs(name string, args []string) (TaskTarget, error) {
	t := TaskTarget{Task: name}
	if len(args) > 0 {
		t.Vars = make(map[string]string, len(args))
	}
	for _, f := range args {
		k, v, ok := strings.Cut(f, ":")
		if !ok {
			k, v, ok = strings.Cut(f, "=")
		}
		if !ok || k == "" {
			return TaskTarget{}, fmt.Errorf("task variable %q must look like key:value", f)
		}
		t.Vars[k] = v
	}
	return t, nil
}
