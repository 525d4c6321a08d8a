package job

import (
	"fmt"
	"slices"
	"strings"

	"cadence/internal/schedule"
)

// OutputPolicy controls where a run's stdout/stderr goes.
type OutputPolicy string

const (
	OutputStdout OutputPolicy = "stdout"
	OutputSilent OutputPolicy = "silent"
)

// ParseOutputPolicy maps "" to def.
func ParseOutputPolicy(s string, def OutputPolicy) (OutputPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "stdout":
		return OutputStdout, nil
	case "silent":
		return OutputSilent, nil
	default:
		return "", fmt.Errorf("output must be stdout or silent, got %q", s)
	}
}

// Definition is a validated job. It is not modified after Load.
type Definition struct {
	Name         string
	ScheduleText string
	Schedule     schedule.Schedule
	Target       RunTarget
	Tags         []string
	Output       OutputPolicy
	RunOnStart   bool
}

func (d *Definition) HasTag(tag string) bool { return slices.Contains(d.Tags, tag) }

// newDefinition validates one entry against the registry default output.
func newDefinition(e Entry, defOutput OutputPolicy) (*Definition, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	sched, err := schedule.Parse(e.Cron)
	if err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}

	target, err := entryTarget(e)
	if err != nil {
		return nil, err
	}

	out, err := ParseOutputPolicy(e.Output, defOutput)
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, t := range e.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fmt.Errorf("empty tag")
		}
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}

	return &Definition{
		Name:         name,
		ScheduleText: strings.TrimSpace(e.Cron),
		Schedule:     sched,
		Target:       target,
		Tags:         tags,
		Output:       out,
		RunOnStart:   e.RunOnStart,
	}, nil
}

// entryTarget builds the run target and checks it against the shell flag.
func entryTarget(e Entry) (RunTarget, error) {
	kind := KindTask
	if e.Shell {
		kind = KindShell
	}

	var target RunTarget
	switch {
	case e.Task != nil && strings.TrimSpace(e.Run) != "":
		return nil, fmt.Errorf("run and task are mutually exclusive")
	case e.Task != nil:
		target = TaskTarget{Task: strings.TrimSpace(e.Task.Name), Vars: e.Task.Vars}
	case e.Shell:
		target = ShellTarget{Command: strings.TrimSpace(e.Run)}
	default:
		tt, err := ParseTaskInvocation(e.Run)
		if err != nil {
			return nil, err
		}
		target = tt
	}
	return NewRunTarget(kind, target)
}
