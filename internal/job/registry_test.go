package job

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func mustLoad(t *testing.T, doc string) *Registry {
	t.Helper()
	src, err := ParseSource([]byte(doc))
	if err != nil {
		t.Fatalf("ParseSource error: %v", err)
	}
	r, err := Load(src)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return r
}

func TestLoadDuplicateName(t *testing.T) {
	t.Parallel()
	src := Source{Jobs: []Entry{
		{Name: "report", Run: "echo a", Shell: true, Cron: "every 5 minutes"},
		{Name: "report", Run: "echo b", Shell: true, Cron: "every 10 minutes"},
	}}
	_, err := Load(src)
	if !errors.Is(err, ErrDuplicateJobName) {
		t.Fatalf("Load error = %v, want ErrDuplicateJobName", err)
	}
}

func TestLoadEmptySource(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "# nothing yet\n", "jobs: []\n"} {
		r := mustLoad(t, doc)
		if r.Len() != 0 || len(r.All()) != 0 {
			t.Fatalf("doc %q: expected empty registry, got %d jobs", doc, r.Len())
		}
	}
}

func TestLoadInvalidDefinitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing name", Entry{Run: "echo", Shell: true, Cron: "every second"}},
		{"bad cron", Entry{Name: "x", Run: "echo", Shell: true, Cron: "whenever"}},
		{"empty shell", Entry{Name: "x", Shell: true, Cron: "every second"}},
		{"shell flag with task target", Entry{Name: "x", Shell: true, Task: &TaskEntry{Name: "cleanup"}, Cron: "every second"}},
		{"run and task", Entry{Name: "x", Run: "cleanup", Task: &TaskEntry{Name: "cleanup"}, Cron: "every second"}},
		{"bad task var", Entry{Name: "x", Run: "cleanup oops", Cron: "every second"}},
		{"bad output", Entry{Name: "x", Run: "echo", Shell: true, Cron: "every second", Output: "loud"}},
		{"empty tag", Entry{Name: "x", Run: "echo", Shell: true, Cron: "every second", Tags: []string{" "}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(Source{Jobs: []Entry{tt.entry}})
			if !errors.Is(err, ErrInvalidJobDefinition) {
				t.Fatalf("Load error = %v, want ErrInvalidJobDefinition", err)
			}
		})
	}
}

func TestLoadReportsEveryProblem(t *testing.T) {
	t.Parallel()
	src := Source{Jobs: []Entry{
		{Name: "ok", Run: "echo", Shell: true, Cron: "every second"},
		{Name: "bad", Run: "echo", Shell: true, Cron: "nope"},
		{Name: "ok", Run: "echo", Shell: true, Cron: "every second"},
	}}
	_, err := Load(src)
	if !errors.Is(err, ErrInvalidJobDefinition) || !errors.Is(err, ErrDuplicateJobName) {
		t.Fatalf("Load error = %v, want both invalid and duplicate", err)
	}
}

func TestByTag(t *testing.T) {
	t.Parallel()
	r := mustLoad(t, `
jobs:
  - name: vacuum
    run: "echo vacuum"
    shell: true
    cron: "at 3am"
    tags: [maintenance]
  - name: heartbeat
    run: "echo beat"
    shell: true
    cron: "every 30 seconds"
  - name: rotate
    run: "rotate_logs keep:7"
    cron: "0 0 4 * * SUN *"
    tags: [maintenance, logs]
`)
	var names []string
	for _, d := range r.ByTag("maintenance") {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "rotate" || names[1] != "vacuum" {
		t.Fatalf("ByTag(maintenance) = %v, want [rotate vacuum]", names)
	}
	if got := r.ByTag("nothing"); len(got) != 0 {
		t.Fatalf("ByTag(nothing) = %d jobs, want 0", len(got))
	}
}

func TestByName(t *testing.T) {
	t.Parallel()
	r := mustLoad(t, `
output: silent
jobs:
  - name: write
    run: "echo loco >> ./out.txt"
    shell: true
    cron: "* * * * * * *"
  - name: cleanup
    task:
      name: cleanup
      vars: {age: "30"}
    cron: "every hour"
    output: stdout
`)
	d, err := r.ByName("write")
	if err != nil {
		t.Fatalf("ByName error: %v", err)
	}
	if d.Target.Kind() != KindShell || d.Target.String() != "echo loco >> ./out.txt" {
		t.Fatalf("unexpected target: %s %q", d.Target.Kind(), d.Target)
	}
	if d.Output != OutputSilent {
		t.Fatalf("Output = %s, want registry default silent", d.Output)
	}

	c, err := r.ByName("cleanup")
	if err != nil {
		t.Fatalf("ByName error: %v", err)
	}
	tt, ok := c.Target.(TaskTarget)
	if !ok || tt.Task != "cleanup" || tt.Vars["age"] != "30" {
		t.Fatalf("unexpected task target: %#v", c.Target)
	}
	if c.Output != OutputStdout {
		t.Fatalf("Output = %s, want job override stdout", c.Output)
	}

	if _, err := r.ByName("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("ByName(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestParseSourceRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := ParseSource([]byte("jobs:\n  - name: a\n    command: echo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestReadSourceJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.json")
	doc := `{"jobs":[{"name":"a","run":"echo a","shell":true,"cron":"every minute","tags":["x"]}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := ReadSource(path)
	if err != nil {
		t.Fatalf("ReadSource error: %v", err)
	}
	r, err := Load(src)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := r.Names(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Names = %v", got)
	}
}

func TestParseTaskInvocation(t *testing.T) {
	t.Parallel()
	tt, err := ParseTaskInvocation("seed env=dev count:3")
	if err != nil {
		t.Fatalf("ParseTaskInvocation error: %v", err)
	}
	if tt.Task != "seed" || tt.Vars["env"] != "dev" || tt.Vars["count"] != "3" {
		t.Fatalf("unexpected %#v", tt)
	}
	if got := tt.String(); got != "seed count:3 env:dev" {
		t.Fatalf("String = %q", got)
	}
}

func TestNewRunTargetDiscriminator(t *testing.T) {
	t.Parallel()
	if _, err := NewRunTarget(KindShell, TaskTarget{Task: "x"}); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := NewRunTarget(KindTask, ShellTarget{Command: "echo"}); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := NewRunTarget(KindShell, ShellTarget{Command: "echo"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
