package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cadence/internal/job"
	"cadence/pkg/logx"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShellAppendsOneLine(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "out.txt")
	r := New(Config{}, logx.Nop())

	err := r.Run(context.Background(), "write", job.ShellTarget{Command: "echo loco >> " + out}, job.OutputStdout)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "loco\n" {
		t.Fatalf("out.txt = %q, want one line", data)
	}
}

func TestOutputPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy job.OutputPolicy
		want   string
	}{
		{job.OutputStdout, "hello\n"},
		{job.OutputSilent, ""},
	}
	for _, tt := range tests {
		var buf syncBuffer
		r := New(Config{Stdout: &buf}, logx.Nop())
		if err := r.Run(context.Background(), "greet", job.ShellTarget{Command: "echo hello"}, tt.policy); err != nil {
			t.Fatalf("Run error: %v", err)
		}
		if got := buf.String(); got != tt.want {
			t.Fatalf("policy %s: output %q, want %q", tt.policy, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	err := r.Run(context.Background(), "fail", job.ShellTarget{Command: "exit 3"}, job.OutputSilent)
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("Run error = %v, want *ExitError", err)
	}
	if ee.ExitCode != 3 || ee.Signaled || ee.Job != "fail" {
		t.Fatalf("unexpected exit error %+v", ee)
	}
}

func TestCancelTerminatesProcessGroup(t *testing.T) {
	t.Parallel()
	r := New(Config{KillGrace: 200 * time.Millisecond}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The trap keeps the shell alive through SIGTERM, so SIGKILL must follow.
	err := r.Run(ctx, "sleepy", job.ShellTarget{Command: "trap '' TERM; sleep 30 & wait"}, job.OutputSilent)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run took %s, process group was not killed", elapsed)
	}
	var ee *ExitError
	if !errors.As(err, &ee) || !ee.Signaled {
		t.Fatalf("Run error = %v, want signaled ExitError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want to wrap DeadlineExceeded", err)
	}
}

func TestTaskTargetReexecutes(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	// echo stands in for the cadence binary and prints the argv it was given.
	r := New(Config{Executable: "/bin/echo", Stdout: &buf}, logx.Nop())
	target := job.TaskTarget{Task: "cleanup", Vars: map[string]string{"age": "30", "dry": "yes"}}
	if err := r.Run(context.Background(), "cleanup", target, job.OutputStdout); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "task cleanup age:30 dry:yes" {
		t.Fatalf("argv = %q", got)
	}
}

func TestChildSeesEnvironment(t *testing.T) {
	t.Setenv("CADENCE_RUNNER_PROBE", "visible")
	var buf syncBuffer
	r := New(Config{Stdout: &buf}, logx.Nop())
	if err := r.Run(context.Background(), "env", job.ShellTarget{Command: "printf %s \"$CADENCE_RUNNER_PROBE\""}, job.OutputStdout); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if buf.String() != "visible" {
		t.Fatalf("child env = %q", buf.String())
	}
}
