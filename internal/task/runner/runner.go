// Package runner launches the processes behind run targets: shell commands
// through sh -c and registered tasks through the cadence binary itself.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"cadence/internal/job"
	"cadence/pkg/logx"
)

const defaultKillGrace = 2 * time.Second

// ErrUnsupportedTarget is returned for a nil or foreign RunTarget.
var ErrUnsupportedTarget = errors.New("unsupported run target")

type Config struct {
	// Shell runs ShellTarget commands as `Shell -c <command>`. Default /bin/sh.
	Shell string
	// Executable is re-executed for TaskTarget runs. Default os.Executable().
	Executable string
	// KillGrace is the delay between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration
	// Stdout receives job output under the stdout policy. Default logx.Stdout().
	Stdout io.Writer
	Stderr io.Writer
}

type Runner struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Runner {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	if strings.TrimSpace(cfg.Executable) == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Executable = exe
		}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Stdout == nil {
		cfg.Stdout = logx.Stdout()
	}
	if cfg.Stderr == nil {
		cfg.Stderr = cfg.Stdout
	}
	return &Runner{cfg: cfg, log: log.With(logx.String("comp", "runner"))}
}

// ExitError describes a run that did not exit cleanly.
type ExitError struct {
	Job      string
	Target   string
	ExitCode int
	// Signaled is set when the process was terminated by a signal, which is
	// what happens on cancellation.
	Signaled bool
	Err      error
}

func (e *ExitError) Error() string {
	switch {
	case e.Signaled:
		return fmt.Sprintf("job %q: %s: terminated: %v", e.Job, e.Target, e.Err)
	case e.ExitCode > 0:
		return fmt.Sprintf("job %q: %s: exit status %d", e.Job, e.Target, e.ExitCode)
	default:
		return fmt.Sprintf("job %q: %s: %v", e.Job, e.Target, e.Err)
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run executes target for the named job and blocks until the process exits.
// Cancelling ctx terminates the whole process group.
func (r *Runner) Run(ctx context.Context, name string, target job.RunTarget, out job.OutputPolicy) error {
	cmd, err := r.command(target)
	if err != nil {
		return err
	}
	cmd.Env = os.Environ()
	switch out {
	case job.OutputSilent:
		// nil connects the child to the null device.
		cmd.Stdout, cmd.Stderr = nil, nil
	default:
		cmd.Stdout, cmd.Stderr = r.cfg.Stdout, r.cfg.Stderr
	}
	setProcessGroup(cmd)

	log := r.log.With(logx.String("job", name), logx.String("target", target.String()))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &ExitError{Job: name, Target: target.String(), ExitCode: -1, Err: err}
	}
	log.Debug("process started", logx.Int("pid", cmd.Process.Pid))

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		log.Warn("terminating process group", logx.Int("pid", cmd.Process.Pid), logx.Err(ctx.Err()))
		terminate(cmd)
		t := time.NewTimer(r.cfg.KillGrace)
		select {
		case err = <-waitErr:
			t.Stop()
		case <-t.C:
			kill(cmd)
			err = <-waitErr
		}
		if err == nil {
			// Exited cleanly while being terminated; still report the cancellation.
			err = ctx.Err()
		}
	}

	dur := time.Since(start)
	if err == nil {
		log.Debug("process exited", logx.Duration("dur", dur))
		return nil
	}
	ee := &ExitError{Job: name, Target: target.String(), ExitCode: -1, Err: err}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		ee.ExitCode = xe.ExitCode()
		ee.Signaled = signaled(xe)
	}
	if ctx.Err() != nil {
		ee.Signaled = true
		ee.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	log.Debug("process failed", logx.Duration("dur", dur), logx.Int("exit_code", ee.ExitCode), logx.Err(err))
	return ee
}

func (r *Runner) command(target job.RunTarget) (*exec.Cmd, error) {
	switch t := target.(type) {
	case job.ShellTarget:
		return exec.Command(r.cfg.Shell, "-c", t.Command), nil
	case job.TaskTarget:
		if r.cfg.Executable == "" {
			return nil, fmt.Errorf("%w: cannot resolve own executable for task %q", ErrUnsupportedTarget, t.Task)
		}
		args := append([]string{"task", t.Task}, t.Args()...)
		return exec.Command(r.cfg.Executable, args...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTarget, target)
	}
}
