package tasks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cadence/pkg/logx"
)

// RegisterBuiltins adds the tasks every cadence binary ships with.
func RegisterBuiltins(r *Registry) error {
	for name, fn := range map[string]Func{
		"echo":   echoTask,
		"sleep":  sleepTask,
		"append": appendTask,
	} {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// echo prints its variables as sorted key=value pairs on one line.
func echoTask(_ context.Context, env Env) error {
	keys := make([]string, 0, len(env.Vars))
	for k := range env.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+env.Vars[k])
	}
	_, err := fmt.Fprintln(env.Stdout, strings.Join(parts, " "))
	return err
}

// sleep waits for `for` (default 1s) or until cancelled.
func sleepTask(ctx context.Context, env Env) error {
	d, err := env.Vars.Duration("for", time.Second)
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// append writes `line` plus a newline to `path`.
func appendTask(_ context.Context, env Env) error {
	path, err := env.Vars.Require("path")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, env.Vars.String("line", "")); err != nil {
		_ = f.Close()
		return err
	}
	env.Log.Debug("appended line", logx.String("path", path))
	return f.Close()
}
