package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cadence/internal/app"
)

const usage = `usage:
  cadence [flags]                       run the dispatcher loop
  cadence [flags] -list                 print jobs and their next fire times
  cadence [flags] -name job | -tag tag  run jobs once and wait
  cadence [flags] worker                consume the durable queue
  cadence [flags] task name [key:value ...]
  cadence [flags] queue stats | tidy [age, e.g. 7d] | cancel <type>

flags:
`

func main() {
	var (
		cfgPath  string
		jobsPath string
		mode     string
		name     string
		tag      string
		list     bool
	)
	flag.StringVar(&cfgPath, "config", "./cadence.yaml", "path to config (yaml or json)")
	flag.StringVar(&jobsPath, "jobs", "", "jobs file; overrides scheduler.jobs_file")
	flag.StringVar(&mode, "mode", "", "execution mode: foreground, async or queue; overrides execution.mode")
	flag.StringVar(&name, "name", "", "run the named job once")
	flag.StringVar(&tag, "tag", "", "run every job with this tag once")
	flag.BoolVar(&list, "list", false, "list jobs and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{
		ConfigPath:     cfgPath,
		ConfigOptional: !explicit,
		JobsPath:       jobsPath,
		Mode:           mode,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	err = run(ctx, a, flag.Args(), list, name, tag)
	// Stop gets a fresh context: ctx is already cancelled on a signal.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	_ = a.Stop(stopCtx)
	stopCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, args []string, list bool, name, tag string) error {
	if len(args) > 0 {
		switch args[0] {
		case "worker":
			return a.Worker(ctx)
		case "task":
			if len(args) < 2 {
				return fmt.Errorf("task needs a name")
			}
			return a.Task(ctx, args[1], args[2:])
		case "queue":
			if len(args) < 2 {
				return fmt.Errorf("queue needs a command: stats, tidy or cancel")
			}
			return a.Queue(ctx, args[1], args[2:])
		default:
			flag.Usage()
			return fmt.Errorf("unknown command %q", args[0])
		}
	}
	switch {
	case list:
		return a.List()
	case name != "" || tag != "":
		return a.RunOnce(ctx, name, tag)
	default:
		return a.Loop(ctx)
	}
}
