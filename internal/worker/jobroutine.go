package worker

import (
	"context"
	"errors"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/job"
	"cadence/pkg/logx"
)

// JobType is the worker type every scheduled job is dispatched as.
const JobType = "job"

// JobArgs is the serialized payload of a job unit. Only the name travels;
// the consumer resolves it against its own registry.
type JobArgs struct {
	Name  string    `json:"name"`
	RunID string    `json:"run_id,omitempty"`
	Due   time.Time `json:"due,omitzero"`
}

// Jobs resolves job names. *job.Registry implements it.
type Jobs interface {
	ByName(name string) (*job.Definition, error)
}

// JobRunner executes one run target. *runner.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, name string, target job.RunTarget, out job.OutputPolicy) error
}

// RegisterJobRoutine installs the "job" worker type on p.
func RegisterJobRoutine(p *Processor, jobs Jobs, r JobRunner) error {
	jr := &jobRoutine{jobs: jobs, runner: r, mode: string(p.Mode()), log: p.log, bus: p.bus}
	return RegisterFunc(p, JobType, jr.perform)
}

type jobRoutine struct {
	jobs   Jobs
	runner JobRunner
	mode   string
	log    logx.Logger
	bus    eventbus.Bus
}

func (jr *jobRoutine) perform(ctx context.Context, args JobArgs) error {
	def, err := jr.jobs.ByName(args.Name)
	if err != nil {
		// A job removed from the file since it was enqueued cannot succeed later.
		return NoRetry(err)
	}
	info := eventbus.RunInfo{
		Job:    def.Name,
		RunID:  args.RunID,
		Target: def.Target.String(),
		Mode:   jr.mode,
		At:     time.Now(),
	}
	log := jr.log.With(logx.String("job", def.Name), logx.String("run_id", args.RunID))
	log.Info("job started", logx.String("target", info.Target))
	jr.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: info.At, Data: info})

	err = jr.runner.Run(ctx, def.Name, def.Target, def.Output)
	info.Duration = time.Since(info.At)
	switch {
	case err == nil:
		log.Info("job succeeded", logx.Duration("dur", info.Duration))
		jr.bus.Publish(eventbus.Event{Type: eventbus.JobSucceeded, Data: info})
		return nil
	case ctx.Err() != nil:
		info.Error = err.Error()
		log.Warn("job killed", logx.Duration("dur", info.Duration), logx.Err(err))
		jr.bus.Publish(eventbus.Event{Type: eventbus.JobKilled, Data: info})
		// Killed at shutdown; not worth another attempt.
		return NoRetry(errors.Join(ctx.Err(), err))
	default:
		info.Error = err.Error()
		log.Error("job failed", logx.Duration("dur", info.Duration), logx.Err(err))
		jr.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: info})
		return err
	}
}
