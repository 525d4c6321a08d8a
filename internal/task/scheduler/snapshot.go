package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	perJob := map[string]int{}
	runs := make([]RunInfo, 0, len(s.inflight))
	for _, tr := range s.inflight {
		perJob[tr.job]++
		ri := RunInfo{Job: tr.job, RunID: tr.runID, Started: tr.started, Mode: s.perf.Mode()}
		if tr.handle != nil {
			ri.State = tr.handle.State()
		}
		runs = append(runs, ri)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })

	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		jobs = append(jobs, JobInfo{
			Name:     d.Name,
			Schedule: d.ScheduleText,
			Tags:     d.Tags,
			Next:     s.next[d.Name],
			Prev:     s.prev[d.Name],
			InFlight: perJob[d.Name],
		})
	}

	return Snapshot{
		State:    s.state,
		Timezone: s.loc.String(),
		Mode:     s.perf.Mode(),
		Tick:     s.cfg.Tick,
		Jobs:     jobs,
		InFlight: runs,
	}
}
