// Package scheduler is the dispatcher loop: it watches the job registry on a
// fixed tick, hands due jobs to the worker processor and keeps the handles
// of runs still in flight so shutdown can wait for them or kill them.
//
// The loop itself is a single goroutine; runs execute wherever the
// configured backend puts them.
package scheduler
