package job

import (
	"errors"
	"fmt"
)

// Registry holds the validated jobs for one scheduler run. It is read-only
// after Load and safe for concurrent use.
type Registry struct {
	jobs   []*Definition
	byName map[string]*Definition
}

// Load validates every entry before returning. All problems are reported
// together; any problem means no registry.
func Load(src Source) (*Registry, error) {
	defOutput, err := ParseOutputPolicy(src.Output, OutputStdout)
	if err != nil {
		return nil, fmt.Errorf("%w: registry output: %w", ErrInvalidJobDefinition, err)
	}

	r := &Registry{byName: make(map[string]*Definition, len(src.Jobs))}
	var errs []error
	for i, e := range src.Jobs {
		d, err := newDefinition(e, defOutput)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: job #%d %q: %w", ErrInvalidJobDefinition, i+1, e.Name, err))
			continue
		}
		if _, dup := r.byName[d.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateJobName, d.Name))
			continue
		}
		r.byName[d.Name] = d
		r.jobs = append(r.jobs, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// All returns the jobs in source order.
func (r *Registry) All() []*Definition {
	return append([]*Definition(nil), r.jobs...)
}

func (r *Registry) ByName(name string) (*Definition, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return d, nil
}

// ByTag returns the jobs carrying tag, in source order. No match is an
// empty result, not an error.
func (r *Registry) ByTag(tag string) []*Definition {
	var out []*Definition
	for _, d := range r.jobs {
		if d.HasTag(tag) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.jobs))
	for _, d := range r.jobs {
		out = append(out, d.Name)
	}
	return out
}

func (r *Registry) Len() int { return len(r.jobs) }
