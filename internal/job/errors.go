package job

import "errors"

var (
	ErrDuplicateJobName     = errors.New("duplicate job name")
	ErrInvalidJobDefinition = errors.New("invalid job definition")
	ErrJobNotFound          = errors.New("job not found")
)
