package schedule

import "errors"

var (
	// ErrInvalidScheduleSyntax is returned when text is neither a cron
	// expression nor a phrase from the natural-language grammar.
	ErrInvalidScheduleSyntax = errors.New("invalid schedule syntax")

	// ErrNoUpcomingOccurrence is returned by NextAfter when nothing matches
	// within the search horizon.
	ErrNoUpcomingOccurrence = errors.New("no upcoming occurrence")
)
