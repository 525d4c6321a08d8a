package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// descriptorParser handles "@every <duration>", which has no fixed-field
// equivalent.
var descriptorParser = cron.NewParser(cron.Descriptor)

// Parse parses cron syntax, a descriptor or a natural-language phrase.
//
// Cron text always starts with a digit, '*' or '?', phrases always start
// with a word, so the two never overlap.
func Parse(text string) (Schedule, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, fmt.Errorf("%w: empty schedule", ErrInvalidScheduleSyntax)
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "@every") {
		return parseEvery(s)
	}
	if strings.HasPrefix(s, "@") {
		return ParseCron(s)
	}
	switch c := s[0]; {
	case c >= '0' && c <= '9', c == '*', c == '?':
		return ParseCron(s)
	}
	return ParseNatural(s)
}

// MustParse is Parse for package-level schedules in tests and examples.
func MustParse(text string) Schedule {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

type everySchedule struct {
	delay  cron.ConstantDelaySchedule
	source string
}

func parseEvery(s string) (Schedule, error) {
	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScheduleSyntax, err)
	}
	cd, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an interval", ErrInvalidScheduleSyntax, s)
	}
	return &everySchedule{delay: cd, source: s}, nil
}

func (e *everySchedule) Next(t time.Time) time.Time { return e.delay.Next(t) }

func (e *everySchedule) NextAfter(t time.Time) (time.Time, error) {
	return e.delay.Next(t), nil
}

func (e *everySchedule) String() string { return e.source }

// Preview returns up to n fire times after from. It stops early when the
// schedule runs out of occurrences.
func Preview(s Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		next, err := s.NextAfter(cur)
		if err != nil {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}
