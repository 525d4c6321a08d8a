package schedule

import (
	"fmt"
	"time"
)

// NextAfter returns the earliest instant strictly after t that matches the
// descriptor, in t's location. The search walks year, month, day, hour,
// minute and second, jumping to the start of the next unit whenever a field
// rejects the current value.
func (d *Descriptor) NextAfter(t time.Time) (time.Time, error) {
	loc := t.Location()
	// Whole seconds only; anything inside the current second is in the past.
	cur := t.Truncate(time.Second).Add(time.Second)
	limit := t.AddDate(Horizon, 0, 0)

	for cur.Before(limit) {
		prev := cur

		y := cur.Year()
		if y > maxYear {
			break
		}
		if y < minYear || !d.years.has(y-minYear) {
			cur = time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !d.months.has(int(cur.Month())) {
			cur = time.Date(y, cur.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !d.dayMatches(cur) {
			cur = time.Date(y, cur.Month(), cur.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !d.hours.has(cur.Hour()) {
			cur = time.Date(y, cur.Month(), cur.Day(), cur.Hour()+1, 0, 0, 0, loc)
			cur = guardForward(prev, cur, time.Hour)
			continue
		}
		if !d.minutes.has(cur.Minute()) {
			cur = cur.Truncate(time.Minute).Add(time.Minute)
			continue
		}
		if !d.seconds.has(cur.Second()) {
			cur = cur.Add(time.Second)
			continue
		}
		return cur, nil
	}
	return time.Time{}, fmt.Errorf("%w: nothing matches %q within %d years of %s",
		ErrNoUpcomingOccurrence, d.String(), Horizon, t.Format(time.RFC3339))
}

// dayMatches applies standard cron day semantics: when both day fields are
// restricted a date matches if either does; otherwise both must match (an
// unrestricted field matches everything).
func (d *Descriptor) dayMatches(t time.Time) bool {
	domOK := d.dom.has(t.Day())
	dowOK := d.dow.has(int(t.Weekday()))
	if d.domStar || d.dowStar {
		return domOK && dowOK
	}
	return domOK || dowOK
}

// guardForward keeps the scan moving when a DST transition makes
// time.Date normalize back to (or before) where we started.
func guardForward(prev, next time.Time, step time.Duration) time.Time {
	if next.After(prev) {
		return next
	}
	return prev.Truncate(step).Add(step)
}
