package schedule

import (
	"errors"
	"testing"
	"time"
)

func utc(year int, month time.Month, day, hour, minute, second int) time.Time {
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func mustDescriptor(t *testing.T, expr string) *Descriptor {
	t.Helper()
	d, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q) error: %v", expr, err)
	}
	return d
}

func TestParseCronValid(t *testing.T) {
	t.Parallel()
	tests := []string{
		"* * * * * * *",
		"*/15 * * * * * *",
		"0 30 9 * * MON-FRI *",
		"0 0 0 1,15 * ? 2030-2035",
		"0 0 12 * JAN,jul 7 *",
		"5/10 * * * * *",
		"0 */5 * * *",
		"@hourly",
		"@Daily",
	}
	for _, expr := range tests {
		expr := expr
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseCron(expr); err != nil {
				t.Fatalf("ParseCron(%q) error: %v", expr, err)
			}
		})
	}
}

func TestParseCronInvalid(t *testing.T) {
	t.Parallel()
	tests := []string{
		"",
		"* * * *",
		"* * * * * * * *",
		"60 * * * * * *",
		"* * 24 * * * *",
		"* * * 0 * * *",
		"* * * * 13 * *",
		"* * * * * 8 *",
		"* * * * * * 1969",
		"*/0 * * * * * *",
		"5-1 * * * * * *",
		"a * * * * * *",
		"?/2 * * * * * *",
		"@fortnightly",
	}
	for _, expr := range tests {
		expr := expr
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCron(expr)
			if !errors.Is(err, ErrInvalidScheduleSyntax) {
				t.Fatalf("ParseCron(%q) error = %v, want ErrInvalidScheduleSyntax", expr, err)
			}
		})
	}
}

func TestNextAfter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{"every second", "* * * * * * *", utc(2026, 3, 1, 10, 0, 0), utc(2026, 3, 1, 10, 0, 1)},
		{"sub-second input", "* * * * * * *", utc(2026, 3, 1, 10, 0, 0).Add(400 * time.Millisecond), utc(2026, 3, 1, 10, 0, 1)},
		{"every 15 seconds", "*/15 * * * * * *", utc(2026, 3, 1, 10, 0, 15), utc(2026, 3, 1, 10, 0, 30)},
		{"minute rollover", "*/15 * * * * * *", utc(2026, 3, 1, 10, 0, 45), utc(2026, 3, 1, 10, 1, 0)},
		{"daily at 9:30", "0 30 9 * * * *", utc(2026, 3, 1, 9, 30, 0), utc(2026, 3, 2, 9, 30, 0)},
		{"year rollover", "0 0 0 1 1 * *", utc(2026, 6, 15, 0, 0, 0), utc(2027, 1, 1, 0, 0, 0)},
		{"leap day", "0 0 0 29 2 * *", utc(2026, 3, 1, 0, 0, 0), utc(2028, 2, 29, 0, 0, 0)},
		{"weekday only", "0 0 8 * * MON *", utc(2026, 10, 19, 8, 0, 0), utc(2026, 10, 26, 8, 0, 0)},
		{"sunday as 7", "0 0 0 * * 7 *", utc(2026, 10, 19, 0, 0, 0), utc(2026, 10, 25, 0, 0, 0)},
		{"explicit year", "0 0 0 1 1 * 2030", utc(2026, 1, 1, 0, 0, 0), utc(2030, 1, 1, 0, 0, 0)},
		{"five field", "*/5 * * * *", utc(2026, 3, 1, 10, 2, 30), utc(2026, 3, 1, 10, 5, 0)},
		{"descriptor", "@hourly", utc(2026, 3, 1, 10, 0, 0), utc(2026, 3, 1, 11, 0, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mustDescriptor(t, tt.expr).NextAfter(tt.from)
			if err != nil {
				t.Fatalf("NextAfter error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextAfter(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestNextAfterDayOrSemantics(t *testing.T) {
	t.Parallel()
	// The 15th of the month OR any Friday.
	d := mustDescriptor(t, "0 0 0 15 * FRI *")

	// 2026-10-19 is a Monday; the next Friday (23rd) comes before Nov 15.
	got, err := d.NextAfter(utc(2026, 10, 19, 0, 0, 0))
	if err != nil {
		t.Fatalf("NextAfter error: %v", err)
	}
	if want := utc(2026, 10, 23, 0, 0, 0); !got.Equal(want) {
		t.Fatalf("NextAfter = %s, want %s (friday)", got, want)
	}

	// 2026-10-14 is a Wednesday; the 15th is a Thursday and matches by dom.
	got, err = d.NextAfter(utc(2026, 10, 14, 0, 0, 0))
	if err != nil {
		t.Fatalf("NextAfter error: %v", err)
	}
	if want := utc(2026, 10, 15, 0, 0, 0); !got.Equal(want) {
		t.Fatalf("NextAfter = %s, want %s (15th)", got, want)
	}
}

func TestNextAfterStarStepDayIsUnrestricted(t *testing.T) {
	t.Parallel()
	from := utc(2026, 10, 19, 0, 0, 0) // Monday
	tests := []struct {
		expr string
		want time.Time
	}{
		// "*/2" leaves the day unrestricted: odd days AND Fridays.
		{"0 0 0 */2 * FRI *", utc(2026, 10, 23, 0, 0, 0)},
		// An explicit range is a restriction: odd days OR Fridays.
		{"0 0 0 1-31/2 * FRI *", utc(2026, 10, 21, 0, 0, 0)},
	}
	for _, tt := range tests {
		got, err := mustDescriptor(t, tt.expr).NextAfter(from)
		if err != nil {
			t.Fatalf("NextAfter(%q) error: %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("NextAfter(%q) = %s, want %s", tt.expr, got, tt.want)
		}
	}
}

func TestNextAfterNoUpcoming(t *testing.T) {
	t.Parallel()
	tests := []string{
		"0 0 0 30 2 * *",
		"0 0 0 * * * 2020",
	}
	for _, expr := range tests {
		_, err := mustDescriptor(t, expr).NextAfter(utc(2026, 1, 1, 0, 0, 0))
		if !errors.Is(err, ErrNoUpcomingOccurrence) {
			t.Fatalf("NextAfter(%q) error = %v, want ErrNoUpcomingOccurrence", expr, err)
		}
		if got := mustDescriptor(t, expr).Next(utc(2026, 1, 1, 0, 0, 0)); !got.IsZero() {
			t.Fatalf("Next(%q) = %s, want zero time", expr, got)
		}
	}
}

func TestNextAfterIsStrictlyLaterAndMinimal(t *testing.T) {
	t.Parallel()
	exprs := []string{"*/7 * * * * * *", "0 */3 * * * * *", "30 15 2 * * * *", "0 0 12 1,10,20 * * *"}
	from := utc(2026, 2, 27, 23, 58, 11)
	for _, expr := range exprs {
		d := mustDescriptor(t, expr)
		cur := from
		for i := 0; i < 20; i++ {
			next, err := d.NextAfter(cur)
			if err != nil {
				t.Fatalf("%q: NextAfter error: %v", expr, err)
			}
			if !next.After(cur) {
				t.Fatalf("%q: NextAfter(%s) = %s, not strictly later", expr, cur, next)
			}
			// Nothing between cur and next may match.
			if next.Sub(cur) <= 2*time.Hour {
				for probe := cur.Truncate(time.Second).Add(time.Second); probe.Before(next); probe = probe.Add(time.Second) {
					if d.matches(probe) {
						t.Fatalf("%q: %s matches but NextAfter(%s) returned %s", expr, probe, cur, next)
					}
				}
			}
			cur = next
		}
	}
}

func (d *Descriptor) matches(t time.Time) bool {
	return d.years.has(t.Year()-minYear) && d.months.has(int(t.Month())) && d.dayMatches(t) &&
		d.hours.has(t.Hour()) && d.minutes.has(t.Minute()) && d.seconds.has(t.Second())
}

func TestNextAfterKeepsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*60*60)
	d := mustDescriptor(t, "0 0 9 * * * *")
	got, err := d.NextAfter(time.Date(2026, 5, 1, 8, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("NextAfter error: %v", err)
	}
	if want := time.Date(2026, 5, 1, 9, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("NextAfter = %s, want %s", got, want)
	}
}

func TestDescriptorString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		want string
	}{
		{"*/15 * * * * * *", "*/15 * * * * * *"},
		{"0 30 9 * * MON-FRI *", "0 30 9 * * 1-5 *"},
		{"0 0 0 1,15 * * 2030", "0 0 0 1,15 * * 2030"},
		{"0 */5 * * *", "0 0 */5 * * * *"},
		{"0 0 0 */2 * FRI *", "0 0 0 */2 * 5 *"},
		{"0 0 0 1-31/2 * FRI *", "0 0 0 1-31/2 * 5 *"},
		{"0 0 0 */20 * * *", "0 0 0 */20 * * *"},
	}
	for _, tt := range tests {
		if got := mustDescriptor(t, tt.expr).String(); got != tt.want {
			t.Fatalf("String(%q) = %q, want %q", tt.expr, got, tt.want)
		}
	}
}
