package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseNaturalMatchesCron(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phrase string
		cron   string
	}{
		{"Run every 15 seconds", "*/15 * * * * * *"},
		{"every second", "* * * * * * *"},
		{"every 5 minutes", "0 */5 * * * * *"},
		{"every minute", "0 * * * * * *"},
		{"every 2 hours", "0 0 */2 * * * *"},
		{"hourly", "0 0 * * * * *"},
		{"at 10:30", "0 30 10 * * * *"},
		{"at 10:30 pm", "0 30 22 * * * *"},
		{"at 7am", "0 0 7 * * * *"},
		{"at 12 am", "0 0 0 * * * *"},
		{"at noon", "0 0 12 * * * *"},
		{"at 06:15:30", "30 15 6 * * * *"},
		{"daily", "0 0 0 * * * *"},
		{"every day at 9:00", "0 0 9 * * * *"},
		{"on Monday", "0 0 0 * * 1 *"},
		{"Monday through Friday at 9am", "0 0 9 * * 1-5 *"},
		{"at 9am on weekdays", "0 0 9 * * 1-5 *"},
		{"every 15 minutes on weekends", "0 */15 * * * 0,6 *"},
		{"every 10 seconds on monday and wednesday", "*/10 * * * * 1,3 *"},
		{"at 18:00 on Tuesday, Thursday", "0 0 18 * * 2,4 *"},
		{"every friday at 5pm", "0 0 17 * * 5 *"},
		{"friday to monday at 08:00", "0 0 8 * * 0,1,5,6 *"},
		{"at midnight in december", "0 0 0 * 12 * *"},
		{"every hour on monday in january through march", "0 0 * * 1-3 1 *"},
	}

	from := utc(2026, 10, 19, 7, 59, 58)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.phrase, func(t *testing.T) {
			t.Parallel()
			nat, err := ParseNatural(tt.phrase)
			if err != nil {
				t.Fatalf("ParseNatural(%q) error: %v", tt.phrase, err)
			}
			ref := mustDescriptor(t, tt.cron)

			got := Preview(nat, from, 10)
			want := Preview(ref, from, 10)
			if len(got) != len(want) {
				t.Fatalf("preview length = %d, want %d", len(got), len(want))
			}
			for i := range want {
				if !got[i].Equal(want[i]) {
					t.Fatalf("%q occurrence %d = %s, want %s (cron %q)", tt.phrase, i, got[i], want[i], tt.cron)
				}
			}
		})
	}
}

func TestParseNaturalRejects(t *testing.T) {
	t.Parallel()
	tests := []string{
		"",
		"run",
		"whenever you like",
		"every",
		"every 0 seconds",
		"every 90 minutes",
		"every 3 days",
		"every 5 fortnights",
		"at 25:00",
		"at 13pm",
		"at 10:3",
		"every 5 minutes at 10:00",
		"at 10:00 at 11:00",
		"on",
		"on someday",
		"monday through someday",
		"in smarch",
		"every 5 minutes every 10 minutes",
		"tomorrow at noon",
	}
	for _, phrase := range tests {
		phrase := phrase
		t.Run(phrase, func(t *testing.T) {
			t.Parallel()
			_, err := ParseNatural(phrase)
			if !errors.Is(err, ErrInvalidScheduleSyntax) {
				t.Fatalf("ParseNatural(%q) error = %v, want ErrInvalidScheduleSyntax", phrase, err)
			}
		})
	}
}

func TestParseDispatch(t *testing.T) {
	t.Parallel()

	cronSched, err := Parse("*/15 * * * * * *")
	if err != nil {
		t.Fatalf("Parse cron error: %v", err)
	}
	natSched, err := Parse("Run every 15 seconds")
	if err != nil {
		t.Fatalf("Parse phrase error: %v", err)
	}
	from := utc(2026, 1, 1, 0, 0, 7)
	a, b := Preview(cronSched, from, 8), Preview(natSched, from, 8)
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Fatalf("occurrence %d differs: cron %s, phrase %s", i, a[i], b[i])
		}
	}

	every, err := Parse("@every 90s")
	if err != nil {
		t.Fatalf("Parse @every error: %v", err)
	}
	if got, want := every.Next(from), from.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("@every Next = %s, want %s", got, want)
	}

	if _, err := Parse("@every soon"); !errors.Is(err, ErrInvalidScheduleSyntax) {
		t.Fatalf("Parse(@every soon) error = %v, want ErrInvalidScheduleSyntax", err)
	}
}

func TestPreviewStopsWhenExhausted(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, "0 0 0 1 1 * 2027")
	got := Preview(d, utc(2026, 1, 1, 0, 0, 0), 3)
	if len(got) != 1 {
		t.Fatalf("Preview len = %d, want 1", len(got))
	}
}
