package schedule

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	minYear = 1970
	maxYear = 2099

	// Horizon bounds the forward search in NextAfter.
	Horizon = 8
)

// Schedule computes fire times.
//
// Next follows robfig/cron semantics (zero time when nothing matches);
// NextAfter reports ErrNoUpcomingOccurrence instead.
type Schedule interface {
	cron.Schedule
	NextAfter(t time.Time) (time.Time, error)
	String() string
}

// bitset holds integers 0-191. Years are stored as offsets from minYear.
type bitset [3]uint64

func (b bitset) has(v int) bool {
	if v < 0 || v >= 192 {
		return false
	}
	return b[v/64]&(1<<uint(v%64)) != 0
}

func (b *bitset) set(v int) { b[v/64] |= 1 << uint(v%64) }

func (b bitset) empty() bool { return b[0] == 0 && b[1] == 0 && b[2] == 0 }

func (b bitset) count() int {
	return bits.OnesCount64(b[0]) + bits.OnesCount64(b[1]) + bits.OnesCount64(b[2])
}

func (b bitset) or(o bitset) bitset { return bitset{b[0] | o[0], b[1] | o[1], b[2] | o[2]} }

// rangeSet returns the set lo..hi stepping by step.
func rangeSet(lo, hi, step int) bitset {
	var b bitset
	if step <= 0 {
		step = 1
	}
	for v := lo; v <= hi; v += step {
		b.set(v)
	}
	return b
}

type fieldSpec struct {
	name  string
	min   int
	max   int
	names map[string]int
}

var (
	secondField = fieldSpec{name: "second", min: 0, max: 59}
	minuteField = fieldSpec{name: "minute", min: 0, max: 59}
	hourField   = fieldSpec{name: "hour", min: 0, max: 23}
	domField    = fieldSpec{name: "day-of-month", min: 1, max: 31}
	monthField  = fieldSpec{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// 7 is accepted as Sunday and folded onto 0.
	dowField = fieldSpec{name: "day-of-week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
	yearField = fieldSpec{name: "year", min: minYear, max: maxYear}
)

// Descriptor is a normalized 7-field cron schedule. Each field is a set of
// admissible values; domStar/dowStar remember whether the day fields were
// left unrestricted so day matching can apply OR semantics. As in Vixie
// cron, a day field starting with '*' (including "*/2") or '?' counts as
// unrestricted.
type Descriptor struct {
	seconds bitset
	minutes bitset
	hours   bitset
	dom     bitset
	months  bitset
	dow     bitset
	years   bitset // offsets from minYear

	domStar bool
	dowStar bool

	source string
}

var _ Schedule = (*Descriptor)(nil)

// wildcard returns a descriptor that fires every second.
func wildcard() *Descriptor {
	return &Descriptor{
		seconds: rangeSet(0, 59, 1),
		minutes: rangeSet(0, 59, 1),
		hours:   rangeSet(0, 23, 1),
		dom:     rangeSet(1, 31, 1),
		months:  rangeSet(1, 12, 1),
		dow:     rangeSet(0, 6, 1),
		years:   rangeSet(0, maxYear-minYear, 1),
		domStar: true,
		dowStar: true,
	}
}

var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 * *",
	"@annually": "0 0 0 1 1 * *",
	"@monthly":  "0 0 0 1 * * *",
	"@weekly":   "0 0 0 * * 0 *",
	"@daily":    "0 0 0 * * * *",
	"@midnight": "0 0 0 * * * *",
	"@hourly":   "0 0 * * * * *",
}

// ParseCron parses a cron expression with 5, 6 or 7 fields, or a descriptor.
func ParseCron(expr string) (*Descriptor, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidScheduleSyntax)
	}
	if strings.HasPrefix(s, "@") {
		canon, ok := descriptors[strings.ToLower(s)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown descriptor %q", ErrInvalidScheduleSyntax, s)
		}
		d, err := ParseCron(canon)
		if err != nil {
			return nil, err
		}
		d.source = s
		return d, nil
	}

	fields := strings.Fields(s)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, append(fields, "*")...)
	case 6:
		fields = append(fields, "*")
	case 7:
	default:
		return nil, fmt.Errorf("%w: expected 5, 6 or 7 fields, got %d", ErrInvalidScheduleSyntax, len(fields))
	}

	d := &Descriptor{source: s}
	specs := []fieldSpec{secondField, minuteField, hourField, domField, monthField, dowField, yearField}
	sets := make([]bitset, len(specs))
	for i, f := range specs {
		b, err := parseField(fields[i], f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s field: %v", ErrInvalidScheduleSyntax, f.name, err)
		}
		sets[i] = b
	}
	d.seconds, d.minutes, d.hours, d.dom, d.months = sets[0], sets[1], sets[2], sets[3], sets[4]

	d.dow = sets[5]
	if d.dow.has(7) {
		d.dow.set(0)
		d.dow[0] &^= 1 << 7
	}

	d.years = sets[6]

	d.domStar = isStar(fields[3])
	d.dowStar = isStar(fields[5])
	return d, nil
}

func isStar(field string) bool { return strings.HasPrefix(field, "*") || field == "?" }

// parseField parses comma-separated terms into a set. Year values are
// returned as offsets from minYear.
func parseField(field string, f fieldSpec) (bitset, error) {
	var result bitset
	for _, term := range strings.Split(field, ",") {
		b, err := parseTerm(term, f)
		if err != nil {
			return bitset{}, err
		}
		result = result.or(b)
	}
	if result.empty() {
		return bitset{}, fmt.Errorf("%q produces an empty set", field)
	}
	return result, nil
}

// parseTerm parses one term: *, ?, */N, V, V/N, V-V, V-V/N.
func parseTerm(term string, f fieldSpec) (bitset, error) {
	if term == "" {
		return bitset{}, fmt.Errorf("empty term")
	}
	parts := strings.SplitN(term, "/", 2)
	expr := parts[0]
	step := 1
	hasStep := len(parts) == 2
	if hasStep {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return bitset{}, fmt.Errorf("invalid step %q", parts[1])
		}
		if n <= 0 {
			return bitset{}, fmt.Errorf("step must be positive, got %d", n)
		}
		step = n
	}

	var lo, hi int
	switch {
	case expr == "*" || expr == "?":
		if expr == "?" && hasStep {
			return bitset{}, fmt.Errorf("'?' takes no step")
		}
		lo, hi = f.min, f.max
		if f.name == dowField.name {
			hi = 6
		}
	case strings.Contains(expr, "-"):
		i := strings.IndexByte(expr, '-')
		var err error
		if lo, err = f.value(expr[:i]); err != nil {
			return bitset{}, err
		}
		if hi, err = f.value(expr[i+1:]); err != nil {
			return bitset{}, err
		}
		if lo > hi {
			return bitset{}, fmt.Errorf("range start %d > end %d", lo, hi)
		}
	default:
		v, err := f.value(expr)
		if err != nil {
			return bitset{}, err
		}
		lo, hi = v, v
		if hasStep {
			hi = f.max
		}
	}

	if lo < f.min || hi > f.max {
		return bitset{}, fmt.Errorf("value out of range [%d-%d]: %d-%d", f.min, f.max, lo, hi)
	}

	off := 0
	if f.name == yearField.name {
		off = minYear
	}
	var b bitset
	for v := lo; v <= hi; v += step {
		b.set(v - off)
	}
	return b, nil
}

func (f fieldSpec) value(s string) (int, error) {
	if f.names != nil {
		if v, ok := f.names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// Next implements cron.Schedule. It returns the zero time when no
// occurrence exists within the horizon.
func (d *Descriptor) Next(t time.Time) time.Time {
	n, err := d.NextAfter(t)
	if err != nil {
		return time.Time{}
	}
	return n
}

// String renders the canonical 7-field form.
func (d *Descriptor) String() string {
	dom := renderDay(d.dom, 1, 31, d.domStar)
	dow := renderDay(d.dow, 0, 6, d.dowStar)
	return strings.Join([]string{
		renderSet(d.seconds, 0, 59, 0),
		renderSet(d.minutes, 0, 59, 0),
		renderSet(d.hours, 0, 23, 0),
		dom,
		renderSet(d.months, 1, 12, 0),
		dow,
		renderSet(d.years, 0, maxYear-minYear, minYear),
	}, " ")
}

// Source returns the text the descriptor was parsed from.
func (d *Descriptor) Source() string { return d.source }

// renderDay keeps the '*' prefix exactly when the field is unrestricted, so
// String parses back with the same day semantics.
func renderDay(b bitset, lo, hi int, star bool) string {
	out := renderSet(b, lo, hi, 0)
	starred := strings.HasPrefix(out, "*")
	switch {
	case star && !starred:
		// A wide step renders as a list; a star field is always lo, lo+N, ...
		step := hi - lo + 1
		for v := lo + 1; v <= hi; v++ {
			if b.has(v) {
				step = v - lo
				break
			}
		}
		return "*/" + strconv.Itoa(step)
	case !star && starred:
		return strconv.Itoa(lo) + "-" + strconv.Itoa(hi) + strings.TrimPrefix(out, "*")
	}
	return out
}

func renderSet(b bitset, lo, hi, off int) string {
	if b.count() == hi-lo+1 {
		return "*"
	}
	// Prefer */N when the set is a full-range step.
	for step := 2; step <= (hi-lo+1)/2; step++ {
		if b == rangeSet(lo, hi, step) {
			return "*/" + strconv.Itoa(step)
		}
	}
	var parts []string
	for v := lo; v <= hi; v++ {
		if !b.has(v) {
			continue
		}
		end := v
		for end+1 <= hi && b.has(end+1) {
			end++
		}
		if end-v >= 2 {
			parts = append(parts, strconv.Itoa(v+off)+"-"+strconv.Itoa(end+off))
			v = end
			continue
		}
		parts = append(parts, strconv.Itoa(v+off))
	}
	return strings.Join(parts, ",")
}
