package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// Natural-language grammar (case-insensitive, optional leading "run"):
//
//	phrase   = clause { ["and" | ","] clause }
//	clause   = interval | time | days | months
//	interval = "every" [N] ("second"|"minute"|"hour")["s"] | "every day" | "daily" | "hourly"
//	time     = "at" (HH:MM[:SS] | H) ["am"|"pm"] | "at noon" | "at midnight"
//	days     = ["on"|"every"] dayspec { ["and"|","] dayspec }
//	dayspec  = weekday [("through"|"to"|"-") weekday] | "weekdays" | "weekends"
//	months   = "in" month [("through"|"to"|"-") month] { ["and"|","] month... }
//
// An interval and a time of day cannot be combined, and each kind of clause
// may appear once.

var weekdays = map[string]int{
	"sunday": 0, "sun": 0, "sundays": 0,
	"monday": 1, "mon": 1, "mondays": 1,
	"tuesday": 2, "tue": 2, "tues": 2, "tuesdays": 2,
	"wednesday": 3, "wed": 3, "wednesdays": 3,
	"thursday": 4, "thu": 4, "thurs": 4, "thursdays": 4,
	"friday": 5, "fri": 5, "fridays": 5,
	"saturday": 6, "sat": 6, "saturdays": 6,
}

var months = map[string]int{
	"january": 1, "jan": 1, "february": 2, "feb": 2, "march": 3, "mar": 3,
	"april": 4, "apr": 4, "may": 5, "june": 6, "jun": 6, "july": 7, "jul": 7,
	"august": 8, "aug": 8, "september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10, "november": 11, "nov": 11, "december": 12, "dec": 12,
}

type phrase struct {
	toks []string
	pos  int
	d    *Descriptor

	interval bool
	atTime   bool
	days     bool
	inMonths bool
}

// ParseNatural translates a phrase from the closed grammar above into a
// Descriptor. Anything outside the grammar is rejected.
func ParseNatural(text string) (*Descriptor, error) {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.ReplaceAll(norm, ",", " , ")
	toks := strings.Fields(norm)
	if len(toks) > 0 && toks[0] == "run" {
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty phrase", ErrInvalidScheduleSyntax)
	}

	p := &phrase{toks: toks, d: wildcard()}
	p.d.source = strings.TrimSpace(text)
	for !p.done() {
		if err := p.clause(); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidScheduleSyntax, text, err)
		}
	}
	if !p.interval && !p.atTime {
		if !p.days && !p.inMonths {
			return nil, fmt.Errorf("%w: %q: nothing to schedule", ErrInvalidScheduleSyntax, text)
		}
		// "on monday" means once that day, at midnight.
		p.d.seconds = rangeSet(0, 0, 1)
		p.d.minutes = rangeSet(0, 0, 1)
		p.d.hours = rangeSet(0, 0, 1)
	}
	return p.d, nil
}

func (p *phrase) done() bool { return p.pos >= len(p.toks) }

func (p *phrase) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *phrase) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *phrase) clause() error {
	switch tok := p.peek(); {
	case tok == "and" || tok == ",":
		p.pos++
		return nil
	case tok == "every":
		p.pos++
		if isDayWord(p.peek()) {
			return p.dayList()
		}
		return p.everyClause()
	case tok == "daily":
		p.pos++
		return p.setInterval(0, 0, 0, "hour", true)
	case tok == "hourly":
		p.pos++
		return p.setInterval(0, 0, 1, "hour", false)
	case tok == "at":
		p.pos++
		return p.timeClause()
	case tok == "on":
		p.pos++
		return p.dayList()
	case tok == "in":
		p.pos++
		return p.monthList()
	case isDayWord(tok):
		return p.dayList()
	default:
		return fmt.Errorf("unexpected %q", tok)
	}
}

func (p *phrase) everyClause() error {
	n := 1
	if v, err := strconv.Atoi(p.peek()); err == nil {
		p.pos++
		n = v
		if n <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	}
	unit := strings.TrimSuffix(p.next(), "s")
	switch unit {
	case "second", "sec":
		if n > 59 {
			return fmt.Errorf("every %d seconds does not divide a minute", n)
		}
		return p.setInterval(n, 0, 0, unit, false)
	case "minute", "min":
		if n > 59 {
			return fmt.Errorf("every %d minutes does not divide an hour", n)
		}
		return p.setInterval(0, n, 0, unit, false)
	case "hour":
		if n > 23 {
			return fmt.Errorf("every %d hours does not divide a day", n)
		}
		return p.setInterval(0, 0, n, unit, false)
	case "day":
		if n != 1 {
			return fmt.Errorf("only \"every day\" is supported")
		}
		return p.setInterval(0, 0, 0, unit, true)
	case "":
		return fmt.Errorf("missing unit after \"every\"")
	default:
		return fmt.Errorf("unknown unit %q", unit)
	}
}

// setInterval applies an "every N unit" clause. Exactly one of sec/min/hour
// is non-zero; finer fields are pinned to 0. daily leaves time-of-day to a
// later "at" clause (midnight when there is none).
func (p *phrase) setInterval(sec, min, hour int, unit string, daily bool) error {
	if p.interval {
		return fmt.Errorf("more than one interval")
	}
	if daily {
		// "every day" only restricts days (not at all); keep looking for "at".
		p.days = true
		return nil
	}
	if p.atTime {
		return fmt.Errorf("every %s cannot be combined with a time of day", unit)
	}
	p.interval = true
	switch {
	case sec > 0:
		p.d.seconds = rangeSet(0, 59, sec)
	case min > 0:
		p.d.seconds = rangeSet(0, 0, 1)
		p.d.minutes = rangeSet(0, 59, min)
	case hour > 0:
		p.d.seconds = rangeSet(0, 0, 1)
		p.d.minutes = rangeSet(0, 0, 1)
		p.d.hours = rangeSet(0, 23, hour)
	}
	return nil
}

func (p *phrase) timeClause() error {
	if p.atTime {
		return fmt.Errorf("more than one time of day")
	}
	if p.interval {
		return fmt.Errorf("a time of day cannot be combined with an interval")
	}
	tok := p.next()
	if tok == "" {
		return fmt.Errorf("missing time after \"at\"")
	}

	var h, m, s int
	switch tok {
	case "noon":
		h = 12
	case "midnight":
		h = 0
	default:
		suffix := ""
		for _, sfx := range []string{"am", "pm"} {
			if strings.HasSuffix(tok, sfx) {
				suffix = sfx
				tok = strings.TrimSuffix(tok, sfx)
				break
			}
		}
		if suffix == "" && (p.peek() == "am" || p.peek() == "pm") {
			suffix = p.next()
		}
		var err error
		h, m, s, err = parseClock(tok)
		if err != nil {
			return err
		}
		if suffix != "" {
			if h < 1 || h > 12 {
				return fmt.Errorf("hour %d is not valid with %s", h, suffix)
			}
			h %= 12
			if suffix == "pm" {
				h += 12
			}
		}
	}

	p.atTime = true
	p.d.seconds = rangeSet(s, s, 1)
	p.d.minutes = rangeSet(m, m, 1)
	p.d.hours = rangeSet(h, h, 1)
	return nil
}

// parseClock parses H, HH:MM or HH:MM:SS.
func parseClock(tok string) (h, m, s int, err error) {
	parts := strings.Split(tok, ":")
	if len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid time %q", tok)
	}
	vals := make([]int, 3)
	for i, part := range parts {
		if part == "" || len(part) > 2 || (i > 0 && len(part) != 2) {
			return 0, 0, 0, fmt.Errorf("invalid time %q", tok)
		}
		v, convErr := strconv.Atoi(part)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("invalid time %q", tok)
		}
		vals[i] = v
	}
	h, m, s = vals[0], vals[1], vals[2]
	if h > 23 || m > 59 || s > 59 {
		return 0, 0, 0, fmt.Errorf("time %q out of range", tok)
	}
	return h, m, s, nil
}

func isDayWord(tok string) bool {
	if _, ok := weekdays[tok]; ok {
		return true
	}
	switch tok {
	case "weekday", "weekdays", "weekend", "weekends":
		return true
	}
	return false
}

func (p *phrase) dayList() error {
	if p.days && !p.d.dowStar {
		return fmt.Errorf("more than one set of days")
	}
	set, err := p.list(func(tok string) (bitset, bool) {
		switch tok {
		case "weekday", "weekdays":
			return rangeSet(1, 5, 1), true
		case "weekend", "weekends":
			var b bitset
			b.set(0)
			b.set(6)
			return b, true
		}
		v, ok := weekdays[tok]
		if !ok {
			return bitset{}, false
		}
		return rangeSet(v, v, 1), true
	}, weekdays)
	if err != nil {
		return err
	}
	p.days = true
	p.d.dow = set
	p.d.dowStar = false
	return nil
}

func (p *phrase) monthList() error {
	if p.inMonths {
		return fmt.Errorf("more than one set of months")
	}
	set, err := p.list(func(tok string) (bitset, bool) {
		v, ok := months[tok]
		if !ok {
			return bitset{}, false
		}
		return rangeSet(v, v, 1), true
	}, months)
	if err != nil {
		return err
	}
	p.inMonths = true
	p.d.months = set
	return nil
}

// list consumes "x [through y] [and|, z ...]" where single items come from
// one and range endpoints are looked up in names.
func (p *phrase) list(one func(string) (bitset, bool), names map[string]int) (bitset, error) {
	var out bitset
	items := 0
	for !p.done() {
		tok := p.peek()
		if tok == "and" || tok == "," {
			// Only a separator if another item follows.
			if p.pos+1 < len(p.toks) {
				if _, ok := one(p.toks[p.pos+1]); ok {
					p.pos++
					continue
				}
			}
			break
		}
		b, ok := one(tok)
		if !ok {
			break
		}
		p.pos++
		items++

		switch p.peek() {
		case "through", "thru", "to", "-":
			p.pos++
			endTok := p.next()
			lo, okLo := names[tok]
			hi, okHi := names[endTok]
			if !okLo || !okHi {
				return bitset{}, fmt.Errorf("invalid range %s to %s", tok, endTok)
			}
			b = wrapRange(lo, hi, names)
		}
		out = out.or(b)
	}
	if items == 0 {
		return bitset{}, fmt.Errorf("expected a day or month after %q", p.toks[max(0, p.pos-1)])
	}
	return out, nil
}

// wrapRange builds lo..hi, wrapping around the end of the cycle
// ("friday through monday", "november through february").
func wrapRange(lo, hi int, names map[string]int) bitset {
	first, last := 0, 6
	if _, isMonth := names["january"]; isMonth {
		first, last = 1, 12
	}
	if lo <= hi {
		return rangeSet(lo, hi, 1)
	}
	return rangeSet(lo, last, 1).or(rangeSet(first, hi, 1))
}
