// Package schedule evaluates the maintenance-window cron expression that
// gates when the controller may admit new updates.
//
// Expressions carry seven fields (second minute hour day-of-month month
// day-of-week year) and are interpreted in UTC. The first six fields are
// handled by robfig/cron; the trailing year field is matched separately since
// the standard parsers stop at day-of-week.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Default permits updates at any time.
const Default = "* * * * * * *"

// Years outside this span are rejected, mirroring common cron conventions.
const (
	minYear = 1970
	maxYear = 2099
)

var sixFieldParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// legacyTimeRE matches the HH:MM:SS values accepted by the legacy
// UPDATE_WINDOW_START / UPDATE_WINDOW_STOP configuration.
var legacyTimeRE = regexp.MustCompile(`^(2[0-3]|[01]?[0-9]):([0-5]?[0-9]):([0-5]?[0-9])$`)

// Schedule is a parsed maintenance-window expression.
//
// An expression is either windowed (consecutive fire points one second apart,
// e.g. "* * 9-17 * * * *") or a one-shot trigger (e.g. "0 0 10 * * Mon *").
// A windowed schedule permits admissions only while the current instant is
// inside the window; a one-shot schedule permits admissions at every instant,
// whether or not its trigger time has passed.
type Schedule struct {
	expr     string
	inner    cron.Schedule
	years    yearSet
	windowed bool
}

// Parse parses a seven-field cron expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 7 {
		return nil, fmt.Errorf("expression %q must have 7 fields (seconds through year), got %d", expr, len(fields))
	}

	inner, err := sixFieldParser.Parse(strings.Join(fields[:6], " "))
	if err != nil {
		return nil, fmt.Errorf("parsing expression %q: %w", expr, err)
	}

	years, err := parseYears(fields[6])
	if err != nil {
		return nil, fmt.Errorf("parsing year field of %q: %w", expr, err)
	}

	s := &Schedule{expr: expr, inner: inner, years: years}
	s.windowed = s.isWindowed(time.Now().UTC())

	return s, nil
}

// FromLegacyWindow converts a start/stop HH:MM:SS pair into an hour-window
// cron expression. Overnight windows wrap through midnight, e.g. 18:00:00 to
// 05:00:00 becomes "* * 18-23,0-5 * * * *". Only the hour components
// participate; the legacy configuration never had finer granularity.
func FromLegacyWindow(start, stop string) (string, error) {
	if !legacyTimeRE.MatchString(start) || !legacyTimeRE.MatchString(stop) {
		return "", fmt.Errorf("legacy window %q-%q must use HH:MM:SS", start, stop)
	}

	startHour, _ := strconv.Atoi(strings.SplitN(start, ":", 2)[0])
	stopHour, _ := strconv.Atoi(strings.SplitN(stop, ":", 2)[0])

	if startHour <= stopHour {
		return fmt.Sprintf("* * %d-%d * * * *", startHour, stopHour), nil
	}

	return fmt.Sprintf("* * %d-23,0-%d * * * *", startHour, stopHour), nil
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// Windowed reports whether the expression describes a maintenance window
// rather than a one-shot trigger time.
func (s *Schedule) Windowed() bool { return s.windowed }

// Next returns the first permitted instant strictly after t, or the zero time
// if the year field exhausts without a match.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.UTC()

	for i := 0; i < maxYear-minYear+1; i++ {
		n := s.inner.Next(t)
		if n.IsZero() {
			return time.Time{}
		}

		if s.years.contains(n.Year()) {
			return n
		}

		year, ok := s.years.nextFrom(n.Year() + 1)
		if !ok {
			return time.Time{}
		}

		// Resume the scan one second before the first instant of the next
		// candidate year.
		t = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	}

	return time.Time{}
}

// Includes reports whether t (truncated to the second) is itself a permitted
// instant.
func (s *Schedule) Includes(t time.Time) bool {
	tick := t.UTC().Truncate(time.Second)
	return s.Next(tick.Add(-time.Second)).Equal(tick)
}

// UpdatesPermitted reports whether new updates may be admitted at t. Windowed
// schedules close when t falls outside the window; one-shot schedules report
// true for every t, so their trigger time does not gate admissions.
func (s *Schedule) UpdatesPermitted(t time.Time) bool {
	if s.windowed {
		return s.Includes(t)
	}

	return true
}

// isWindowed probes the spacing of the next two fire points: one second apart
// means the expression describes a continuous window.
func (s *Schedule) isWindowed(from time.Time) bool {
	first := s.Next(from)
	if first.IsZero() {
		return false
	}

	second := s.Next(first)
	if second.IsZero() {
		return false
	}

	return second.Sub(first) == time.Second
}

// yearSet is the parsed year field. A nil set matches every year.
type yearSet map[int]struct{}

func (ys yearSet) contains(year int) bool {
	if ys == nil {
		return true
	}

	_, ok := ys[year]

	return ok
}

// nextFrom returns the smallest matching year >= from.
func (ys yearSet) nextFrom(from int) (int, bool) {
	if ys == nil {
		if from > maxYear {
			return 0, false
		}

		return from, true
	}

	for y := from; y <= maxYear; y++ {
		if _, ok := ys[y]; ok {
			return y, true
		}
	}

	return 0, false
}

func parseYears(field string) (yearSet, error) {
	if field == "*" {
		return nil, nil
	}

	years := yearSet{}

	for _, term := range strings.Split(field, ",") {
		lo, hi, step := minYear, maxYear, 1

		rangePart := term
		if slash := strings.IndexByte(term, '/'); slash >= 0 {
			rangePart = term[:slash]

			parsed, err := strconv.Atoi(term[slash+1:])
			if err != nil || parsed < 1 {
				return nil, fmt.Errorf("invalid step in year term %q", term)
			}
			step = parsed
		}

		switch {
		case rangePart == "*":
			// Full range with the step applied.
		case strings.Contains(rangePart, "-"):
			parts := strings.SplitN(rangePart, "-", 2)

			var err error
			if lo, err = strconv.Atoi(parts[0]); err != nil {
				return nil, fmt.Errorf("invalid year range %q", term)
			}
			if hi, err = strconv.Atoi(parts[1]); err != nil {
				return nil, fmt.Errorf("invalid year range %q", term)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid year term %q", term)
			}
			lo, hi = n, n
		}

		if lo < minYear || hi > maxYear || lo > hi {
			return nil, fmt.Errorf("year term %q outside %d-%d", term, minYear, maxYear)
		}

		for y := lo; y <= hi; y += step {
			years[y] = struct{}{}
		}
	}

	return years, nil
}
