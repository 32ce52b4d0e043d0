package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()

	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}

	return s
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"* * * * * *",
		"* * * * * * * *",
		"",
	} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestParseRejectsBadYears(t *testing.T) {
	for _, expr := range []string{
		"* * * * * * 1969",
		"* * * * * * 2100",
		"* * * * * * abc",
		"* * * * * * 2030-2020",
	} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestDefaultScheduleAlwaysPermitsUpdates(t *testing.T) {
	s := mustParse(t, Default)

	for _, tt := range []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2031, 7, 19, 23, 59, 59, 0, time.UTC),
	} {
		if !s.UpdatesPermitted(tt) {
			t.Errorf("UpdatesPermitted(%v) = false for the default schedule", tt)
		}
	}
}

func TestWindowedScheduleBoundaries(t *testing.T) {
	// Daily window from 09:00:00 to 16:59:59 UTC.
	s := mustParse(t, "* * 9-16 * * * *")

	if !s.Windowed() {
		t.Fatal("expected a windowed schedule")
	}

	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2031, 3, 10, 8, 59, 59, 0, time.UTC), false},
		{time.Date(2031, 3, 10, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2031, 3, 10, 12, 30, 0, 0, time.UTC), true},
		{time.Date(2031, 3, 10, 16, 59, 59, 0, time.UTC), true},
		{time.Date(2031, 3, 10, 17, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		if got := s.UpdatesPermitted(tt.at); got != tt.want {
			t.Errorf("UpdatesPermitted(%v) = %t, want %t", tt.at, got, tt.want)
		}
	}
}

func TestOneshotScheduleNeverDiscontinues(t *testing.T) {
	// Every Monday at 10:00:00.
	s := mustParse(t, "0 0 10 * * MON *")

	if s.Windowed() {
		t.Fatal("expected a one-shot schedule")
	}

	at := time.Date(2031, 3, 11, 3, 0, 0, 0, time.UTC)
	if !s.UpdatesPermitted(at) {
		t.Error("one-shot schedules should never discontinue an update round")
	}
}

func TestNextHonorsYearField(t *testing.T) {
	s := mustParse(t, "0 0 0 1 1 * 2040")

	from := time.Date(2031, 6, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := s.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestNextExhaustedYearsReturnsZero(t *testing.T) {
	s := mustParse(t, "0 0 0 1 1 * 2031")

	from := time.Date(2032, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := s.Next(from); !got.IsZero() {
		t.Errorf("Next(%v) = %v, want zero time", from, got)
	}
}

func TestIncludes(t *testing.T) {
	s := mustParse(t, "* * 9-16 * * * *")

	inside := time.Date(2031, 3, 10, 9, 0, 0, 500_000_000, time.UTC)
	if !s.Includes(inside) {
		t.Error("Includes should truncate to the second and match inside the window")
	}

	outside := time.Date(2031, 3, 10, 8, 0, 0, 0, time.UTC)
	if s.Includes(outside) {
		t.Error("Includes matched outside the window")
	}
}

func TestFromLegacyWindow(t *testing.T) {
	tests := []struct {
		start, stop string
		want        string
	}{
		{"0:0:0", "5:0:0", "* * 0-5 * * * *"},
		{"09:00:00", "21:00:00", "* * 9-21 * * * *"},
		{"21:0:0", "8:30:0", "* * 21-23,0-8 * * * *"},
		{"15:0:0", "3:30:34", "* * 15-23,0-3 * * * *"},
	}

	for _, tt := range tests {
		got, err := FromLegacyWindow(tt.start, tt.stop)
		if err != nil {
			t.Errorf("FromLegacyWindow(%q, %q): %v", tt.start, tt.stop, err)
			continue
		}

		if got != tt.want {
			t.Errorf("FromLegacyWindow(%q, %q) = %q, want %q", tt.start, tt.stop, got, tt.want)
		}

		if _, err := Parse(got); err != nil {
			t.Errorf("converted expression %q does not parse: %v", got, err)
		}
	}
}

func TestFromLegacyWindowRejectsBadTimes(t *testing.T) {
	for _, tt := range []struct{ start, stop string }{
		{"24:00:00", "05:00:00"},
		{"morning", "17:00:00"},
		{"09:00", "17:00"},
		{"", ""},
	} {
		if _, err := FromLegacyWindow(tt.start, tt.stop); err == nil {
			t.Errorf("FromLegacyWindow(%q, %q) succeeded, want error", tt.start, tt.stop)
		}
	}
}
