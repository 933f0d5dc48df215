package window

import (
	"testing"
	"time"
)

func mustUTC(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return parsed.UTC()
}

func TestStartOfDay(t *testing.T) {
	tests := []struct {
		now  string
		want string
	}{
		// 2024-01-15 10:00 IST
		{now: "2024-01-15T04:30:00Z", want: "2024-01-14T18:30:00Z"},
		// exactly local midnight
		{now: "2024-01-14T18:30:00Z", want: "2024-01-14T18:30:00Z"},
		// one second before local midnight belongs to the previous local day
		{now: "2024-01-14T18:29:59Z", want: "2024-01-13T18:30:00Z"},
		// 23:00 UTC is already the next local day
		{now: "2024-01-15T23:00:00Z", want: "2024-01-15T18:30:00Z"},
	}
	for _, tt := range tests {
		got := StartOfDay(mustUTC(t, tt.now))
		if !got.Equal(mustUTC(t, tt.want)) {
			t.Fatalf("StartOfDay(%s) = %s, want %s", tt.now, got.Format(time.RFC3339), tt.want)
		}
		if got.Location() != time.UTC {
			t.Fatalf("expected UTC result, got %s", got.Location())
		}
	}
}

func TestStartOfWeekUsesSunday(t *testing.T) {
	// 2024-01-17 is a Wednesday in IST.
	now := mustUTC(t, "2024-01-17T06:00:00Z")
	day := StartOfDay(now)
	week := StartOfWeek(now)

	if got := day.Sub(week); got != 3*24*time.Hour {
		t.Fatalf("expected week start 3 days before day start, got %s", got)
	}
	if week.In(Local).Weekday() != time.Sunday {
		t.Fatalf("expected Sunday, got %s", week.In(Local).Weekday())
	}
	if !week.Equal(mustUTC(t, "2024-01-13T18:30:00Z")) {
		t.Fatalf("unexpected week start %s", week)
	}

	// On a Sunday the week starts the same day.
	sunday := mustUTC(t, "2024-01-14T10:00:00Z")
	if !StartOfWeek(sunday).Equal(StartOfDay(sunday)) {
		t.Fatalf("expected Sunday week start to equal day start")
	}
}

func TestStartOfWeekCrossesMonth(t *testing.T) {
	// 2024-03-02 (Saturday) local; week started Sunday 2024-02-25.
	now := mustUTC(t, "2024-03-02T12:00:00Z")
	want := mustUTC(t, "2024-02-24T18:30:00Z")
	if got := StartOfWeek(now); !got.Equal(want) {
		t.Fatalf("StartOfWeek = %s, want %s", got, want)
	}
}

func TestStartOfMonth(t *testing.T) {
	// 2024-01-31T20:00Z is 2024-02-01 01:30 IST.
	now := mustUTC(t, "2024-01-31T20:00:00Z")
	want := mustUTC(t, "2024-01-31T18:30:00Z")
	if got := StartOfMonth(now); !got.Equal(want) {
		t.Fatalf("StartOfMonth = %s, want %s", got, want)
	}
}

func TestBoundariesContainNow(t *testing.T) {
	start := mustUTC(t, "2023-12-25T00:00:00Z")
	for i := 0; i < 24*60; i++ {
		now := start.Add(time.Duration(i) * 17 * time.Minute)
		day := StartOfDay(now)
		end := NextDay(day)
		if now.Before(day) || !now.Before(end) {
			t.Fatalf("now %s outside [%s, %s)", now, day, end)
		}
		if StartOfWeek(now).After(day) || StartOfMonth(now).After(day) {
			t.Fatalf("week/month start after day start for %s", now)
		}
		if !Day(day).Contains(now) {
			t.Fatalf("day window does not contain %s", now)
		}
	}
}

func TestNextDayIsExactly24Hours(t *testing.T) {
	start := mustUTC(t, "2024-01-14T18:30:00Z")
	if got := NextDay(start); got.Sub(start) != 24*time.Hour {
		t.Fatalf("NextDay added %s", got.Sub(start))
	}
}

func TestParseLocalDate(t *testing.T) {
	got, ok := ParseLocalDate("2024-01-15")
	if !ok {
		t.Fatalf("expected date to parse")
	}
	if !got.Equal(mustUTC(t, "2024-01-14T18:30:00Z")) {
		t.Fatalf("ParseLocalDate = %s", got.Format(time.RFC3339))
	}

	// Overflowing days roll forward like calendar arithmetic.
	rolled, ok := ParseLocalDate("2024-02-30")
	if !ok || !rolled.Equal(mustUTC(t, "2024-02-29T18:30:00Z")) {
		t.Fatalf("expected 2024-02-30 to normalize to March 1, got %s ok=%t", rolled, ok)
	}
}

func TestParseLocalDateRejects(t *testing.T) {
	for _, raw := range []string{"", "2024-1-15", "15-01-2024", "2024/01/15", "2024-01-15T00:00", " 2024-01-15", "0000-01-01", "2024-00-10", "2024-01-00", "abcd-ef-gh"} {
		if _, ok := ParseLocalDate(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestRangeIsInclusiveOfBothDays(t *testing.T) {
	from, _ := ParseLocalDate("2024-01-10")
	to, _ := ParseLocalDate("2024-01-10")
	w := Range(from, to)
	if w.End.Sub(w.Start) != 24*time.Hour {
		t.Fatalf("single-day range should span 24h, got %s", w.End.Sub(w.Start))
	}
	if w.Contains(w.End) {
		t.Fatalf("window end must be exclusive")
	}
	if !w.Contains(w.Start) {
		t.Fatalf("window start must be inclusive")
	}
}

func TestLocalDate(t *testing.T) {
	if got := LocalDate(mustUTC(t, "2024-01-14T18:30:00Z")); got != "2024-01-15" {
		t.Fatalf("LocalDate = %s", got)
	}
}
