package dispatcher

import (
	"testing"
	"time"
)

func TestNextFire_FiveField(t *testing.T) {
	after := time.Date(2030, 6, 1, 12, 2, 30, 0, time.UTC)

	next, err := NextFire("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}

	want := time.Date(2030, 6, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Errorf("next fire not in UTC: %v", next.Location())
	}
}

func TestNextFire_SixFieldSecondsPrecision(t *testing.T) {
	after := time.Date(2030, 6, 1, 12, 0, 10, 0, time.UTC)

	next, err := NextFire("*/30 * * * * *", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}

	want := time.Date(2030, 6, 1, 12, 0, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
}

func TestNextFire_DayOfWeekNames(t *testing.T) {
	// 2030-06-01 is a Saturday
	after := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	next, err := NextFire("0 9 * * MON", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}

	want := time.Date(2030, 6, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next fire = %v, want Monday %v", next, want)
	}
}

func TestNextFire_RangesAndLists(t *testing.T) {
	after := time.Date(2030, 6, 1, 10, 30, 0, 0, time.UTC)

	next, err := NextFire("0 9-11,15 * * *", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}

	want := time.Date(2030, 6, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
}

func TestNextFire_Invalid(t *testing.T) {
	cases := []string{
		"",
		"* *",
		"not a cron",
		"99 * * * *",
		"* * * * * * *",
	}

	for _, expr := range cases {
		if _, err := NextFire(expr, time.Now()); err == nil {
			t.Errorf("NextFire(%q) accepted an invalid expression", expr)
		}
	}
}

func TestPublishBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 120 * time.Second},
		{10, 120 * time.Second},
	}

	for _, tc := range cases {
		if got := publishBackoff(tc.attempt); got != tc.want {
			t.Errorf("publishBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
