package budget

import (
	"strings"
	"testing"
	"time"

	"github.com/tinabots/tina/internal/provider"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordAccumulates(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir, 0, WithNowFunc(fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))))

	usage := provider.Usage{InputTokens: 1000, OutputTokens: 500}
	if err := tr.Record("ab12cd34", "gpt-4o", usage, 0.0075); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record("ab12cd34", "gpt-4o", usage, 0.0075); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if got := tr.TaskCost("ab12cd34"); got != 0.015 {
		t.Errorf("TaskCost = %v, want 0.015", got)
	}
	if got := tr.DailyCost(); got != 0.015 {
		t.Errorf("DailyCost = %v, want 0.015", got)
	}
	if got := tr.TaskCost("other"); got != 0 {
		t.Errorf("unrelated task cost = %v", got)
	}
}

func TestSpendSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	tr := NewTracker(dir, 0, WithNowFunc(clock))
	if err := tr.Record("ab12cd34", "gpt-4o", provider.Usage{InputTokens: 100}, 0.01); err != nil {
		t.Fatal(err)
	}

	fresh := NewTracker(dir, 0, WithNowFunc(clock))
	if got := fresh.TaskCost("ab12cd34"); got != 0.01 {
		t.Errorf("TaskCost after reload = %v, want 0.01", got)
	}
	if got := fresh.DailyCost(); got != 0.01 {
		t.Errorf("DailyCost after reload = %v, want 0.01", got)
	}
}

func TestDailyLimit(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir, 1.0, WithNowFunc(fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))))

	if _, exhausted := tr.CheckDaily(); exhausted {
		t.Fatal("fresh day should not be exhausted")
	}
	if err := tr.Record("t1", "gpt-4o", provider.Usage{}, 0.75); err != nil {
		t.Fatal(err)
	}
	remaining, exhausted := tr.CheckDaily()
	if exhausted || remaining != 0.25 {
		t.Fatalf("remaining = %v exhausted = %v, want 0.25 false", remaining, exhausted)
	}
	if err := tr.Record("t1", "gpt-4o", provider.Usage{}, 0.30); err != nil {
		t.Fatal(err)
	}
	if _, exhausted := tr.CheckDaily(); !exhausted {
		t.Fatal("over-limit day should be exhausted")
	}
}

func TestNoLimitNeverExhausts(t *testing.T) {
	tr := NewTracker(t.TempDir(), 0)
	if err := tr.Record("t1", "gpt-4o", provider.Usage{}, 1000); err != nil {
		t.Fatal(err)
	}
	if _, exhausted := tr.CheckDaily(); exhausted {
		t.Fatal("unlimited tracker must never exhaust")
	}
}

func TestDayRollover(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	tr := NewTracker(dir, 0, WithNowFunc(func() time.Time { return now }))

	if err := tr.Record("t1", "gpt-4o", provider.Usage{}, 0.5); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute) // next day
	if got := tr.DailyCost(); got != 0 {
		t.Errorf("next day's cost = %v, want 0", got)
	}
	if got := tr.TaskCost("t1"); got != 0.5 {
		t.Errorf("task cost = %v, want 0.5", got)
	}
}

func TestSummary(t *testing.T) {
	tr := NewTracker(t.TempDir(), 2.0, WithNowFunc(fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))))
	if err := tr.Record("ab12cd34", "gpt-4o", provider.Usage{}, 0.5); err != nil {
		t.Fatal(err)
	}
	s := tr.Summary("ab12cd34")
	for _, want := range []string{"ab12cd34", "$0.5000", "1 call(s)", "Daily limit: $2.00", "$1.5000 remaining"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}
