package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestScheduler(t *testing.T, tz string, grace time.Duration) *Scheduler {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s, err := New(tz, grace, log)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestParseClock(t *testing.T) {
	hour, minute, err := parseClock("06:30")
	if err != nil || hour != 6 || minute != 30 {
		t.Fatalf("parseClock = %d:%d, %v", hour, minute, err)
	}

	for _, bad := range []string{"630", "24:00", "12:60", "ab:cd", ""} {
		if _, _, err := parseClock(bad); err == nil {
			t.Fatalf("parseClock(%q) should fail", bad)
		}
	}
}

func TestNextOccurrence(t *testing.T) {
	s := newTestScheduler(t, "UTC", 0)
	tr := trigger{hour: 6, minute: 0}

	before := time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)
	got := s.nextOccurrence(tr, before)
	want := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next = %v, want same day", got)
	}

	after := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	got = s.nextOccurrence(tr, after)
	want = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next = %v, want next day", got)
	}

	// the scheduled minute itself rolls to the next day
	exact := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	got = s.nextOccurrence(tr, exact)
	if !got.Equal(want) {
		t.Fatalf("next at exact time = %v, want next day", got)
	}
}

func TestNextOccurrenceTimezone(t *testing.T) {
	s := newTestScheduler(t, "America/New_York", 0)
	tr := trigger{hour: 6, minute: 0}

	// 10:00 UTC in March is 05:00 in New York, before the trigger
	now := time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)
	got := s.nextOccurrence(tr, now)

	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 3, 20, 6, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}

func TestShouldFireGraceWindow(t *testing.T) {
	s := newTestScheduler(t, "UTC", 300*time.Second)
	scheduled := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	if !s.shouldFire(scheduled, scheduled) {
		t.Fatalf("on-time fire rejected")
	}
	if !s.shouldFire(scheduled, scheduled.Add(299*time.Second)) {
		t.Fatalf("fire within grace rejected")
	}
	if !s.shouldFire(scheduled, scheduled.Add(300*time.Second)) {
		t.Fatalf("fire at exact grace boundary rejected")
	}
	if s.shouldFire(scheduled, scheduled.Add(301*time.Second)) {
		t.Fatalf("fire past grace accepted")
	}
}

func TestDispatchDoesNotSerializeTriggers(t *testing.T) {
	s := newTestScheduler(t, "UTC", 300*time.Second)
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	// first trigger blocks until the second has run; only concurrent
	// dispatch lets both finish
	release := make(chan struct{})
	discovery := trigger{name: "discovery", run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	generation := trigger{name: "generation", run: func(ctx context.Context) error {
		close(release)
		return nil
	}}

	var running sync.WaitGroup
	s.dispatch(context.Background(), discovery, now, now, &running)
	s.dispatch(context.Background(), generation, now, now, &running)

	done := make(chan struct{})
	go func() {
		running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("triggers did not run concurrently")
	}
}

func TestDispatchDropsLateFire(t *testing.T) {
	s := newTestScheduler(t, "UTC", 300*time.Second)
	scheduled := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	fired := make(chan struct{}, 1)
	tr := trigger{name: "discovery", run: func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}}

	var running sync.WaitGroup
	s.dispatch(context.Background(), tr, scheduled, scheduled.Add(301*time.Second), &running)
	running.Wait()
	select {
	case <-fired:
		t.Fatalf("trigger fired past the grace window")
	default:
	}
}

func TestAddRejectsBadTimes(t *testing.T) {
	s := newTestScheduler(t, "UTC", 0)
	err := s.Add("discovery", []string{"06:00", "25:00"}, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected error for invalid time")
	}
}

func TestNewBadTimezone(t *testing.T) {
	log := logrus.New()
	if _, err := New("Mars/Olympus", 0, log); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
