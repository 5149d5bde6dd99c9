package mpsteer

import (
	"testing"
	"time"
)

func TestEvtSchedulerOrder(t *testing.T) {
	es := createSched()
	got := make([]string, 0)
	record := func(s string) func() { return func() { got = append(got, s) } }

	es.ScheduleAfter(2e-3, record("c"))
	es.ScheduleAfter(1e-3, record("a"))
	es.ScheduleAfter(1e-3, record("b"))
	es.ScheduleNow(func() {
		got = append(got, "now")
		// same-time callbacks scheduled from a callback run after those already queued
		es.ScheduleNow(record("now2"))
	})
	es.Run(1.0)

	want := []string{"now", "now2", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expecting %v, got %v", want, got)
	}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Errorf("position %d: expecting %s, got %s", idx, want[idx], got[idx])
		}
	}
	if es.Now() != 1.0 {
		t.Errorf("expecting clock at the run limit, got %v", es.Now())
	}
}

func TestEvtSchedulerTimes(t *testing.T) {
	es := createSched()

	times := make([]float64, 0)
	es.ScheduleAfter(1e-3, func() { times = append(times, es.Now()) })
	es.ScheduleAfter(3e-3, func() {
		times = append(times, es.Now())
		es.ScheduleAfter(1e-3, func() { times = append(times, es.Now()) })
	})
	es.Run(1.0)

	want := []float64{1e-3, 3e-3, 4e-3}
	if len(times) != len(want) {
		t.Fatalf("expecting firings at %v, got %v", want, times)
	}
	for idx := range want {
		if diff := times[idx] - want[idx]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("firing %d: expecting %v, got %v", idx, want[idx], times[idx])
		}
	}
}

func TestEvtSchedulerCancel(t *testing.T) {
	es := createSched()
	fired := 0
	h := es.ScheduleAfter(1e-3, func() { fired += 1 })
	keep := es.ScheduleAfter(2e-3, func() { fired += 10 })

	es.Cancel(h)
	es.Cancel(h)
	es.Cancel(0)
	if es.Pending() != 1 {
		t.Errorf("expecting 1 pending, got %d", es.Pending())
	}
	es.Run(5e-3)
	es.Cancel(keep)
	if fired != 10 {
		t.Errorf("expecting only the kept callback, got %d", fired)
	}

	// Run stops at its limit
	es.ScheduleAfter(1.0, func() { fired += 100 })
	es.Run(es.Now() + 0.5)
	if fired != 10 || es.Pending() != 1 {
		t.Errorf("callback beyond the limit ran, fired=%d pending=%d", fired, es.Pending())
	}
	es.Run(2.0)
	if fired != 110 || es.Pending() != 0 {
		t.Errorf("expecting the remaining callback to run, fired=%d pending=%d", fired, es.Pending())
	}
}

func TestWallclockScheduler(t *testing.T) {
	es := CreateWallclockScheduler()

	// a periodic callback keeps the event list busy up to the run limit
	ticks := 0
	var tick func()
	tick = func() {
		ticks += 1
		es.ScheduleAfter(1e-3, tick)
	}
	es.ScheduleNow(tick)

	external := make(chan float64, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		es.ScheduleNow(func() { external <- es.Now() })
	}()

	start := time.Now()
	es.Run(0.05)
	elapsed := time.Since(start)

	if elapsed < 40*time.Millisecond {
		t.Errorf("run should be paced by the wall clock, took %v", elapsed)
	}
	if ticks < 40 {
		t.Errorf("expecting about 50 ticks, got %d", ticks)
	}
	select {
	case at := <-external:
		if at > 0.05 {
			t.Errorf("callback from another goroutine ran at %v, after the limit", at)
		}
	default:
		t.Errorf("callback scheduled from another goroutine never ran")
	}
}
