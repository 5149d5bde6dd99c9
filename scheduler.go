package mpsteer

// scheduler.go holds the scheduling capability the core is written against and
// its binding to the evtm discrete-event manager.  The same manager serves the
// virtual timeline of simulation and tests, and, switched to wallclock and
// external mode, the real-time loop that socket readers schedule onto.
// Callbacks run one at a time on the goroutine running the manager, so the
// per-flow tables need no locking as long as every mutation is made from a callback.

import (
	"sync"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Handle identifies a scheduled callback.  The zero Handle names nothing.
type Handle uint64

// Scheduler is the hosting environment's event capability.  Cancel is idempotent:
// cancelling a callback that already ran, or was already cancelled, does nothing.
// Callbacks scheduled for the same instant run in the order they were scheduled.
type Scheduler interface {
	// ScheduleAfter arranges for fn to run delay seconds from now
	ScheduleAfter(delay float64, fn func()) Handle

	// ScheduleNow arranges for fn to run at the current time, after
	// callbacks already scheduled for it
	ScheduleNow(fn func()) Handle

	Cancel(h Handle)

	// Now returns the current time in seconds
	Now() float64
}

// EvtScheduler adapts an evtm.EventManager.  A Handle is the evtm event id.
// evtm gives every event scheduled with a zero priority the next value of a
// counter, so events at the same tick run in scheduling order.
type EvtScheduler struct {
	evtMgr *evtm.EventManager

	// serializes calls into the manager's scheduling side, which other
	// goroutines reach in external mode
	mu sync.Mutex
}

// CreateEvtScheduler is a constructor
func CreateEvtScheduler(evtMgr *evtm.EventManager) *EvtScheduler {
	es := new(EvtScheduler)
	es.evtMgr = evtMgr
	return es
}

// CreateWallclockScheduler builds an event manager that paces virtual time against
// the wall clock and, when its event list empties, waits for another goroutine
// to schedule an event rather than returning.
func CreateWallclockScheduler() *EvtScheduler {
	evtMgr := evtm.New()
	evtMgr.SetWallclock(true)
	evtMgr.SetExternal(true)
	return CreateEvtScheduler(evtMgr)
}

// EventManager returns the wrapped event manager
func (es *EvtScheduler) EventManager() *evtm.EventManager {
	return es.evtMgr
}

// ScheduleAfter implements Scheduler
func (es *EvtScheduler) ScheduleAfter(delay float64, fn func()) Handle {
	if delay < 0.0 {
		delay = 0.0
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	eventID, _ := es.evtMgr.Schedule(es, fn, fireEvtCallback, vrtime.SecondsToTime(delay))
	return Handle(eventID)
}

// ScheduleNow implements Scheduler
func (es *EvtScheduler) ScheduleNow(fn func()) Handle {
	return es.ScheduleAfter(0.0, fn)
}

// Cancel implements Scheduler.  The event is taken off the event list; evtm's
// CancelEvent is not used since it asserts the list's internal entry to be an Event.
func (es *EvtScheduler) Cancel(h Handle) {
	if h == 0 {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	es.evtMgr.RemoveEvent(int(h))
}

// Now implements Scheduler
func (es *EvtScheduler) Now() float64 {
	return es.evtMgr.CurrentSeconds()
}

// Pending returns the number of callbacks waiting to run
func (es *EvtScheduler) Pending() int {
	return es.evtMgr.EventList.Len()
}

// Run dispatches events until the next one lies beyond limit, or none remain;
// the clock is then left at limit.  A run ends once the clock reaches limit, so
// events due exactly at limit after the first of them wait for the next Run.
func (es *EvtScheduler) Run(limit float64) {
	es.evtMgr.Run(limit)
}

// fireEvtCallback is the event handler behind every EvtScheduler callback
func fireEvtCallback(evtMgr *evtm.EventManager, cxt any, data any) any {
	fn := data.(func())
	fn()
	return nil
}
