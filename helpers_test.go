package mpsteer

import (
	"net/netip"

	"github.com/iti/evt/evtm"
)

// createSched gives each test its own virtual timeline
func createSched() *EvtScheduler {
	return CreateEvtScheduler(evtm.New())
}

// scriptedRand is a RandSource that plays back fixed samples.  Once a script
// runs out RandInt returns lo and RandU01 returns 0.5.
type scriptedRand struct {
	ints []int
	u01s []float64
	ni   int
	nu   int
}

func (sr *scriptedRand) RandInt(lo, hi int) int {
	if sr.ni >= len(sr.ints) {
		return lo
	}
	v := sr.ints[sr.ni]
	sr.ni += 1
	if v < lo || v > hi {
		panic("scripted sample outside requested range")
	}
	return v
}

func (sr *scriptedRand) RandU01() float64 {
	if sr.nu >= len(sr.u01s) {
		return 0.5
	}
	v := sr.u01s[sr.nu]
	sr.nu += 1
	return v
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func mustPath(hops ...int) PathID {
	id, err := EncodePath(hops)
	if err != nil {
		panic(err)
	}
	return id
}

// eventLog is an EventSink that keeps everything it is given
type eventLog struct {
	completed []ProbeResult
	timedOut  []ProbeTimeout
	epochs    []EpochChange
}

func (el *eventLog) ProbeCompleted(pr ProbeResult)       { el.completed = append(el.completed, pr) }
func (el *eventLog) ProbeTimedOut(pt ProbeTimeout)       { el.timedOut = append(el.timedOut, pt) }
func (el *eventLog) PathEpochIncremented(ec EpochChange) { el.epochs = append(el.epochs, ec) }

// fixedRand is a RandSource that always returns the same samples
type fixedRand struct {
	u float64
}

func (fr fixedRand) RandInt(lo, hi int) int { return lo }
func (fr fixedRand) RandU01() float64       { return fr.u }
