package mpsteer

// sender.go ties path selection to the Flow Bender signal for one flow.  The
// flow's path epoch is folded into the flow id handed to the selector, so an
// epoch increment names a fresh binding.  While the switch is under way new
// packets are held in a PauseBuffer and released, in order, on the new path.

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// TransmitFunc puts a packet, with its header, onto the wire
type TransmitFunc func(pckt any, meta PacketMeta)

// SteeredSender is the sending side of one flow
type SteeredSender struct {
	Name   string
	flowID uint32
	sel    PathSelector
	est    *CongestionEstimator
	buf    *PauseBuffer
	sched  Scheduler
	xmit   TransmitFunc
	trace  *TraceManager

	epoch      uint64 // epoch the current binding was made under
	paused     bool
	resumeHndl Handle

	// Switches counts completed path changes, Dropped packets the selector refused
	Switches int
	Dropped  int
}

// CreateSteeredSender is a constructor
func CreateSteeredSender(name string, flowID uint32, sel PathSelector, est *CongestionEstimator,
	sched Scheduler, xmit TransmitFunc) *SteeredSender {

	if wpt, isDRB := sel.(*WeightedPathTable); isDRB && wpt.Mode() == PerDest {
		log.WithFields(logrus.Fields{"sender": name, "table": wpt.Name}).
			Warn("per-destination binding ignores the path epoch")
	}

	ss := new(SteeredSender)
	ss.Name = name
	ss.flowID = flowID
	ss.sel = sel
	ss.est = est
	ss.buf = CreatePauseBuffer()
	ss.sched = sched
	ss.xmit = xmit
	return ss
}

// SetTrace makes the sender record its pauses and resumptions in tm
func (ss *SteeredSender) SetTrace(tm *TraceManager) {
	ss.trace = tm
}

// Paused reports whether the sender is holding packets for a path change
func (ss *SteeredSender) Paused() bool {
	return ss.paused
}

// Held returns the number of packets waiting in the pause buffer
func (ss *SteeredSender) Held() int {
	return ss.buf.Len()
}

// Epoch returns the epoch the current binding was made under
func (ss *SteeredSender) Epoch() uint64 {
	return ss.epoch
}

// Send transmits pckt, or holds it if the flow is changing path.  A no-route
// error from the selector is returned to the caller; nothing is retried here.
func (ss *SteeredSender) Send(pckt any, meta PacketMeta) error {
	if !ss.paused && ss.est.PathEpoch() != ss.epoch {
		ss.pause()
	}
	if ss.paused {
		ss.buf.Push(pckt, meta)
		return nil
	}
	return ss.transmit(pckt, meta)
}

// OnAck passes acknowledgment feedback to the flow's congestion estimator
func (ss *SteeredSender) OnAck(highestSent, ackNumber, ackedBytes uint64, marked bool) bool {
	return ss.est.OnAck(highestSent, ackNumber, ackedBytes, marked)
}

// transmit selects the path under the current epoch and hands the packet on
func (ss *SteeredSender) transmit(pckt any, meta PacketMeta) error {
	meta = meta.WithFlowID(ss.flowID)
	meta.Epoch = ss.epoch
	meta.ECT = true
	if _, err := ss.sel.SelectPath(&meta, ss.sched.Now()); err != nil {
		ss.Dropped += 1
		return fmt.Errorf("sender %s: %w", ss.Name, err)
	}
	ss.xmit(pckt, meta)
	return nil
}

// pause starts holding packets for the estimator's pause duration
func (ss *SteeredSender) pause() {
	ss.paused = true
	ss.resumeHndl = ss.sched.ScheduleAfter(ss.est.PauseDuration(), ss.resume)
	log.WithFields(logrus.Fields{"sender": ss.Name, "epoch": ss.est.PathEpoch()}).Debug("paused for path change")
	AddSteerTrace(ss.trace, ss.Name, "sender", &SteerTrace{Time: ss.sched.Now(), Op: "pause", Epoch: ss.est.PathEpoch()})
}

// resume adopts the current epoch and releases the held packets in order
func (ss *SteeredSender) resume() {
	ss.paused = false
	ss.epoch = ss.est.PathEpoch()
	ss.Switches += 1
	AddSteerTrace(ss.trace, ss.Name, "sender", &SteerTrace{Time: ss.sched.Now(), Op: "resume", Epoch: ss.epoch,
		Value: float64(ss.buf.Len())})

	for !ss.buf.IsEmpty() {
		item, _ := ss.buf.Pop()
		if err := ss.transmit(item.Pckt, item.Hdr); err != nil {
			log.WithFields(logrus.Fields{"sender": ss.Name, "err": err}).Warn("held packet not routable")
		}
	}
}

// Close cancels a pending resume; held packets are released at once
func (ss *SteeredSender) Close() {
	if ss.paused {
		ss.sched.Cancel(ss.resumeHndl)
		ss.resume()
	}
}
