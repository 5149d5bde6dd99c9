package mpsteer

// flowbender.go implements passive ECN-ratio congestion detection (Flow Bender).
// Acknowledged bytes are split into ECN-echo marked and unmarked per round trip;
// when the marked fraction stays above threshold for enough consecutive round
// trips the path epoch is incremented, which tells the sender to move the flow.

import (
	"github.com/sirupsen/logrus"
)

// Flow Bender defaults
const (
	DefaultCongestionThreshold = 0.05
	DefaultRequiredWindows     = 1
	DefaultPauseDuration       = 100e-6
)

// FlowBenderCfg parameterizes a CongestionEstimator
type FlowBenderCfg struct {
	Name string `json:"name" yaml:"name"`

	// marked fraction above which a window counts as congested
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// consecutive congested windows that trigger a path change
	Windows int `json:"windows" yaml:"windows"`

	// seconds a sender holds traffic while it switches paths
	Pause float64 `json:"pause" yaml:"pause"`

	// DCTCP alpha gain
	Gain float64 `json:"gain" yaml:"gain"`
}

// withDefaults fills the zero fields of a FlowBenderCfg
func (fbc FlowBenderCfg) withDefaults() FlowBenderCfg {
	if !(fbc.Threshold > 0.0) {
		fbc.Threshold = DefaultCongestionThreshold
	}
	if fbc.Windows < 1 {
		fbc.Windows = DefaultRequiredWindows
	}
	if !(fbc.Pause > 0.0) {
		fbc.Pause = DefaultPauseDuration
	}
	if !(fbc.Gain > 0.0) {
		fbc.Gain = DefaultDctcpGain
	}
	return fbc
}

// CongestionEstimator accumulates a flow's acknowledgment feedback one round trip
// at a time and maintains the flow's path epoch
type CongestionEstimator struct {
	Name      string
	threshold float64
	required  int
	pause     float64

	highTxMark  uint64
	totalBytes  uint64
	markedBytes uint64
	consecutive int
	epoch       uint64
	windows     int

	alpha *DctcpAlpha
	sched Scheduler // optional, only used to time-stamp events
	sink  EventSink
}

// CreateCongestionEstimator is a constructor.  sched and sink may be nil.
func CreateCongestionEstimator(cfg FlowBenderCfg, sched Scheduler, sink EventSink) *CongestionEstimator {
	cfg = cfg.withDefaults()
	ce := new(CongestionEstimator)
	ce.Name = cfg.Name
	ce.threshold = cfg.Threshold
	ce.required = cfg.Windows
	ce.pause = cfg.Pause
	ce.alpha = CreateDctcpAlpha(cfg.Gain)
	ce.sched = sched
	if sink == nil {
		sink = nullSink{}
	}
	ce.sink = sink
	return ce
}

// OnAck folds one acknowledgment into the current window.  The window closes
// when ackNumber reaches the high-transmit mark recorded when the previous window
// closed; acknowledgments of retransmissions below the mark only accumulate.
// The return is true if this acknowledgment incremented the path epoch.
func (ce *CongestionEstimator) OnAck(highestSent, ackNumber, ackedBytes uint64, marked bool) bool {
	ce.totalBytes += ackedBytes
	if marked {
		ce.markedBytes += ackedBytes
	}

	if ackNumber < ce.highTxMark {
		return false
	}
	ce.highTxMark = highestSent
	return ce.closeWindow()
}

// closeWindow evaluates and resets the accumulators
func (ce *CongestionEstimator) closeWindow() bool {
	// a window with no bytes says nothing about congestion
	if ce.totalBytes == 0 {
		return false
	}

	fraction := float64(ce.markedBytes) / float64(ce.totalBytes)
	ce.alpha.Update(ce.markedBytes, ce.totalBytes)
	ce.windows += 1
	ce.markedBytes = 0
	ce.totalBytes = 0

	if !(fraction > ce.threshold) {
		ce.consecutive = 0
		return false
	}

	ce.consecutive += 1
	if ce.consecutive < ce.required {
		return false
	}

	ce.consecutive = 0
	ce.epoch += 1

	now := 0.0
	if ce.sched != nil {
		now = ce.sched.Now()
	}
	log.WithFields(logrus.Fields{"flow": ce.Name, "epoch": ce.epoch, "fraction": fraction}).Info("path epoch incremented")
	ce.sink.PathEpochIncremented(EpochChange{Name: ce.Name, NewEpoch: ce.epoch, Fraction: fraction, Time: now})
	return true
}

// PathEpoch implements CongestionSignal
func (ce *CongestionEstimator) PathEpoch() uint64 {
	return ce.epoch
}

// ConsecutiveCongested returns the number of congested windows in the current run
func (ce *CongestionEstimator) ConsecutiveCongested() int {
	return ce.consecutive
}

// Windows returns the number of windows evaluated so far
func (ce *CongestionEstimator) Windows() int {
	return ce.windows
}

// PauseDuration is how long, in seconds, a sender should hold new packets when it
// changes path so that packets on the old path drain ahead of them
func (ce *CongestionEstimator) PauseDuration() float64 {
	return ce.pause
}

// Alpha returns the flow's DCTCP alpha estimator
func (ce *CongestionEstimator) Alpha() *DctcpAlpha {
	return ce.alpha
}
