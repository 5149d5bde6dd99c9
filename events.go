package mpsteer

// events.go defines the events the core raises for callers outside it

// ProbeResult is raised when a probe reply arrives before the probe timed out
type ProbeResult struct {
	Name    string // engine that sent the probe
	Path    PathID
	ProbeID uint32
	OneWay  float64 // one-way delay measured at the target, seconds
	CE      bool    // probe was congestion-experienced marked on the way out
	Time    float64 // time the reply was matched
}

// ProbeTimeout is raised when no reply arrives within the probe timeout
type ProbeTimeout struct {
	Name    string
	Path    PathID
	ProbeID uint32
	Time    float64
}

// EpochChange is raised when Flow Bender decides the flow should change path
type EpochChange struct {
	Name     string // estimator that raised it
	NewEpoch uint64
	Fraction float64 // marked fraction of the window that triggered it
	Time     float64
}

// EventSink receives the core's events.  Handlers run on the event timeline
// and must not block.
type EventSink interface {
	ProbeCompleted(ProbeResult)
	ProbeTimedOut(ProbeTimeout)
	PathEpochIncremented(EpochChange)
}

// EventFuncs adapts plain functions to EventSink.  Nil fields drop the event.
type EventFuncs struct {
	OnProbeCompleted func(ProbeResult)
	OnProbeTimedOut  func(ProbeTimeout)
	OnEpoch          func(EpochChange)
}

// ProbeCompleted implements EventSink
func (ef *EventFuncs) ProbeCompleted(pr ProbeResult) {
	if ef.OnProbeCompleted != nil {
		ef.OnProbeCompleted(pr)
	}
}

// ProbeTimedOut implements EventSink
func (ef *EventFuncs) ProbeTimedOut(pt ProbeTimeout) {
	if ef.OnProbeTimedOut != nil {
		ef.OnProbeTimedOut(pt)
	}
}

// PathEpochIncremented implements EventSink
func (ef *EventFuncs) PathEpochIncremented(ec EpochChange) {
	if ef.OnEpoch != nil {
		ef.OnEpoch(ec)
	}
}

// MultiSink fans every event out to each of its sinks in order
type MultiSink []EventSink

// ProbeCompleted implements EventSink
func (ms MultiSink) ProbeCompleted(pr ProbeResult) {
	for _, sink := range ms {
		sink.ProbeCompleted(pr)
	}
}

// ProbeTimedOut implements EventSink
func (ms MultiSink) ProbeTimedOut(pt ProbeTimeout) {
	for _, sink := range ms {
		sink.ProbeTimedOut(pt)
	}
}

// PathEpochIncremented implements EventSink
func (ms MultiSink) PathEpochIncremented(ec EpochChange) {
	for _, sink := range ms {
		sink.PathEpochIncremented(ec)
	}
}

// nullSink drops everything; used when a component is built without a sink
type nullSink struct{}

func (nullSink) ProbeCompleted(ProbeResult)       {}
func (nullSink) ProbeTimedOut(ProbeTimeout)       {}
func (nullSink) PathEpochIncremented(EpochChange) {}
