package mpsteer

// probe.go implements active congestion probing.  A probe engine sends small
// ECN-capable datagrams along an explicit path at jittered intervals; the engine
// at the target answers each with the one-way delay it measured and whether the
// probe arrived congestion-experienced marked.  Replies that beat the timeout
// raise a probe-completed event, probes that do not raise a probe-timed-out event.

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// probe defaults, in seconds
const (
	DefaultProbeInterval = 100e-6
	DefaultProbeTimeout  = 1e-3
)

// probeMagic opens every probe datagram
const probeMagic uint16 = 0x5850

// ProbeTagLen is the length of an encoded ProbeTag
const ProbeTagLen = 32

const (
	probeFlagReply = 1 << 0
	probeFlagCE    = 1 << 1
)

// ProbeTag is the content of a probe or probe reply datagram
type ProbeTag struct {
	ProbeID  uint32
	Reply    bool
	CE       bool    // reply only: the probe arrived CE marked
	Path     PathID  // path the probe was sent on
	SendTime float64 // probe send time at the source
	Elapsed  float64 // reply only: one-way time measured at the target
}

// Marshal encodes the tag in network byte order
func (tag *ProbeTag) Marshal() []byte {
	buf := make([]byte, ProbeTagLen)
	binary.BigEndian.PutUint16(buf[0:2], probeMagic)
	var flags byte
	if tag.Reply {
		flags |= probeFlagReply
	}
	if tag.CE {
		flags |= probeFlagCE
	}
	buf[2] = flags
	binary.BigEndian.PutUint32(buf[4:8], tag.ProbeID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(tag.Path))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(tag.SendTime))
	binary.BigEndian.PutUint64(buf[24:32], math.Float64bits(tag.Elapsed))
	return buf
}

// UnmarshalProbeTag decodes a probe datagram
func UnmarshalProbeTag(buf []byte) (ProbeTag, error) {
	if len(buf) < ProbeTagLen {
		return ProbeTag{}, fmt.Errorf("%d bytes: %w", len(buf), ErrBadProbe)
	}
	if binary.BigEndian.Uint16(buf[0:2]) != probeMagic {
		return ProbeTag{}, fmt.Errorf("bad magic: %w", ErrBadProbe)
	}
	tag := ProbeTag{}
	tag.Reply = buf[2]&probeFlagReply != 0
	tag.CE = buf[2]&probeFlagCE != 0
	tag.ProbeID = binary.BigEndian.Uint32(buf[4:8])
	tag.Path = PathID(binary.BigEndian.Uint64(buf[8:16]))
	tag.SendTime = math.Float64frombits(binary.BigEndian.Uint64(buf[16:24]))
	tag.Elapsed = math.Float64frombits(binary.BigEndian.Uint64(buf[24:32]))
	return tag, nil
}

// Datagram is what a ProbeChannel hands to its receiver
type Datagram struct {
	From    netip.AddrPort
	Payload []byte
	Meta    PacketMeta // header fields observed on arrival, CE in particular
}

// ProbeChannel is the raw send/receive service probes travel over.  The receive
// function passed to Open must be invoked on the event timeline.
type ProbeChannel interface {
	Open(recv func(Datagram)) error
	SendTo(dst netip.AddrPort, payload []byte, meta PacketMeta) error
	LocalAddr() netip.AddrPort
	Close() error
}

// ProbeCfg describes one probing relationship.  An engine without a Target only
// answers probes.
type ProbeCfg struct {
	Name     string  `json:"name" yaml:"name"`
	Target   string  `json:"target" yaml:"target"` // addr:port of the probed engine
	Path     PathID  `json:"path" yaml:"path"`
	Interval float64 `json:"interval" yaml:"interval"`
	Timeout  float64 `json:"timeout" yaml:"timeout"`
}

// ProbeStats counts what an engine has seen
type ProbeStats struct {
	Sent      int
	SendFails int
	Answered  int // probes this engine replied to
	Completed int
	TimedOut  int
	Late      int // replies discarded because their probe already timed out
	Stray     int // replies from another engine or for another path
	Malformed int
}

// ProbeEngine runs one probing relationship and answers probes sent to it
type ProbeEngine struct {
	Name     string
	target   netip.AddrPort
	path     PathID
	interval float64
	timeout  float64

	sched Scheduler
	ch    ProbeChannel
	rng   RandSource
	sink  EventSink

	nxtProbeID uint32
	pending    map[uint32]Handle
	sendHndl   Handle
	running    bool

	Stats ProbeStats
}

// CreateProbeEngine is a constructor.  Zero interval and timeout take the defaults;
// a Target that does not parse is a configuration error.
func CreateProbeEngine(cfg ProbeCfg, sched Scheduler, ch ProbeChannel, rng RandSource, sink EventSink) (*ProbeEngine, error) {
	pe := new(ProbeEngine)
	pe.Name = cfg.Name
	pe.path = cfg.Path
	pe.interval = cfg.Interval
	if !(pe.interval > 0.0) {
		pe.interval = DefaultProbeInterval
	}
	pe.timeout = cfg.Timeout
	if !(pe.timeout > 0.0) {
		pe.timeout = DefaultProbeTimeout
	}

	if len(cfg.Target) > 0 {
		target, err := netip.ParseAddrPort(cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("probe %s target: %w", cfg.Name, err)
		}
		pe.target = target
	}

	if sink == nil {
		sink = nullSink{}
	}
	pe.sched = sched
	pe.ch = ch
	pe.rng = rng
	pe.sink = sink
	pe.pending = make(map[uint32]Handle)
	return pe, nil
}

// Path returns the path the engine probes
func (pe *ProbeEngine) Path() PathID {
	return pe.path
}

// Outstanding returns the number of probes awaiting a reply
func (pe *ProbeEngine) Outstanding() int {
	return len(pe.pending)
}

// Start opens the channel and, if the engine has a target, sends the first probe now
func (pe *ProbeEngine) Start() error {
	if err := pe.ch.Open(pe.HandleDatagram); err != nil {
		return fmt.Errorf("probe %s: %w", pe.Name, err)
	}
	if !pe.target.IsValid() {
		return nil
	}
	pe.running = true
	pe.sendHndl = pe.sched.ScheduleNow(pe.sendProbe)
	log.WithFields(logrus.Fields{"probe": pe.Name, "target": pe.target.String(), "path": pe.path.String()}).
		Info("probing started")
	return nil
}

// Stop ends the periodic probing at time at.  Probes already in flight are left
// alone and their timeouts fire as usual.
func (pe *ProbeEngine) Stop(at float64) {
	delay := at - pe.sched.Now()
	pe.sched.ScheduleAfter(delay, func() {
		if !pe.running {
			return
		}
		pe.running = false
		pe.sched.Cancel(pe.sendHndl)
		log.WithFields(logrus.Fields{"probe": pe.Name, "sent": pe.Stats.Sent}).Info("probing stopped")
	})
}

// Close ends probing at once, drops the probes still awaiting replies without
// raising timeouts for them, and closes the channel
func (pe *ProbeEngine) Close() error {
	pe.running = false
	pe.sched.Cancel(pe.sendHndl)
	pe.sendHndl = 0
	for probeID, hndl := range pe.pending {
		pe.sched.Cancel(hndl)
		delete(pe.pending, probeID)
	}
	return pe.ch.Close()
}

// sameEndpoint compares addresses with IPv4-mapped IPv6 addresses unmapped
func sameEndpoint(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}

// sendProbe emits one probe, arms its timeout and schedules the next one.
// The next probe is jittered by up to one timeout so that engines started
// together do not stay in lock step.
func (pe *ProbeEngine) sendProbe() {
	if !pe.running {
		return
	}
	now := pe.sched.Now()
	probeID := pe.nxtProbeID

	tag := ProbeTag{ProbeID: probeID, Path: pe.path, SendTime: now}
	meta := PacketMeta{Dst: pe.target.Addr(), PathID: pe.path, ECT: true, Size: ProbeTagLen}
	if err := pe.ch.SendTo(pe.target, tag.Marshal(), meta); err != nil {
		// a probe that could not be sent times out like a lost one
		pe.Stats.SendFails += 1
		log.WithFields(logrus.Fields{"probe": pe.Name, "err": err}).Warn("probe send failed")
	}
	pe.Stats.Sent += 1
	pe.nxtProbeID += 1

	pe.pending[probeID] = pe.sched.ScheduleAfter(pe.timeout, func() { pe.probeTimedOut(probeID) })

	nxt := pe.interval + pe.rng.RandU01()*pe.timeout
	pe.sendHndl = pe.sched.ScheduleAfter(nxt, pe.sendProbe)
}

// probeTimedOut fires when probeID has gone unanswered for the timeout
func (pe *ProbeEngine) probeTimedOut(probeID uint32) {
	if _, present := pe.pending[probeID]; !present {
		return
	}
	delete(pe.pending, probeID)
	pe.Stats.TimedOut += 1
	log.WithFields(logrus.Fields{"probe": pe.Name, "id": probeID, "path": pe.path.String()}).Debug("probe timed out")
	pe.sink.ProbeTimedOut(ProbeTimeout{Name: pe.Name, Path: pe.path, ProbeID: probeID, Time: pe.sched.Now()})
}

// HandleDatagram is the channel's receive function.  A probe is answered at once;
// a reply is matched against the pending probes.
func (pe *ProbeEngine) HandleDatagram(dg Datagram) {
	tag, err := UnmarshalProbeTag(dg.Payload)
	if err != nil {
		pe.Stats.Malformed += 1
		log.WithFields(logrus.Fields{"probe": pe.Name, "from": dg.From.String(), "err": err}).Debug("dropped datagram")
		return
	}

	if !tag.Reply {
		pe.answer(dg, tag)
		return
	}

	if !sameEndpoint(dg.From, pe.target) || tag.Path != pe.path {
		// answers a probe this engine did not send
		pe.Stats.Stray += 1
		log.WithFields(logrus.Fields{"probe": pe.Name, "from": dg.From.String(), "path": tag.Path.String()}).
			Debug("dropped stray reply")
		return
	}

	hndl, present := pe.pending[tag.ProbeID]
	if !present {
		// the timeout already fired for this one
		pe.Stats.Late += 1
		return
	}
	pe.sched.Cancel(hndl)
	delete(pe.pending, tag.ProbeID)
	pe.Stats.Completed += 1

	pe.sink.ProbeCompleted(ProbeResult{Name: pe.Name, Path: pe.path, ProbeID: tag.ProbeID, OneWay: tag.Elapsed,
		CE: tag.CE, Time: pe.sched.Now()})
}

// answer sends the reply to a probe, carrying the one-way time and the CE mark it arrived with
func (pe *ProbeEngine) answer(dg Datagram, probe ProbeTag) {
	reply := ProbeTag{ProbeID: probe.ProbeID, Reply: true, CE: dg.Meta.CE, Path: probe.Path,
		SendTime: probe.SendTime, Elapsed: pe.sched.Now() - probe.SendTime}
	meta := PacketMeta{Dst: dg.From.Addr(), Size: ProbeTagLen}
	if err := pe.ch.SendTo(dg.From, reply.Marshal(), meta); err != nil {
		pe.Stats.SendFails += 1
		log.WithFields(logrus.Fields{"probe": pe.Name, "to": dg.From.String(), "err": err}).Warn("probe reply failed")
		return
	}
	pe.Stats.Answered += 1
}
