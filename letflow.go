package mpsteer

// letflow.go implements flowlet-based path binding (LetFlow).  Packets of a flow
// that arrive within the flowlet timeout of each other stay on one path; a gap
// longer than the timeout is taken as a safe point to pick a path afresh

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// DefaultFlowletTimeout is the inactivity gap, in seconds, that ends a flowlet
const DefaultFlowletTimeout = 50e-6

// Flowlet is the state kept per key: the path in use and the last time it was used
type Flowlet struct {
	Path       PathID
	LastActive float64
}

// FlowletTable maps flow keys to their current flowlet.  Entries are overwritten
// on reselection and never removed.
type FlowletTable struct {
	Name    string
	timeout float64
	table   map[FlowKey]*Flowlet
	rng     RandSource
	trace   *TraceManager

	// Reselections counts the times a flowlet was (re)bound to a random path
	Reselections int
}

// CreateFlowletTable is a constructor.  A non-positive timeout takes the default.
func CreateFlowletTable(name string, timeout float64, rng RandSource) *FlowletTable {
	if !(timeout > 0.0) {
		timeout = DefaultFlowletTimeout
	}
	ft := new(FlowletTable)
	ft.Name = name
	ft.timeout = timeout
	ft.table = make(map[FlowKey]*Flowlet)
	ft.rng = rng
	return ft
}

// Timeout returns the flowlet inactivity timeout in seconds
func (ft *FlowletTable) Timeout() float64 {
	return ft.timeout
}

// SetTrace makes the table record every flowlet (re)binding in tm
func (ft *FlowletTable) SetTrace(tm *TraceManager) {
	ft.trace = tm
}

// Route returns the path for key at time now.  Within the timeout the stored path
// is reused and its activity time refreshed; otherwise a candidate is drawn uniformly.
func (ft *FlowletTable) Route(key FlowKey, now float64, candidates []PathID) (PathID, error) {
	fl, present := ft.table[key]
	if present && now-fl.LastActive <= ft.timeout {
		fl.LastActive = now
		return fl.Path, nil
	}

	if len(candidates) == 0 {
		return 0, fmt.Errorf("table %s: no candidate paths: %w", ft.Name, ErrNoRoute)
	}

	path := candidates[ft.rng.RandInt(0, len(candidates)-1)]
	if present {
		fl.Path = path
		fl.LastActive = now
	} else {
		ft.table[key] = &Flowlet{Path: path, LastActive: now}
	}
	ft.Reselections += 1

	log.WithFields(logrus.Fields{"table": ft.Name, "key": uint64(key), "path": path.String(), "time": now}).
		Debug("flowlet bound")
	AddSteerTrace(ft.trace, ft.Name, "flowlet", &SteerTrace{Time: now, Op: "flowlet", Path: path.String()})
	return path, nil
}

// RoutePacket routes a unicast packet carrying a flow id.  Multicast and broadcast
// destinations, and packets without a flow id, are no-route conditions.
func (ft *FlowletTable) RoutePacket(meta *PacketMeta, now float64, candidates []PathID) (PathID, error) {
	if !IsUnicast(meta.Dst) {
		return 0, fmt.Errorf("table %s dst %s not unicast: %w", ft.Name, meta.Dst, ErrNoRoute)
	}
	key, err := KeyFor(meta, PerFlow)
	if err != nil {
		return 0, err
	}
	path, err := ft.Route(key, now, candidates)
	if err != nil {
		return 0, err
	}
	meta.PathID = path
	return path, nil
}

// Lookup returns a copy of the flowlet stored under key
func (ft *FlowletTable) Lookup(key FlowKey) (Flowlet, bool) {
	fl, present := ft.table[key]
	if !present {
		return Flowlet{}, false
	}
	return *fl, true
}

// Len returns the number of keys the table has seen
func (ft *FlowletTable) Len() int {
	return len(ft.table)
}

// CandidateSource supplies the candidate paths toward a destination
type CandidateSource interface {
	Candidates(dst netip.Addr) []PathID
}

// StaticCandidates is a CandidateSource backed by a map, with a fallback set
// for destinations not listed
type StaticCandidates struct {
	ByDst   map[netip.Addr][]PathID
	Default []PathID
}

// Candidates implements CandidateSource
func (sc *StaticCandidates) Candidates(dst netip.Addr) []PathID {
	paths, present := sc.ByDst[dst]
	if present {
		return paths
	}
	return sc.Default
}

// LetFlowSelector binds a FlowletTable to a CandidateSource so that it can serve
// as a PathSelector
type LetFlowSelector struct {
	Table *FlowletTable
	Paths CandidateSource
}

// SelectPath implements PathSelector
func (lfs *LetFlowSelector) SelectPath(meta *PacketMeta, now float64) (PathID, error) {
	return lfs.Table.RoutePacket(meta, now, lfs.Paths.Candidates(meta.Dst))
}
