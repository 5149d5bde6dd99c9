package mpsteer

// steer-node.go builds a steering node from its description: the path selector,
// the probe engines, the trace manager, and a congestion estimator for every flow
// the node sends.

import (
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// ChannelFactory supplies the channel a probe engine runs over
type ChannelFactory func(pc ProbeCfg) (ProbeChannel, error)

// SteerNode is a built steering node
type SteerNode struct {
	Cfg      *SteerCfg
	Fabric   *Fabric // nil unless the description names one
	DRB      *WeightedPathTable
	LetFlow  *FlowletTable
	Selector PathSelector
	Probes   []*ProbeEngine
	Trace    *TraceManager

	sched   Scheduler
	sink    EventSink
	senders map[uint32]*SteeredSender
}

// BuildSteerNode assembles a node.  sc should have had Defaults applied.  Events
// the node raises are recorded by its trace manager and then passed to sink,
// which may be nil.  chans may be nil when sc has no probes.
func BuildSteerNode(sc *SteerCfg, sched Scheduler, chans ChannelFactory, sink EventSink) (*SteerNode, error) {
	if err := SetLogLevel(sc.LogLevel); err != nil {
		return nil, fmt.Errorf("node %s: %w", sc.Name, err)
	}

	sn := new(SteerNode)
	sn.Cfg = sc
	sn.sched = sched
	sn.senders = make(map[uint32]*SteeredSender)
	sn.Trace = CreateTraceManager(sc.Name, sc.Trace)
	sn.Trace.Inner = sink
	sn.sink = sn.Trace

	if len(sc.Fabric) > 0 {
		fab, err := LoadFabric(sc.Fabric)
		if err != nil {
			return nil, fmt.Errorf("node %s fabric: %w", sc.Name, err)
		}
		if _, present := fab.HostAddr(sc.Host); !present {
			return nil, fmt.Errorf("node %s: host %s not in fabric %s", sc.Name, sc.Host, fab.Name)
		}
		sn.Fabric = fab
	}

	selRng := createSeededStream(sc.Seed + "-select")
	probeRng := createSeededStream(sc.Seed + "-probe")

	var err error
	switch sc.Selector {
	case SelectDRB:
		sn.DRB, err = sn.buildDRB(selRng)
		sn.Selector = sn.DRB
	case SelectLetFlow:
		sn.LetFlow, err = sn.buildLetFlow(selRng)
	default:
		err = fmt.Errorf("node %s: unknown selector %q", sc.Name, sc.Selector)
	}
	if err != nil {
		return nil, err
	}

	for _, pc := range sc.Probes {
		if chans == nil {
			return nil, fmt.Errorf("node %s probe %s: no channel factory", sc.Name, pc.Name)
		}
		ch, err := chans(pc)
		if err != nil {
			return nil, fmt.Errorf("node %s probe %s: %w", sc.Name, pc.Name, err)
		}
		pe, err := CreateProbeEngine(pc, sched, ch, probeRng, sn.sink)
		if err != nil {
			return nil, err
		}
		sn.Probes = append(sn.Probes, pe)
	}

	log.WithFields(logrus.Fields{"node": sc.Name, "selector": sc.Selector, "probes": len(sn.Probes)}).
		Info("steering node built")
	return sn, nil
}

// streamSeedMod keeps every seed component below both rngstream moduli
const streamSeedMod = 4294944442

// createSeededStream returns a stream whose state comes from name alone.  A stream
// made by rngstream.New is seeded by how many streams the process made before it.
func createSeededStream(name string) *rngstream.RngStream {
	g := rngstream.New(name)
	h := xxhash.Sum64String(name)
	seed := make([]uint64, 6)
	for idx := range seed {
		h = h*6364136223846793005 + 1442695040888963407
		seed[idx] = 1 + (h>>32)%streamSeedMod
	}
	g.SetSeed(seed)
	return g
}

// buildDRB fills a weighted path table.  Fabric paths go in first so that their
// overrides hold only fabric paths; described overrides are then seeded from the
// described default set, as AddWeightedPath does.
func (sn *SteerNode) buildDRB(rng RandSource) (*WeightedPathTable, error) {
	sc := sn.Cfg
	wpt := CreateWeightedPathTable(sc.Name, sc.Mode(), rng)
	errs := []error{}

	if sn.Fabric != nil {
		if err := sn.Fabric.PopulateDRB(wpt, sc.Host); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pd := range sc.Paths {
		id, err := pd.PathID()
		if err == nil {
			err = wpt.AddPath(pd.weight(), id)
		}
		errs = append(errs, err)
	}
	for _, od := range sc.Overrides {
		dst, err := netip.ParseAddr(od.Dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, pd := range od.Paths {
			id, err := pd.PathID()
			if err == nil {
				err = wpt.AddWeightedPath(dst, pd.weight(), id)
			}
			errs = append(errs, err)
		}
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}

	// with a fabric, destinations outside it may legitimately have no default
	if sn.Fabric == nil || len(sc.Paths) > 0 {
		if err := wpt.Validate(); err != nil {
			return nil, err
		}
	}
	return wpt, nil
}

// buildLetFlow makes the flowlet table and the source of its candidate paths
func (sn *SteerNode) buildLetFlow(rng RandSource) (*FlowletTable, error) {
	sc := sn.Cfg
	ft := CreateFlowletTable(sc.Name, sc.FlowletTimeout, rng)
	ft.SetTrace(sn.Trace)

	if sn.Fabric != nil {
		sn.Selector = &LetFlowSelector{Table: ft, Paths: sn.Fabric.CandidatesFrom(sc.Host)}
		return ft, nil
	}

	errs := []error{}
	cands := &StaticCandidates{ByDst: make(map[netip.Addr][]PathID), Default: make([]PathID, 0)}
	addCand := func(list []PathID, pd PathDesc) []PathID {
		id, err := pd.PathID()
		if err != nil {
			errs = append(errs, err)
			return list
		}
		if !slices.Contains(list, id) {
			list = append(list, id)
		}
		return list
	}
	for _, pd := range sc.Paths {
		cands.Default = addCand(cands.Default, pd)
	}
	for _, od := range sc.Overrides {
		dst, err := netip.ParseAddr(od.Dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		list, present := cands.ByDst[dst]
		if !present {
			list = slices.Clone(cands.Default)
		}
		for _, pd := range od.Paths {
			list = addCand(list, pd)
		}
		cands.ByDst[dst] = list
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	if len(cands.Default) == 0 {
		return nil, fmt.Errorf("node %s default set: %w", sc.Name, ErrEmptyPathSet)
	}
	sn.Selector = &LetFlowSelector{Table: ft, Paths: cands}
	return ft, nil
}

// Start starts every probe engine
func (sn *SteerNode) Start() error {
	errs := []error{}
	for _, pe := range sn.Probes {
		errs = append(errs, pe.Start())
	}
	return ReportErrs(errs)
}

// Stop ends the node's probing at time at
func (sn *SteerNode) Stop(at float64) {
	for _, pe := range sn.Probes {
		pe.Stop(at)
	}
}

// Sender returns the sender of flow flowID, creating it with its own congestion
// estimator.  xmit is only used when the sender is created.
func (sn *SteerNode) Sender(flowID uint32, xmit TransmitFunc) *SteeredSender {
	if ss, present := sn.senders[flowID]; present {
		return ss
	}
	name := fmt.Sprintf("%s/%d", sn.Cfg.Name, flowID)
	fbc := sn.Cfg.FlowBender
	fbc.Name = name
	est := CreateCongestionEstimator(fbc, sn.sched, sn.sink)
	ss := CreateSteeredSender(name, flowID, sn.Selector, est, sn.sched, xmit)
	ss.SetTrace(sn.Trace)
	sn.senders[flowID] = ss
	return ss
}

// Close releases the senders' held packets, ends probing and closes the probe
// channels.
// The trace is written if the description names a trace file.
func (sn *SteerNode) Close() error {
	errs := []error{}
	for _, ss := range sn.senders {
		ss.Close()
	}
	for _, pe := range sn.Probes {
		errs = append(errs, pe.Close())
	}
	if len(sn.Cfg.TraceFile) > 0 {
		errs = append(errs, sn.Trace.WriteToFile(sn.Cfg.TraceFile, true))
	}
	return ReportErrs(errs)
}
