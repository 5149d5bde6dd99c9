package mpsteer

import (
	"net/netip"
	"path/filepath"
	"testing"
)

func TestBuildSteerNodeDRB(t *testing.T) {
	vs := createSched()
	mn := CreateMemNetwork("net", vs, nil)
	resp, _ := CreateProbeEngine(ProbeCfg{Name: "h2"}, vs, mn.Channel(netip.MustParseAddrPort("10.0.0.2:9000")), fixedRand{}, nil)
	resp.Start()

	dir := t.TempDir()
	sc := sampleSteerCfg()
	sc.Trace = true
	sc.TraceFile = filepath.Join(dir, "trace.yaml")
	sc.Defaults()

	events := new(eventLog)
	chans := func(pc ProbeCfg) (ProbeChannel, error) {
		return mn.Channel(netip.MustParseAddrPort("10.0.0.1:9000")), nil
	}
	sn, err := BuildSteerNode(sc, vs, chans, events)
	if err != nil {
		t.Fatal(err)
	}
	if sn.DRB == nil || sn.Selector == nil || len(sn.Probes) != 1 {
		t.Fatalf("node incompletely built: %+v", sn)
	}
	set, _ := sn.DRB.PathSet(mustAddr("10.0.0.2"))
	if len(set) != 3 || set.Weight(mustPath(2, 2, 1)) != 2 {
		t.Errorf("unexpected default set %v", set)
	}
	set, isOverride := sn.DRB.PathSet(mustAddr("10.0.0.3"))
	if !isOverride || len(set) != 4 || set.Weight(mustPath(4)) != 1 {
		t.Errorf("override should be seeded from the default set, got %v", set)
	}

	if err := sn.Start(); err != nil {
		t.Fatal(err)
	}
	sn.Stop(290e-6)

	sent := 0
	ss := sn.Sender(5, func(any, PacketMeta) { sent += 1 })
	if sn.Sender(5, nil) != ss {
		t.Errorf("a flow should keep its sender")
	}
	ss.Send(0, PacketMeta{Dst: mustAddr("10.0.0.2")})
	vs.Run(1.0)

	if sent != 1 || len(events.completed) != 3 {
		t.Errorf("expecting 1 packet and 3 probes, got %d and %d", sent, len(events.completed))
	}
	if err := sn.Close(); err != nil {
		t.Fatal(err)
	}
	tm, err := ReadTraceFile(sc.TraceFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(tm.Traces[0]) != 3 {
		t.Errorf("expecting the 3 probe records in the trace, got %d", len(tm.Traces[0]))
	}
}

func TestBuildSteerNodeLetFlowFabric(t *testing.T) {
	dir := t.TempDir()
	if err := leafSpine().WriteToFile(filepath.Join(dir, "fabric.yaml")); err != nil {
		t.Fatal(err)
	}
	sc := CreateSteerCfg("h1", SelectLetFlow)
	sc.Fabric = "fabric.yaml"
	sc.Host = "h1"
	filename := filepath.Join(dir, "node.yaml")
	if err := sc.WriteToFile(filename); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadSteerCfg(filename)
	if err != nil {
		t.Fatal(err)
	}

	vs := createSched()
	sn, err := BuildSteerNode(sc, vs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sn.LetFlow == nil || sn.Fabric == nil {
		t.Fatalf("node incompletely built: %+v", sn)
	}

	meta := PacketMeta{Dst: mustAddr("10.0.0.2")}.WithFlowID(9)
	p, err := sn.Selector.SelectPath(&meta, 0)
	if err != nil {
		t.Fatal(err)
	}
	wr, err := sn.Fabric.Walk("h1", p)
	if err != nil || wr.Dst != "h2" {
		t.Errorf("selected path %s does not reach h2: %+v err=%v", p, wr, err)
	}
}

func TestBuildSteerNodeLetFlowStatic(t *testing.T) {
	sc := CreateSteerCfg("h1", SelectLetFlow)
	sc.AddPath(0, 2, 2, 1)
	sc.AddPath(0, 2, 2, 1)
	sc.AddOverride("10.0.0.3", 0, 4)
	sc.Defaults()

	sn, err := BuildSteerNode(sc, createSched(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cands := sn.Selector.(*LetFlowSelector).Paths
	if got := cands.Candidates(mustAddr("10.0.0.2")); len(got) != 1 {
		t.Errorf("duplicate candidates should collapse, got %v", got)
	}
	if got := cands.Candidates(mustAddr("10.0.0.3")); len(got) != 2 {
		t.Errorf("override should add to the defaults, got %v", got)
	}
}

func TestSteerNodeCloseEndsProbing(t *testing.T) {
	vs := createSched()
	mn := CreateMemNetwork("net", vs, nil)
	resp, _ := CreateProbeEngine(ProbeCfg{Name: "h2"}, vs, mn.Channel(netip.MustParseAddrPort("10.0.0.2:9000")), fixedRand{}, nil)
	resp.Start()

	sc := sampleSteerCfg()
	sc.Defaults()
	events := new(eventLog)
	chans := func(pc ProbeCfg) (ProbeChannel, error) {
		return mn.Channel(netip.MustParseAddrPort("10.0.0.1:9000")), nil
	}
	sn, err := BuildSteerNode(sc, vs, chans, events)
	if err != nil {
		t.Fatal(err)
	}
	if err := sn.Start(); err != nil {
		t.Fatal(err)
	}
	vs.Run(0.01)
	if err := sn.Close(); err != nil {
		t.Fatal(err)
	}
	sent, timedOut := sn.Probes[0].Stats.Sent, len(events.timedOut)
	if sent == 0 {
		t.Fatalf("node never probed")
	}

	vs.Run(1.0)
	st := sn.Probes[0].Stats
	if st.Sent != sent || st.SendFails != 0 || len(events.timedOut) != timedOut {
		t.Errorf("probing went on after close: sent %d -> %d, timeouts %d -> %d, send fails %d",
			sent, st.Sent, timedOut, len(events.timedOut), st.SendFails)
	}
	if vs.Pending() != 0 {
		t.Errorf("expecting an empty event list, got %d", vs.Pending())
	}
}

func TestSeededStreams(t *testing.T) {
	a := createSeededStream("h1-select")
	// streams made in between must not shift the draws
	createSeededStream("other")
	b := createSeededStream("h1-select")
	c := createSeededStream("h2-select")

	same, differ := true, false
	for idx := 0; idx < 8; idx++ {
		ua, ub, uc := a.RandU01(), b.RandU01(), c.RandU01()
		same = same && ua == ub
		differ = differ || ua != uc
	}
	if !same {
		t.Errorf("streams with the same seed should draw the same values")
	}
	if !differ {
		t.Errorf("streams with different seeds should differ")
	}
}
