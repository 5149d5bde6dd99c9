package mpsteer

import (
	"errors"
	"net/netip"
	"testing"
)

func TestFlowletReuseAndExpiry(t *testing.T) {
	cands := []PathID{mustPath(1), mustPath(2), mustPath(3)}
	ft := CreateFlowletTable("letflow", 50e-6, &scriptedRand{ints: []int{0, 2}})
	key := FlowIDKey(7)

	p, err := ft.Route(key, 0.0, cands)
	if err != nil || p != cands[0] {
		t.Fatalf("first packet: expecting %s, got %s err=%v", cands[0], p, err)
	}

	// gaps under the timeout keep the path, each refreshing the activity time
	for _, now := range []float64{40e-6, 80e-6, 120e-6} {
		p, _ = ft.Route(key, now, cands)
		if p != cands[0] {
			t.Errorf("at %v: expecting %s, got %s", now, cands[0], p)
		}
	}
	fl, _ := ft.Lookup(key)
	if fl.LastActive != 120e-6 {
		t.Errorf("expecting last activity 120e-6, got %v", fl.LastActive)
	}

	// a longer gap ends the flowlet
	p, _ = ft.Route(key, 200e-6, cands)
	if p != cands[2] {
		t.Errorf("after gap: expecting %s, got %s", cands[2], p)
	}
	if ft.Reselections != 2 || ft.Len() != 1 {
		t.Errorf("expecting 2 reselections of 1 key, got %d of %d", ft.Reselections, ft.Len())
	}
}

func TestFlowletNoCandidates(t *testing.T) {
	ft := CreateFlowletTable("letflow", 0, &scriptedRand{})
	if ft.Timeout() != DefaultFlowletTimeout {
		t.Errorf("expecting default timeout, got %v", ft.Timeout())
	}
	if _, err := ft.Route(FlowIDKey(1), 0, nil); !errors.Is(err, ErrNoRoute) {
		t.Errorf("expecting ErrNoRoute, got %v", err)
	}

	// an active flowlet does not need candidates
	ft.Route(FlowIDKey(2), 0, []PathID{mustPath(4)})
	if p, err := ft.Route(FlowIDKey(2), 10e-6, nil); err != nil || p != mustPath(4) {
		t.Errorf("expecting reuse of %s, got %s err=%v", mustPath(4), p, err)
	}
}

func TestFlowletRoutePacket(t *testing.T) {
	cands := []PathID{mustPath(5)}
	ft := CreateFlowletTable("letflow", 50e-6, &scriptedRand{})

	tests := []struct {
		name string
		dst  netip.Addr
		fid  bool
		ok   bool
	}{
		{"unicast", mustAddr("10.0.0.9"), true, true},
		{"multicast", mustAddr("224.0.0.5"), true, false},
		{"broadcast", mustAddr("255.255.255.255"), true, false},
		{"v6 multicast", mustAddr("ff02::1"), true, false},
		{"no flow id", mustAddr("10.0.0.9"), false, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			meta := PacketMeta{Dst: test.dst}
			if test.fid {
				meta = meta.WithFlowID(3)
			}
			p, err := ft.RoutePacket(&meta, 0, cands)
			if test.ok {
				if err != nil || p != cands[0] || meta.PathID != cands[0] {
					t.Errorf("expecting %s, got %s err=%v", cands[0], p, err)
				}
				return
			}
			if !errors.Is(err, ErrNoRoute) {
				t.Errorf("expecting ErrNoRoute, got %v", err)
			}
		})
	}
}

func TestLetFlowSelector(t *testing.T) {
	near, far := mustAddr("10.0.0.2"), mustAddr("10.0.1.2")
	sc := &StaticCandidates{
		ByDst:   map[netip.Addr][]PathID{far: {mustPath(7, 1)}},
		Default: []PathID{mustPath(2)},
	}
	lfs := &LetFlowSelector{Table: CreateFlowletTable("letflow", 0, &scriptedRand{}), Paths: sc}

	m1 := PacketMeta{Dst: near}.WithFlowID(1)
	m2 := PacketMeta{Dst: far}.WithFlowID(2)
	if p, _ := lfs.SelectPath(&m1, 0); p != mustPath(2) {
		t.Errorf("expecting default path, got %s", p)
	}
	if p, _ := lfs.SelectPath(&m2, 0); p != mustPath(7, 1) {
		t.Errorf("expecting listed path, got %s", p)
	}
}
