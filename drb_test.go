package mpsteer

import (
	"errors"
	"net/netip"
	"testing"
)

func TestAssignPathRotation(t *testing.T) {
	p1, p2, p3 := mustPath(1), mustPath(2), mustPath(3)

	t.Run("covers every path", func(t *testing.T) {
		wpt := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{ints: []int{1}})
		for _, p := range []PathID{p1, p2, p3} {
			if err := wpt.AddPath(1, p); err != nil {
				t.Fatal(err)
			}
		}
		dst := mustAddr("10.0.0.2")
		want := []PathID{p2, p3, p1, p2, p3, p1}
		for idx, w := range want {
			got, err := wpt.AssignPath(FlowIDKey(5), dst)
			if err != nil {
				t.Fatal(err)
			}
			if got != w {
				t.Errorf("call %d: expecting %s, got %s", idx, w, got)
			}
		}
	})

	t.Run("keys rotate independently", func(t *testing.T) {
		wpt := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{ints: []int{0, 2}})
		wpt.AddPath(1, p1)
		wpt.AddPath(1, p2)
		wpt.AddPath(1, p3)
		dst := mustAddr("10.0.0.2")

		a, _ := wpt.AssignPath(FlowIDKey(1), dst)
		b, _ := wpt.AssignPath(FlowIDKey(2), dst)
		a2, _ := wpt.AssignPath(FlowIDKey(1), dst)
		if a != p1 || b != p3 || a2 != p2 {
			t.Errorf("expecting %s %s %s, got %s %s %s", p1, p3, p2, a, b, a2)
		}
	})

	t.Run("weight repeats a path", func(t *testing.T) {
		wpt := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{ints: []int{0}})
		wpt.AddPath(2, p1)
		wpt.AddPath(1, p2)
		counts := make(map[PathID]int)
		for idx := 0; idx < 9; idx++ {
			p, err := wpt.AssignPath(FlowIDKey(9), mustAddr("10.0.0.2"))
			if err != nil {
				t.Fatal(err)
			}
			counts[p] += 1
		}
		if counts[p1] != 6 || counts[p2] != 3 {
			t.Errorf("expecting 6/3 split, got %v", counts)
		}
	})
}

func TestAssignPathEmpty(t *testing.T) {
	wpt := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{})
	_, err := wpt.AssignPath(FlowIDKey(1), mustAddr("10.0.0.2"))
	if !errors.Is(err, ErrEmptyPathSet) {
		t.Errorf("expecting ErrEmptyPathSet, got %v", err)
	}
	if err := wpt.Validate(); err == nil {
		t.Errorf("expecting Validate to report the empty default set")
	}
}

func TestWeightGuards(t *testing.T) {
	perDest := CreateWeightedPathTable("drb", PerDest, &scriptedRand{})
	if err := perDest.AddPath(2, mustPath(1)); !errors.Is(err, ErrWeightMode) {
		t.Errorf("expecting ErrWeightMode, got %v", err)
	}
	if err := perDest.AddWeightedPath(mustAddr("10.0.0.2"), 3, mustPath(1)); !errors.Is(err, ErrWeightMode) {
		t.Errorf("expecting ErrWeightMode, got %v", err)
	}
	if err := perDest.AddPath(1, mustPath(1)); err != nil {
		t.Errorf("unit weight under per-dest: %v", err)
	}

	perFlow := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{})
	if err := perFlow.AddPath(0, mustPath(1)); !errors.Is(err, ErrWeight) {
		t.Errorf("expecting ErrWeight, got %v", err)
	}
	if err := perFlow.AddPath(4, mustPath(1)); err != nil {
		t.Errorf("weight under per-flow: %v", err)
	}
}

func TestOverrides(t *testing.T) {
	p1, p2, p3 := mustPath(1), mustPath(2), mustPath(3)
	a, b, c := mustAddr("10.0.0.1"), mustAddr("10.0.0.2"), mustAddr("10.0.0.3")

	wpt := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{})
	wpt.AddPath(1, p1)

	// override seeded from the default set
	if err := wpt.AddWeightedPath(a, 1, p2); err != nil {
		t.Fatal(err)
	}
	set, isOverride := wpt.PathSet(a)
	if !isOverride || len(set) != 2 || set.Weight(p1) != 1 || set.Weight(p2) != 1 {
		t.Errorf("override of %s: got %v", a, set)
	}
	wpt.AddWeightedPath(b, 1, p2)

	// p3 goes to the default and to a, not to the excluded b, and creates nothing for c
	if err := wpt.AddWeightedPathExcluding(1, p3, []netip.Addr{b}); err != nil {
		t.Fatal(err)
	}
	if set, _ := wpt.PathSet(a); set.Weight(p3) != 1 {
		t.Errorf("override of %s should gain %s: %v", a, p3, set)
	}
	if set, _ := wpt.PathSet(b); set.Weight(p3) != 0 {
		t.Errorf("excluded override of %s should not gain %s: %v", b, p3, set)
	}
	set, isOverride = wpt.PathSet(c)
	if isOverride || set.Weight(p3) != 1 || len(set) != 2 {
		t.Errorf("%s should follow the default set: %v override=%v", c, set, isOverride)
	}
	if got := wpt.Overrides(); len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("expecting overrides for %s and %s, got %v", a, b, got)
	}
}

func TestRoutePacketBinding(t *testing.T) {
	t.Run("per-flow needs a flow id", func(t *testing.T) {
		wpt := CreateWeightedPathTable("drb", PerFlow, &scriptedRand{})
		wpt.AddPath(1, mustPath(4))
		meta := PacketMeta{Dst: mustAddr("10.0.0.2")}
		if _, err := wpt.RoutePacket(&meta); !errors.Is(err, ErrNoRoute) {
			t.Errorf("expecting ErrNoRoute, got %v", err)
		}
		meta = meta.WithFlowID(12)
		p, err := wpt.RoutePacket(&meta)
		if err != nil || p != mustPath(4) || meta.PathID != p {
			t.Errorf("expecting path 4 written to meta, got %s (%s) err=%v", p, meta.PathID, err)
		}
	})

	t.Run("per-dest shares rotation across flows", func(t *testing.T) {
		wpt := CreateWeightedPathTable("drb", PerDest, &scriptedRand{ints: []int{0}})
		wpt.AddPath(1, mustPath(1))
		wpt.AddPath(1, mustPath(2))
		m1 := PacketMeta{Dst: mustAddr("10.0.0.2")}.WithFlowID(1)
		m2 := PacketMeta{Dst: mustAddr("10.0.0.2")}.WithFlowID(2)
		p1, _ := wpt.RoutePacket(&m1)
		p2, _ := wpt.RoutePacket(&m2)
		if p1 != mustPath(1) || p2 != mustPath(2) {
			t.Errorf("expecting 1 then 2, got %s then %s", p1, p2)
		}
	})
}
