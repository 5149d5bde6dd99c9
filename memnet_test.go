package mpsteer

import (
	"errors"
	"math"
	"net/netip"
	"testing"
)

func TestMemNetworkOverFabric(t *testing.T) {
	fab := buildLeafSpine(t)
	vs := createSched()
	mn := CreateMemNetwork("fabric", vs, fab)
	a := mn.Channel(netip.MustParseAddrPort("10.0.0.1:9000"))
	b := mn.Channel(netip.MustParseAddrPort("10.0.0.2:9000"))

	got := make([]Datagram, 0)
	a.Open(func(Datagram) {})
	b.Open(func(dg Datagram) { got = append(got, dg) })

	tests := []struct {
		name    string
		id      PathID
		ect     bool
		arrives bool
		ce      bool
	}{
		{"clean path", mustPath(2, 2, 1), true, true, false},
		{"marking path", mustPath(3, 2, 1), true, true, true},
		{"marking path, not ECN capable", mustPath(3, 2, 1), false, true, false},
		{"path to another host", mustPath(4), true, false, false},
		{"default path", 0, true, true, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got = got[:0]
			start := vs.Now()
			err := a.SendTo(b.LocalAddr(), []byte("x"), PacketMeta{PathID: test.id, ECT: test.ect})
			if err != nil {
				t.Fatal(err)
			}
			vs.Run(start + 1e-3)
			if !test.arrives {
				if len(got) != 0 {
					t.Errorf("datagram should have been lost")
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("expecting one datagram, got %d", len(got))
			}
			if got[0].Meta.CE != test.ce || got[0].From != a.LocalAddr() {
				t.Errorf("unexpected arrival %+v", got[0])
			}
		})
	}
	if mn.Dropped != 1 || mn.Delivered != 4 {
		t.Errorf("expecting 4 delivered and 1 dropped, got %d and %d", mn.Delivered, mn.Dropped)
	}

	b.Close()
	if err := b.SendTo(a.LocalAddr(), []byte("x"), PacketMeta{}); !errors.Is(err, ErrChanClosed) {
		t.Errorf("send on a closed channel: expecting ErrChanClosed, got %v", err)
	}
}

func TestProbeOverFabric(t *testing.T) {
	fab := buildLeafSpine(t)
	vs := createSched()
	mn := CreateMemNetwork("fabric", vs, fab)
	events := new(eventLog)

	aAddr := netip.MustParseAddrPort("10.0.0.1:9000")
	bAddr := netip.MustParseAddrPort("10.0.0.2:9000")
	cfg := ProbeCfg{Name: "h1-s2", Target: bAddr.String(), Path: mustPath(3, 2, 1)}
	prober, err := CreateProbeEngine(cfg, vs, mn.Channel(aAddr), fixedRand{}, events)
	if err != nil {
		t.Fatal(err)
	}
	resp, _ := CreateProbeEngine(ProbeCfg{Name: "h2"}, vs, mn.Channel(bAddr), fixedRand{}, nil)
	resp.Start()
	prober.Start()
	prober.Stop(0.0)
	vs.Run(1.0)

	if len(events.completed) != 1 {
		t.Fatalf("expecting one completed probe, got %d", len(events.completed))
	}
	pr := events.completed[0]
	if !pr.CE || math.Abs(pr.OneWay-6e-6) > 1e-12 || pr.Name != "h1-s2" {
		t.Errorf("unexpected probe result %+v", pr)
	}
}
