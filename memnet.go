package mpsteer

// memnet.go is an in-memory datagram network for probe channels.  Delivery is a
// callback scheduled on the network's Scheduler, delayed by the latency of the
// path the datagram takes.  With a Fabric attached the path is walked hop by hop,
// so a datagram whose PathID does not lead to its destination is lost, and one
// crossing a marking link arrives CE marked if it was sent ECN-capable.

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// DefaultMemLatency is the one-way latency, in seconds, used without a fabric
const DefaultMemLatency = 10e-6

// MemNetwork connects MemChannels
type MemNetwork struct {
	Name    string
	Latency float64 // used when there is no fabric

	fab       *Fabric
	sched     Scheduler
	endpoints map[netip.AddrPort]*MemChannel
	dropPaths map[PathID]bool
	markPaths map[PathID]bool

	Delivered int
	Dropped   int
}

// CreateMemNetwork is a constructor.  fab may be nil, in which case every
// datagram takes Latency seconds and nothing is marked or lost.
func CreateMemNetwork(name string, sched Scheduler, fab *Fabric) *MemNetwork {
	mn := new(MemNetwork)
	mn.Name = name
	mn.Latency = DefaultMemLatency
	mn.fab = fab
	mn.sched = sched
	mn.endpoints = make(map[netip.AddrPort]*MemChannel)
	mn.dropPaths = make(map[PathID]bool)
	mn.markPaths = make(map[PathID]bool)
	return mn
}

// DropPath makes the network silently lose datagrams sent on path id
func (mn *MemNetwork) DropPath(id PathID, drop bool) {
	mn.dropPaths[id] = drop
}

// MarkPath makes the network CE mark ECN-capable datagrams sent on path id
func (mn *MemNetwork) MarkPath(id PathID, mark bool) {
	mn.markPaths[id] = mark
}

// Channel returns the channel bound to addr, creating it
func (mn *MemNetwork) Channel(addr netip.AddrPort) *MemChannel {
	if mc, present := mn.endpoints[addr]; present {
		return mc
	}
	mc := &MemChannel{net: mn, addr: addr}
	mn.endpoints[addr] = mc
	return mc
}

// route works out how long a datagram from src takes and whether it arrives
// marked.  An error means the datagram is lost.
func (mn *MemNetwork) route(src, dst netip.AddrPort, meta PacketMeta) (float64, bool, error) {
	if mn.dropPaths[meta.PathID] {
		return 0.0, false, fmt.Errorf("path %s drops: %w", meta.PathID, ErrNoRoute)
	}
	marked := mn.markPaths[meta.PathID]
	if mn.fab == nil {
		return mn.Latency, marked, nil
	}

	srcHost, srcOK := mn.fab.HostByAddr(src.Addr())
	dstHost, dstOK := mn.fab.HostByAddr(dst.Addr())
	if !srcOK || !dstOK {
		return 0.0, false, fmt.Errorf("%s to %s not in fabric %s: %w", src, dst, mn.fab.Name, ErrNoRoute)
	}

	id := meta.PathID
	if IsTerminal(id) {
		// no explicit path, so take the first of the equal-cost paths
		ids, err := mn.fab.EqualCostPaths(srcHost, dstHost)
		if err != nil {
			return 0.0, false, err
		}
		id = ids[0]
	}
	wr, err := mn.fab.Walk(srcHost, id)
	if err != nil {
		return 0.0, false, err
	}
	if wr.Dst != dstHost {
		return 0.0, false, fmt.Errorf("path %s from %s reaches %s, not %s: %w", id, srcHost, wr.Dst, dstHost, ErrNoRoute)
	}
	return wr.Latency, marked || wr.Marked, nil
}

// MemChannel is one endpoint of a MemNetwork.  It implements ProbeChannel.
type MemChannel struct {
	net  *MemNetwork
	addr netip.AddrPort
	recv func(Datagram)
	open bool
}

// Open implements ProbeChannel
func (mc *MemChannel) Open(recv func(Datagram)) error {
	mc.recv = recv
	mc.open = true
	return nil
}

// SendTo implements ProbeChannel.  A datagram the network loses is not an error
// to the sender, just as on a real network.
func (mc *MemChannel) SendTo(dst netip.AddrPort, payload []byte, meta PacketMeta) error {
	if !mc.open {
		return ErrChanClosed
	}
	mn := mc.net
	latency, marked, err := mn.route(mc.addr, dst, meta)
	if err != nil {
		mn.Dropped += 1
		log.WithFields(logrus.Fields{"net": mn.Name, "from": mc.addr.String(), "to": dst.String(), "err": err}).
			Debug("datagram lost")
		return nil
	}

	rcvr, present := mn.endpoints[dst]
	if !present {
		mn.Dropped += 1
		return nil
	}

	arrived := meta
	arrived.Src = mc.addr.Addr()
	arrived.Dst = dst.Addr()
	arrived.CE = meta.ECT && (meta.CE || marked)
	dg := Datagram{From: mc.addr, Payload: append([]byte(nil), payload...), Meta: arrived}

	mn.sched.ScheduleAfter(latency, func() {
		if !rcvr.open || rcvr.recv == nil {
			mn.Dropped += 1
			return
		}
		mn.Delivered += 1
		rcvr.recv(dg)
	})
	return nil
}

// LocalAddr implements ProbeChannel
func (mc *MemChannel) LocalAddr() netip.AddrPort {
	return mc.addr
}

// Close implements ProbeChannel.  Datagrams still in flight to it are lost.
func (mc *MemChannel) Close() error {
	mc.open = false
	return nil
}
