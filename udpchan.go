package mpsteer

// udpchan.go carries probes over real UDP sockets.  Outgoing datagrams have the
// ECN field of the IP header set as the packet metadata asks.  On IPv6 the
// traffic class of each arriving datagram is read back, so a probe that met a
// congested queue arrives with CE set; IPv4 sockets give no per-datagram TOS,
// so there CE is never reported.
//
// A reader goroutine owns the socket's receive side and hands every datagram to
// the Scheduler, so the receive function runs on the event loop like any other
// callback.

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ECN codepoints of the IP header
const (
	ecnMask  = 0x03
	ecnECT0  = 0x02
	ecnCE    = 0x03
	maxProbe = 1500
)

// UDPChannel is a ProbeChannel over a UDP socket
type UDPChannel struct {
	Name  string
	laddr netip.AddrPort
	sched Scheduler

	conn   *net.UDPConn
	p4     *ipv4.PacketConn
	p6     *ipv6.PacketConn
	tos    int
	recv   func(Datagram)
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// CreateUDPChannel is a constructor.  Port 0 in laddr picks an ephemeral port.
func CreateUDPChannel(name string, laddr netip.AddrPort, sched Scheduler) *UDPChannel {
	uc := new(UDPChannel)
	uc.Name = name
	uc.laddr = laddr
	uc.sched = sched
	return uc
}

// Open implements ProbeChannel
func (uc *UDPChannel) Open(recv func(Datagram)) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(uc.laddr))
	if err != nil {
		return fmt.Errorf("channel %s: %w", uc.Name, err)
	}
	uc.conn = conn
	uc.recv = recv
	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	uc.laddr = netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())

	if uc.laddr.Addr().Is4() {
		uc.p4 = ipv4.NewPacketConn(conn)
		if err := uc.p4.SetTOS(ecnECT0); err != nil {
			log.WithFields(logrus.Fields{"chan": uc.Name, "err": err}).Warn("cannot set ECN field")
		}
		uc.tos = ecnECT0
	} else {
		uc.p6 = ipv6.NewPacketConn(conn)
		if err := uc.p6.SetControlMessage(ipv6.FlagTrafficClass, true); err != nil {
			log.WithFields(logrus.Fields{"chan": uc.Name, "err": err}).Warn("cannot read traffic class")
		}
	}

	uc.wg.Add(1)
	go uc.readLoop()
	log.WithFields(logrus.Fields{"chan": uc.Name, "addr": uc.laddr.String()}).Info("probe channel open")
	return nil
}

// readLoop moves datagrams from the socket onto the scheduler until the socket closes
func (uc *UDPChannel) readLoop() {
	defer uc.wg.Done()
	buf := make([]byte, maxProbe)
	for {
		var n int
		var src net.Addr
		var err error
		ce := false

		if uc.p6 != nil {
			var cm *ipv6.ControlMessage
			n, cm, src, err = uc.p6.ReadFrom(buf)
			ce = cm != nil && cm.TrafficClass&ecnMask == ecnCE
		} else {
			n, _, src, err = uc.p4.ReadFrom(buf)
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithFields(logrus.Fields{"chan": uc.Name, "err": err}).Warn("probe channel read")
			continue
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := udpSrc.AddrPort()
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		dg := Datagram{From: from, Payload: append([]byte(nil), buf[:n]...),
			Meta: PacketMeta{Src: from.Addr(), Dst: uc.laddr.Addr(), CE: ce, ECT: ce, Size: n}}

		uc.sched.ScheduleNow(func() {
			uc.mu.Lock()
			closed := uc.closed
			uc.mu.Unlock()
			if !closed {
				uc.recv(dg)
			}
		})
	}
}

// SendTo implements ProbeChannel.  ECT in meta selects ECT(0) in the IP header.
func (uc *UDPChannel) SendTo(dst netip.AddrPort, payload []byte, meta PacketMeta) error {
	uc.mu.Lock()
	closed := uc.closed
	uc.mu.Unlock()
	if closed || uc.conn == nil {
		return ErrChanClosed
	}

	ecn := 0
	if meta.ECT {
		ecn = ecnECT0
	}
	udpDst := net.UDPAddrFromAddrPort(dst)

	var err error
	if uc.p6 != nil {
		_, err = uc.p6.WriteTo(payload, &ipv6.ControlMessage{TrafficClass: ecn}, udpDst)
	} else {
		if ecn != uc.tos {
			if err = uc.p4.SetTOS(ecn); err != nil {
				return fmt.Errorf("channel %s: %w", uc.Name, err)
			}
			uc.tos = ecn
		}
		_, err = uc.p4.WriteTo(payload, nil, udpDst)
	}
	if err != nil {
		return fmt.Errorf("channel %s: %w", uc.Name, err)
	}
	return nil
}

// LocalAddr implements ProbeChannel.  After Open it holds the bound port.
func (uc *UDPChannel) LocalAddr() netip.AddrPort {
	return uc.laddr
}

// Close implements ProbeChannel.  It waits for the reader to exit.
func (uc *UDPChannel) Close() error {
	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		return nil
	}
	uc.closed = true
	uc.mu.Unlock()

	if uc.conn == nil {
		return nil
	}
	err := uc.conn.Close()
	uc.wg.Wait()
	return err
}
