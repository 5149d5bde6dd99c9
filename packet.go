package mpsteer

// packet.go holds the typed per-packet metadata the core reads and writes,
// and the flow-key construction used by the path selectors

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// PacketMeta is the metadata carried alongside a packet's payload.
// The flow identifier is optional; HasFlowID tells whether it was attached.
type PacketMeta struct {
	Src       netip.Addr
	Dst       netip.Addr
	PathID    PathID // remaining explicit path
	FlowID    uint32 // opaque grouping key, valid only when HasFlowID
	HasFlowID bool
	Epoch     uint64 // path epoch of the sender's binding, folded into the flow key
	ECT       bool // sender marked the packet ECN-capable
	CE        bool // congestion experienced, set by a congested hop
	TTL       int
	Size      int // bytes on the wire
}

// WithFlowID returns a copy of meta carrying flow id fid
func (meta PacketMeta) WithFlowID(fid uint32) PacketMeta {
	meta.FlowID = fid
	meta.HasFlowID = true
	return meta
}

// FlowKey is the identity a selector keeps path state under
type FlowKey uint64

// BindingMode selects how a packet is grouped into a FlowKey
type BindingMode int

const (
	PerFlow BindingMode = iota
	PerDest
)

// BindingModeFromStr converts the configuration spelling of a binding mode
func BindingModeFromStr(mode string) (BindingMode, error) {
	switch mode {
	case "", "flow", "per-flow", "perflow", "PER_FLOW":
		return PerFlow, nil
	case "dest", "per-dest", "perdest", "PER_DEST":
		return PerDest, nil
	}
	return PerFlow, fmt.Errorf("unknown binding mode %q", mode)
}

// String returns the configuration spelling
func (bm BindingMode) String() string {
	if bm == PerDest {
		return "per-dest"
	}
	return "per-flow"
}

// FlowIDKey is the key of a transport flow
func FlowIDKey(fid uint32) FlowKey {
	return FlowKey(fid)
}

// DestKey hashes a destination address into a key
func DestKey(dst netip.Addr) FlowKey {
	b := dst.As16()
	return FlowKey(xxhash.Sum64(b[:]))
}

// FoldEpoch mixes a path epoch into a key so that a changed epoch names a fresh
// binding.  Epoch 0 leaves the key unchanged.
func FoldEpoch(key FlowKey, epoch uint64) FlowKey {
	if epoch == 0 {
		return key
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(key))
	binary.BigEndian.PutUint64(buf[8:], epoch)
	return FlowKey(xxhash.Sum64(buf[:]))
}

// KeyFor builds the key of meta under binding mode bm, with the packet's epoch
// folded in.  PerFlow needs a flow id on the packet; its absence is a no-route
// condition rather than a silent default.
func KeyFor(meta *PacketMeta, bm BindingMode) (FlowKey, error) {
	if bm == PerDest {
		return FoldEpoch(DestKey(meta.Dst), meta.Epoch), nil
	}
	if !meta.HasFlowID {
		return 0, fmt.Errorf("packet to %s carries no flow id: %w", meta.Dst, ErrNoRoute)
	}
	return FoldEpoch(FlowIDKey(meta.FlowID), meta.Epoch), nil
}

// IsUnicast reports whether dst names a single host.  Multicast, the limited
// broadcast address and unset addresses are not unicast.
func IsUnicast(dst netip.Addr) bool {
	if !dst.IsValid() || dst.IsUnspecified() || dst.IsMulticast() {
		return false
	}
	if dst.Is4() && dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return false
	}
	return true
}
