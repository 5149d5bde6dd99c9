package mpsteer

// pathcodec.go holds the explicit-path (XPath) representation: a stack of egress
// port numbers packed two decimal digits per hop into one integer, and the
// hop-by-hop forwarder that consumes it

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// PathID encodes an ordered stack of egress ports, two decimal digits per hop.
// The next hop to take is always in the two lowest-order digits, so a forwarding
// node reads id % 100 and passes id / 100 on.  PathID 0 means no hops remain
// and the packet is delivered locally.
type PathID uint64

// hopRadix is the numeric width of one hop
const hopRadix = 100

// MaxPathHops is the number of two-digit groups a 64-bit PathID can hold.
// It is a hard limit on the depth of the topology a path may cross; a fabric
// that needs longer paths, or more than 99 ports on a node, needs a different radix.
const MaxPathHops = 9

// MaxPort is the largest egress port a hop can name
const MaxPort = hopRadix - 1

// EncodePath packs hops into a PathID such that repeated DecodeHead calls return
// the hops in their original order.  Port 0 is the node-local interface and cannot
// be an egress hop: a zero in the last position would be read as "no more hops".
func EncodePath(hops []int) (PathID, error) {
	if len(hops) > MaxPathHops {
		return 0, fmt.Errorf("%d hops, limit %d: %w", len(hops), MaxPathHops, ErrPathTooLong)
	}

	var id PathID
	// last hop goes in first so that it ends up in the highest-order digits
	for idx := len(hops) - 1; idx >= 0; idx-- {
		port := hops[idx]
		if port < 1 || port > MaxPort {
			return 0, fmt.Errorf("hop %d port %d: %w", idx, port, ErrPortRange)
		}
		id = id*hopRadix + PathID(port)
	}
	return id, nil
}

// DecodeHead splits off the next hop.  Callers must test IsTerminal first;
// calling it on a terminal id is reported as ErrTerminalPath.
func DecodeHead(id PathID) (int, PathID, error) {
	if IsTerminal(id) {
		return 0, 0, ErrTerminalPath
	}
	return int(id % hopRadix), id / hopRadix, nil
}

// IsTerminal reports whether the path has no hops left
func IsTerminal(id PathID) bool {
	return id == 0
}

// DecodePath unpacks every hop of id, first hop first
func DecodePath(id PathID) ([]int, error) {
	hops := make([]int, 0, MaxPathHops)
	for !IsTerminal(id) {
		port, rest, err := DecodeHead(id)
		if err != nil {
			return nil, err
		}
		if port == 0 {
			return nil, fmt.Errorf("hop %d of path %d: %w", len(hops), id, ErrPortRange)
		}
		hops = append(hops, port)
		id = rest
	}
	return hops, nil
}

// Hops returns the number of hops remaining in id
func (id PathID) Hops() int {
	n := 0
	for ; id != 0; id /= hopRadix {
		n += 1
	}
	return n
}

// String renders the hop stack as dotted port numbers, first hop first
func (id PathID) String() string {
	if IsTerminal(id) {
		return "local"
	}
	parts := make([]string, 0, MaxPathHops)
	for ; id != 0; id /= hopRadix {
		parts = append(parts, strconv.Itoa(int(id%hopRadix)))
	}
	return strings.Join(parts, ".")
}

// XPathForwarder is the per-node consumer of explicit paths.  numPorts is the
// size of the node's interface table, with interface 0 the local one.
type XPathForwarder struct {
	Name     string
	numPorts int
}

// CreateXPathForwarder is a constructor
func CreateXPathForwarder(name string, numPorts int) *XPathForwarder {
	return &XPathForwarder{Name: name, numPorts: numPorts}
}

// Forward strips the next hop from meta.PathID and returns the egress port.
// local is true when the path is exhausted and the packet belongs to this node.
// A decoded port the node does not have is a no-route condition.
func (xf *XPathForwarder) Forward(meta *PacketMeta) (port int, local bool, err error) {
	if IsTerminal(meta.PathID) {
		return 0, true, nil
	}

	port, rest, err := DecodeHead(meta.PathID)
	if err != nil {
		return 0, false, err
	}

	if port < 1 || port >= xf.numPorts {
		log.WithFields(logrus.Fields{"node": xf.Name, "port": port, "path": meta.PathID.String()}).
			Warn("decoded port outside interface table")
		return 0, false, fmt.Errorf("node %s port %d: %w", xf.Name, port, ErrNoRoute)
	}

	meta.PathID = rest
	return port, false, nil
}
