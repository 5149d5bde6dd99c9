package mpsteer

// fabric.go turns a description of a multi-stage fabric into the explicit paths
// the selectors choose among.
//
// The fabric is converted into a gonum graph with every link weighted 1, so that
// the shortest paths between two hosts are the minimum-hop paths ECMP would spread
// over.  Every one of those paths is then re-expressed as the sequence of egress
// ports the transit switches use, and packed into a PathID.  The host a packet
// starts from always sends out of its port 1, so the first hop in a PathID is the
// egress port of the first switch.

import (
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"os"
	"path"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph"
	gpath "gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gopkg.in/yaml.v3"
)

// hostUplink is the port every host sends out of
const hostUplink = 1

// NodeDesc describes a fabric node.  Kind is "host" or "switch"; hosts carry an address.
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// LinkDesc describes a bidirectional link between port APort of A and port BPort of B.
// Latency is the one-way propagation delay in seconds; Mark makes the link set
// CE on ECN-capable packets crossing it, standing in for a congested queue.
type LinkDesc struct {
	A       string  `json:"a" yaml:"a"`
	APort   int     `json:"aport" yaml:"aport"`
	B       string  `json:"b" yaml:"b"`
	BPort   int     `json:"bport" yaml:"bport"`
	Latency float64 `json:"latency" yaml:"latency"`
	Mark    bool    `json:"mark,omitempty" yaml:"mark,omitempty"`
}

// FabricCfg is the serializable description of a fabric
type FabricCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// CreateFabricCfg is an initialization constructor
func CreateFabricCfg(name string) *FabricCfg {
	fc := new(FabricCfg)
	fc.Name = name
	fc.Nodes = make([]NodeDesc, 0)
	fc.Links = make([]LinkDesc, 0)
	return fc
}

// AddHost adds a host node
func (fc *FabricCfg) AddHost(name, addr string) {
	fc.Nodes = append(fc.Nodes, NodeDesc{Name: name, Kind: "host", Addr: addr})
}

// AddSwitch adds a switch node
func (fc *FabricCfg) AddSwitch(name string) {
	fc.Nodes = append(fc.Nodes, NodeDesc{Name: name, Kind: "switch"})
}

// Connect adds a link
func (fc *FabricCfg) Connect(a string, aPort int, b string, bPort int, latency float64) {
	fc.Links = append(fc.Links, LinkDesc{A: a, APort: aPort, B: b, BPort: bPort, Latency: latency})
}

// WriteToFile stores the FabricCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (fc *FabricCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*fc)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*fc, "", "\t")
	} else {
		return fmt.Errorf("fabric file %s: unknown extension %q", filename, pathExt)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadFabricCfg deserializes a byte slice holding a representation of a FabricCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadFabricCfg(filename string, useYAML bool, dict []byte) (*FabricCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := FabricCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// fabricNode is the run-time representation of a node
type fabricNode struct {
	id    int64
	name  string
	host  bool
	addr  netip.Addr
	fwd   *XPathForwarder
	ports map[int]*fabricLink // egress port -> link leaving through it
}

// fabricLink is one direction of a link
type fabricLink struct {
	from, to         *fabricNode
	fromPort, toPort int
	latency          float64
	mark             bool
}

// Fabric is a built fabric together with its shortest-path structure
type Fabric struct {
	Name   string
	nodes  map[string]*fabricNode
	byID   map[int64]*fabricNode
	byAddr map[netip.Addr]*fabricNode
	links  map[[2]int64]*fabricLink

	connGraph *simple.WeightedUndirectedGraph
	allSP     *gpath.AllShortest
	ecmp      map[[2]int64][]PathID
}

// BuildFabric checks a FabricCfg and builds the run-time fabric from it.
// Every problem found is reported, aggregated into one error.
func BuildFabric(fc *FabricCfg) (*Fabric, error) {
	fab := new(Fabric)
	fab.Name = fc.Name
	fab.nodes = make(map[string]*fabricNode)
	fab.byID = make(map[int64]*fabricNode)
	fab.byAddr = make(map[netip.Addr]*fabricNode)
	fab.links = make(map[[2]int64]*fabricLink)
	fab.ecmp = make(map[[2]int64][]PathID)
	fab.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))

	errs := []error{}
	for idx, nd := range fc.Nodes {
		if _, present := fab.nodes[nd.Name]; present {
			errs = append(errs, fmt.Errorf("node name %s over-used", nd.Name))
			continue
		}
		fn := &fabricNode{id: int64(idx), name: nd.Name, ports: make(map[int]*fabricLink)}
		switch nd.Kind {
		case "host":
			fn.host = true
			addr, err := netip.ParseAddr(nd.Addr)
			if err != nil {
				errs = append(errs, fmt.Errorf("host %s: %w", nd.Name, err))
				continue
			}
			if _, present := fab.byAddr[addr]; present {
				errs = append(errs, fmt.Errorf("address %s over-used", addr))
				continue
			}
			fn.addr = addr
			fab.byAddr[addr] = fn
		case "switch":
		default:
			errs = append(errs, fmt.Errorf("node %s has unknown kind %q", nd.Name, nd.Kind))
			continue
		}
		fab.nodes[fn.name] = fn
		fab.byID[fn.id] = fn
		fab.connGraph.AddNode(simple.Node(fn.id))
	}

	for _, ld := range fc.Links {
		a, aOK := fab.nodes[ld.A]
		b, bOK := fab.nodes[ld.B]
		if !aOK || !bOK {
			errs = append(errs, fmt.Errorf("link %s-%s names an unknown node", ld.A, ld.B))
			continue
		}
		if a == b {
			errs = append(errs, fmt.Errorf("link from %s to itself", ld.A))
			continue
		}
		if err := fab.addLink(a, ld.APort, b, ld.BPort, ld.Latency, ld.Mark); err != nil {
			errs = append(errs, err)
		}
	}

	maxPort := make(map[*fabricNode]int)
	for _, fn := range fab.nodes {
		for port := range fn.ports {
			if port > maxPort[fn] {
				maxPort[fn] = port
			}
		}
		fn.fwd = CreateXPathForwarder(fn.name, maxPort[fn]+1)
		if fn.host && len(fn.ports) > 0 {
			if _, present := fn.ports[hostUplink]; !present {
				errs = append(errs, fmt.Errorf("host %s has no port %d", fn.name, hostUplink))
			}
		}
	}

	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	return fab, nil
}

// addLink records both directions of a link and the graph edge between them
func (fab *Fabric) addLink(a *fabricNode, aPort int, b *fabricNode, bPort int, latency float64, mark bool) error {
	for _, ep := range []struct {
		fn   *fabricNode
		port int
	}{{a, aPort}, {b, bPort}} {
		if ep.port < 1 || ep.port > MaxPort {
			return fmt.Errorf("node %s port %d: %w", ep.fn.name, ep.port, ErrPortRange)
		}
		if _, present := ep.fn.ports[ep.port]; present {
			return fmt.Errorf("node %s port %d used twice", ep.fn.name, ep.port)
		}
	}

	ab := &fabricLink{from: a, to: b, fromPort: aPort, toPort: bPort, latency: latency, mark: mark}
	ba := &fabricLink{from: b, to: a, fromPort: bPort, toPort: aPort, latency: latency, mark: mark}
	a.ports[aPort] = ab
	b.ports[bPort] = ba

	// parallel links between the same pair are distinct paths to ECMP, but the graph
	// holds one edge per pair, so only the lowest port of each pair is used
	key := [2]int64{a.id, b.id}
	if prior, present := fab.links[key]; present && prior.fromPort < aPort {
		return nil
	}
	fab.links[key] = ab
	fab.links[[2]int64{b.id, a.id}] = ba
	fab.connGraph.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a.id), T: simple.Node(b.id), W: 1.0})
	return nil
}

// Hosts returns the names of the fabric's hosts, sorted
func (fab *Fabric) Hosts() []string {
	names := make([]string, 0)
	for name, fn := range fab.nodes {
		if fn.host {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HostAddr returns the address of the named host
func (fab *Fabric) HostAddr(name string) (netip.Addr, bool) {
	fn, present := fab.nodes[name]
	if !present || !fn.host {
		return netip.Addr{}, false
	}
	return fn.addr, true
}

// HostByAddr returns the name of the host with address addr
func (fab *Fabric) HostByAddr(addr netip.Addr) (string, bool) {
	fn, present := fab.byAddr[addr]
	if !present {
		return "", false
	}
	return fn.name, true
}

// Forwarder returns the XPath forwarder of the named node
func (fab *Fabric) Forwarder(name string) (*XPathForwarder, bool) {
	fn, present := fab.nodes[name]
	if !present {
		return nil, false
	}
	return fn.fwd, true
}

// shortest returns the all-pairs shortest path structure, computing it on first use
func (fab *Fabric) shortest() *gpath.AllShortest {
	if fab.allSP == nil {
		allSP := gpath.DijkstraAllPaths(fab.connGraph)
		fab.allSP = &allSP
	}
	return fab.allSP
}

// EqualCostPaths returns every minimum-hop path from host src to host dst that
// transits only switches, as PathIDs in ascending order.  Results are cached.
func (fab *Fabric) EqualCostPaths(src, dst string) ([]PathID, error) {
	srcNode, srcOK := fab.nodes[src]
	dstNode, dstOK := fab.nodes[dst]
	if !srcOK || !dstOK || !srcNode.host || !dstNode.host {
		return nil, fmt.Errorf("%s to %s: endpoints must be hosts: %w", src, dst, ErrNoRoute)
	}
	key := [2]int64{srcNode.id, dstNode.id}
	if ids, present := fab.ecmp[key]; present {
		return ids, nil
	}

	nodeSeqs, _ := fab.shortest().AllBetween(srcNode.id, dstNode.id)
	ids := make([]PathID, 0, len(nodeSeqs))
	for _, nodeSeq := range nodeSeqs {
		id, ok, err := fab.encodeNodeSeq(nodeSeq)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s to %s: %w", src, dst, ErrNoRoute)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fab.ecmp[key] = ids
	log.WithFields(logrus.Fields{"fabric": fab.Name, "src": src, "dst": dst, "paths": len(ids)}).Debug("equal-cost paths")
	return ids, nil
}

// encodeNodeSeq converts a graph path into the egress ports of its transit nodes.
// ok is false for a path that transits a host.
func (fab *Fabric) encodeNodeSeq(nodeSeq []graph.Node) (PathID, bool, error) {
	hops := make([]int, 0, len(nodeSeq))
	for idx := 1; idx < len(nodeSeq)-1; idx++ {
		here := fab.byID[nodeSeq[idx].ID()]
		if here.host {
			return 0, false, nil
		}
		link := fab.links[[2]int64{here.id, nodeSeq[idx+1].ID()}]
		hops = append(hops, link.fromPort)
	}
	id, err := EncodePath(hops)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// WalkResult is where a walk along a PathID ended and what it met on the way
type WalkResult struct {
	Dst     string   // host the path delivered to
	Nodes   []string // every node visited, source first
	Latency float64  // sum of link latencies
	Marked  bool     // some link on the way marks CE
}

// Walk follows explicit path id from host src, hop by hop, using each switch's
// XPathForwarder the way the packet would be forwarded.  A path that names a
// missing port, or that runs out at a switch, is a no-route condition.
func (fab *Fabric) Walk(src string, id PathID) (WalkResult, error) {
	wr := WalkResult{Nodes: make([]string, 0, MaxPathHops+2)}
	here, present := fab.nodes[src]
	if !present || !here.host {
		return wr, fmt.Errorf("walk from %s: %w", src, ErrNoRoute)
	}
	wr.Nodes = append(wr.Nodes, here.name)

	link, present := here.ports[hostUplink]
	if !present {
		return wr, fmt.Errorf("host %s not attached: %w", src, ErrNoRoute)
	}

	meta := PacketMeta{PathID: id}
	for {
		wr.Latency += link.latency
		wr.Marked = wr.Marked || link.mark
		here = link.to
		wr.Nodes = append(wr.Nodes, here.name)

		port, local, err := here.fwd.Forward(&meta)
		if err != nil {
			return wr, err
		}
		if local {
			if !here.host {
				return wr, fmt.Errorf("path %s ends at switch %s: %w", id, here.name, ErrNoRoute)
			}
			wr.Dst = here.name
			return wr, nil
		}
		if here.host {
			return wr, fmt.Errorf("path %s transits host %s: %w", id, here.name, ErrNoRoute)
		}
		link, present = here.ports[port]
		if !present {
			return wr, fmt.Errorf("node %s port %d not connected: %w", here.name, port, ErrNoRoute)
		}
	}
}

// PathString lists the nodes a path from src visits, comma separated
func (fab *Fabric) PathString(src string, id PathID) string {
	wr, err := fab.Walk(src, id)
	if err != nil {
		return err.Error()
	}
	str := ""
	for idx, name := range wr.Nodes {
		if idx > 0 {
			str += ","
		}
		str += name
	}
	return str
}

// PopulateDRB gives table a per-destination override for every other host,
// holding the equal-cost paths from src.  Call it before adding default paths:
// an override is seeded from whatever the default set holds when it is created.
func (fab *Fabric) PopulateDRB(wpt *WeightedPathTable, src string) error {
	errs := []error{}
	for _, dst := range fab.Hosts() {
		if dst == src {
			continue
		}
		ids, err := fab.EqualCostPaths(src, dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dstAddr := fab.nodes[dst].addr
		for _, id := range ids {
			if err := wpt.AddWeightedPath(dstAddr, 1, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return ReportErrs(errs)
}

// hostCandidates is the CandidateSource of the paths leaving one host
type hostCandidates struct {
	fab *Fabric
	src string
}

// Candidates implements CandidateSource.  An unknown destination has no candidates.
func (hc *hostCandidates) Candidates(dst netip.Addr) []PathID {
	dstNode, present := hc.fab.byAddr[dst]
	if !present {
		return nil
	}
	ids, err := hc.fab.EqualCostPaths(hc.src, dstNode.name)
	if err != nil {
		return nil
	}
	return ids
}

// CandidatesFrom returns the CandidateSource for packets leaving host src
func (fab *Fabric) CandidatesFrom(src string) CandidateSource {
	return &hostCandidates{fab: fab, src: src}
}

// LoadFabric reads a fabric description, yaml or json by extension, and builds it
func LoadFabric(filename string) (*Fabric, error) {
	ext := path.Ext(filename)
	useYAML := (ext == ".yaml") || (ext == ".yml")
	fc, err := ReadFabricCfg(filename, useYAML, []byte{})
	if err != nil {
		return nil, err
	}
	return BuildFabric(fc)
}
