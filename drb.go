package mpsteer

// drb.go implements static weighted flow-to-path binding (DRB).  A path of weight w
// appears w times in its set; a flow's first lookup starts at a random index and
// every further lookup continues round-robin from there

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// WeightedPathSet is an ordered list of paths in which repetition encodes weight
type WeightedPathSet []PathID

// Weight returns the number of times path appears in the set
func (wps WeightedPathSet) Weight(path PathID) int {
	w := 0
	for _, p := range wps {
		if p == path {
			w += 1
		}
	}
	return w
}

// WeightedPathTable holds the default path set, destination-keyed overrides,
// and the rotation index of every key it has seen.  Rotation entries are never
// removed; a stale one only costs its map slot.
type WeightedPathTable struct {
	Name       string
	mode       BindingMode
	defaultSet WeightedPathSet
	overrides  map[netip.Addr]WeightedPathSet
	rotation   map[FlowKey]int
	rng        RandSource
}

// CreateWeightedPathTable is a constructor
func CreateWeightedPathTable(name string, mode BindingMode, rng RandSource) *WeightedPathTable {
	wpt := new(WeightedPathTable)
	wpt.Name = name
	wpt.mode = mode
	wpt.defaultSet = make(WeightedPathSet, 0)
	wpt.overrides = make(map[netip.Addr]WeightedPathSet)
	wpt.rotation = make(map[FlowKey]int)
	wpt.rng = rng
	return wpt
}

// Mode returns the binding mode the table was built with
func (wpt *WeightedPathTable) Mode() BindingMode {
	return wpt.mode
}

// checkWeight rejects weights the table cannot honor
func (wpt *WeightedPathTable) checkWeight(weight int) error {
	if weight < 1 {
		return fmt.Errorf("table %s weight %d: %w", wpt.Name, weight, ErrWeight)
	}
	// hashing destinations onto a weighted set would tie the weight to
	// whatever destinations happen to collide, so only per-flow binding may weight
	if weight != 1 && wpt.mode == PerDest {
		return fmt.Errorf("table %s weight %d: %w", wpt.Name, weight, ErrWeightMode)
	}
	return nil
}

// appendWeighted returns wps extended by weight copies of path
func appendWeighted(wps WeightedPathSet, weight int, path PathID) WeightedPathSet {
	for idx := 0; idx < weight; idx++ {
		wps = append(wps, path)
	}
	return wps
}

// AddPath appends weight copies of path to the default set
func (wpt *WeightedPathTable) AddPath(weight int, path PathID) error {
	if err := wpt.checkWeight(weight); err != nil {
		return err
	}
	wpt.defaultSet = appendWeighted(wpt.defaultSet, weight, path)
	return nil
}

// AddWeightedPath appends weight copies of path to the override set of dst.
// An absent override is created as a copy of the current default set first.
func (wpt *WeightedPathTable) AddWeightedPath(dst netip.Addr, weight int, path PathID) error {
	if err := wpt.checkWeight(weight); err != nil {
		return err
	}

	set, present := wpt.overrides[dst]
	if !present {
		set = slices.Clone(wpt.defaultSet)
		log.WithFields(logrus.Fields{"table": wpt.Name, "dst": dst.String(), "seed": len(set)}).
			Debug("created path override")
	}
	wpt.overrides[dst] = appendWeighted(set, weight, path)
	return nil
}

// AddWeightedPathExcluding appends weight copies of path to the default set and to
// every existing override whose destination is not in exclude.  Destinations without
// an override keep following the default set; no override is created here.
func (wpt *WeightedPathTable) AddWeightedPathExcluding(weight int, path PathID, exclude []netip.Addr) error {
	if err := wpt.checkWeight(weight); err != nil {
		return err
	}

	wpt.defaultSet = appendWeighted(wpt.defaultSet, weight, path)
	for dst, set := range wpt.overrides {
		if slices.Contains(exclude, dst) {
			continue
		}
		wpt.overrides[dst] = appendWeighted(set, weight, path)
	}
	return nil
}

// PathSet returns a copy of the set that governs dst, and whether it is an override
func (wpt *WeightedPathTable) PathSet(dst netip.Addr) (WeightedPathSet, bool) {
	set, present := wpt.overrides[dst]
	if present {
		return slices.Clone(set), true
	}
	return slices.Clone(wpt.defaultSet), false
}

// Overrides lists the destinations that have an override set, in address order
func (wpt *WeightedPathTable) Overrides() []netip.Addr {
	dsts := make([]netip.Addr, 0, len(wpt.overrides))
	for dst := range wpt.overrides {
		dsts = append(dsts, dst)
	}
	sort.Slice(dsts, func(i, j int) bool { return dsts[i].Less(dsts[j]) })
	return dsts
}

// AssignPath returns the path for key.  The set is the override for dst if there
// is one, else the default.  A key seen for the first time starts at a random index;
// after each call the key's index advances by one, modulo the set size.
func (wpt *WeightedPathTable) AssignPath(key FlowKey, dst netip.Addr) (PathID, error) {
	set, present := wpt.overrides[dst]
	if !present {
		set = wpt.defaultSet
	}
	if len(set) == 0 {
		return 0, fmt.Errorf("table %s dst %s: %w", wpt.Name, dst, ErrEmptyPathSet)
	}

	idx, seen := wpt.rotation[key]
	if !seen {
		idx = wpt.rng.RandInt(0, len(set)-1)
	}
	// an override may have been created or extended since the index was stored
	idx = idx % len(set)

	path := set[idx]
	wpt.rotation[key] = (idx + 1) % len(set)
	return path, nil
}

// RoutePacket derives the key of meta from the binding mode, assigns a path,
// and writes it into meta.PathID
func (wpt *WeightedPathTable) RoutePacket(meta *PacketMeta) (PathID, error) {
	key, err := KeyFor(meta, wpt.mode)
	if err != nil {
		return 0, err
	}
	path, err := wpt.AssignPath(key, meta.Dst)
	if err != nil {
		return 0, err
	}
	meta.PathID = path
	return path, nil
}

// SelectPath implements PathSelector
func (wpt *WeightedPathTable) SelectPath(meta *PacketMeta, now float64) (PathID, error) {
	return wpt.RoutePacket(meta)
}

// Validate reports configuration errors: an empty default set, or an empty override
func (wpt *WeightedPathTable) Validate() error {
	errs := []error{}
	if len(wpt.defaultSet) == 0 {
		errs = append(errs, fmt.Errorf("table %s default set: %w", wpt.Name, ErrEmptyPathSet))
	}
	for _, dst := range wpt.Overrides() {
		if len(wpt.overrides[dst]) == 0 {
			errs = append(errs, fmt.Errorf("table %s override %s: %w", wpt.Name, dst, ErrEmptyPathSet))
		}
	}
	return ReportErrs(errs)
}
