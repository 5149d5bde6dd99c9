package mpsteer

// desc-cfg.go holds the serializable description of one steering node: which
// selector it runs and with what paths, how it probes, and how its flows detect
// congestion.  Descriptions are read and written as yaml or json.

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// selector names
const (
	SelectDRB     = "drb"
	SelectLetFlow = "letflow"
)

// PathDesc is an explicit path, given as its hops, with a DRB weight
type PathDesc struct {
	Hops   []int `json:"hops" yaml:"hops"`
	Weight int   `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// PathID encodes the hops
func (pd PathDesc) PathID() (PathID, error) {
	return EncodePath(pd.Hops)
}

// weight returns the DRB weight, 1 when not given
func (pd PathDesc) weight() int {
	if pd.Weight == 0 {
		return 1
	}
	return pd.Weight
}

// OverrideDesc gives the paths used toward one destination
type OverrideDesc struct {
	Dst   string     `json:"dst" yaml:"dst"`
	Paths []PathDesc `json:"paths" yaml:"paths"`
}

// SteerCfg describes a steering node
type SteerCfg struct {
	Name string `json:"name" yaml:"name"`

	// "drb" or "letflow"
	Selector string `json:"selector" yaml:"selector"`

	// "per-flow" or "per-dest", DRB only
	Binding string `json:"binding" yaml:"binding"`

	// default path set, and per-destination sets
	Paths     []PathDesc     `json:"paths" yaml:"paths"`
	Overrides []OverrideDesc `json:"overrides" yaml:"overrides"`

	// seconds of inactivity that end a flowlet
	FlowletTimeout float64 `json:"flowlettimeout" yaml:"flowlettimeout"`

	Probes     []ProbeCfg    `json:"probes" yaml:"probes"`
	FlowBender FlowBenderCfg `json:"flowbender" yaml:"flowbender"`

	// fabric description, and the host in it this node is.  When given, the
	// node's paths to every other host come from the fabric.
	Fabric string `json:"fabric,omitempty" yaml:"fabric,omitempty"`
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`

	// seeds the node's random streams; nodes with equal seeds draw the same
	// values whatever order they are built in.  Defaults to Name.
	Seed string `json:"seed,omitempty" yaml:"seed,omitempty"`

	LogLevel  string `json:"loglevel,omitempty" yaml:"loglevel,omitempty"`
	Trace     bool   `json:"trace" yaml:"trace"`
	TraceFile string `json:"tracefile,omitempty" yaml:"tracefile,omitempty"`
}

// CreateSteerCfg is a constructor
func CreateSteerCfg(name, selector string) *SteerCfg {
	sc := new(SteerCfg)
	sc.Name = name
	sc.Selector = selector
	sc.Paths = make([]PathDesc, 0)
	sc.Overrides = make([]OverrideDesc, 0)
	sc.Probes = make([]ProbeCfg, 0)
	return sc
}

// AddPath adds a path to the default set
func (sc *SteerCfg) AddPath(weight int, hops ...int) {
	sc.Paths = append(sc.Paths, PathDesc{Hops: hops, Weight: weight})
}

// AddOverride adds a path to the set used toward dst
func (sc *SteerCfg) AddOverride(dst string, weight int, hops ...int) {
	for idx := range sc.Overrides {
		if sc.Overrides[idx].Dst == dst {
			sc.Overrides[idx].Paths = append(sc.Overrides[idx].Paths, PathDesc{Hops: hops, Weight: weight})
			return
		}
	}
	sc.Overrides = append(sc.Overrides, OverrideDesc{Dst: dst, Paths: []PathDesc{{Hops: hops, Weight: weight}}})
}

// AddProbe adds a probing relationship
func (sc *SteerCfg) AddProbe(pc ProbeCfg) {
	sc.Probes = append(sc.Probes, pc)
}

// Defaults fills the zero fields with the default settings
func (sc *SteerCfg) Defaults() {
	if len(sc.Selector) == 0 {
		sc.Selector = SelectDRB
	}
	if !(sc.FlowletTimeout > 0.0) {
		sc.FlowletTimeout = DefaultFlowletTimeout
	}
	for idx := range sc.Probes {
		if !(sc.Probes[idx].Interval > 0.0) {
			sc.Probes[idx].Interval = DefaultProbeInterval
		}
		if !(sc.Probes[idx].Timeout > 0.0) {
			sc.Probes[idx].Timeout = DefaultProbeTimeout
		}
	}
	sc.FlowBender = sc.FlowBender.withDefaults()
	if len(sc.FlowBender.Name) == 0 {
		sc.FlowBender.Name = sc.Name
	}
	if len(sc.Seed) == 0 {
		sc.Seed = sc.Name
	}
}

// Validate checks the description, reporting every problem found at once
func (sc *SteerCfg) Validate() error {
	errs := []error{}

	if sc.Selector != SelectDRB && sc.Selector != SelectLetFlow {
		errs = append(errs, fmt.Errorf("node %s: unknown selector %q", sc.Name, sc.Selector))
	}
	mode, err := BindingModeFromStr(sc.Binding)
	if err != nil {
		errs = append(errs, fmt.Errorf("node %s: %w", sc.Name, err))
	}
	if sc.Selector == SelectLetFlow && mode == PerDest {
		errs = append(errs, fmt.Errorf("node %s: flowlets are per-flow", sc.Name))
	}

	checkPaths := func(where string, pds []PathDesc) {
		for _, pd := range pds {
			if _, err := pd.PathID(); err != nil {
				errs = append(errs, fmt.Errorf("node %s %s path %v: %w", sc.Name, where, pd.Hops, err))
			}
			w := pd.weight()
			if w < 1 {
				errs = append(errs, fmt.Errorf("node %s %s path %v: %w", sc.Name, where, pd.Hops, ErrWeight))
			} else if w != 1 && (mode == PerDest || sc.Selector == SelectLetFlow) {
				errs = append(errs, fmt.Errorf("node %s %s path %v: %w", sc.Name, where, pd.Hops, ErrWeightMode))
			}
		}
	}

	checkPaths("default", sc.Paths)
	for _, od := range sc.Overrides {
		if _, err := netip.ParseAddr(od.Dst); err != nil {
			errs = append(errs, fmt.Errorf("node %s override: %w", sc.Name, err))
		}
		checkPaths("override "+od.Dst, od.Paths)
	}
	if len(sc.Paths) == 0 && len(sc.Fabric) == 0 {
		errs = append(errs, fmt.Errorf("node %s default set: %w", sc.Name, ErrEmptyPathSet))
	}
	if len(sc.Fabric) > 0 && len(sc.Host) == 0 {
		errs = append(errs, fmt.Errorf("node %s: fabric %s given without a host", sc.Name, sc.Fabric))
	}

	for _, pc := range sc.Probes {
		if len(pc.Target) == 0 {
			continue
		}
		if _, err := netip.ParseAddrPort(pc.Target); err != nil {
			errs = append(errs, fmt.Errorf("node %s probe %s: %w", sc.Name, pc.Name, err))
		}
	}

	fb := sc.FlowBender
	if fb.Threshold < 0.0 || fb.Threshold > 1.0 {
		errs = append(errs, fmt.Errorf("node %s: congestion threshold %v outside [0,1]", sc.Name, fb.Threshold))
	}
	if fb.Gain < 0.0 || fb.Gain > 1.0 {
		errs = append(errs, fmt.Errorf("node %s: DCTCP gain %v outside [0,1]", sc.Name, fb.Gain))
	}
	return ReportErrs(errs)
}

// Mode returns the binding mode, per-flow if it does not parse
func (sc *SteerCfg) Mode() BindingMode {
	mode, _ := BindingModeFromStr(sc.Binding)
	return mode
}

// WriteToFile stores the SteerCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (sc *SteerCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*sc)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*sc, "", "\t")
	} else {
		return fmt.Errorf("node file %s: unknown extension %q", filename, pathExt)
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	if werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}

// ReadSteerCfg deserializes a byte slice holding a representation of a SteerCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadSteerCfg(filename string, useYAML bool, dict []byte) (*SteerCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := SteerCfg{}
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

// LoadSteerCfg reads a node description, yaml or json by extension, fills in the
// defaults and validates it.  A relative fabric file is taken relative to filename.
func LoadSteerCfg(filename string) (*SteerCfg, error) {
	empty := make([]byte, 0)
	ext := path.Ext(filename)
	useYAML := (ext == ".yaml") || (ext == ".yml")

	sc, err := ReadSteerCfg(filename, useYAML, empty)
	if err != nil {
		return nil, err
	}
	if len(sc.Fabric) > 0 && !filepath.IsAbs(sc.Fabric) {
		sc.Fabric = filepath.Join(filepath.Dir(filename), sc.Fabric)
	}
	sc.Defaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}
