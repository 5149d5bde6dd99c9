package mpsteer

// trace.go gathers a record of what the steering components did during a run,
// for post-run analysis.  Records are kept per object, each object named in an
// id -> (name,type) dictionary, and the whole is written out as yaml or json.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// TraceInst is one trace record, its body serialized
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers information about an execution.  It is also an EventSink,
// recording each event it sees before passing it to Inner.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by objID
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`

	// sink events are passed on to after being recorded
	Inner EventSink `json:"-" yaml:"-"`

	idByName map[string]int
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	tm.idByName = make(map[string]int)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	if _, present := tm.NameByID[id]; present {
		panic(fmt.Errorf("duplicated id %d in AddName", id))
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	tm.idByName[name] = id
}

// objID returns the id of the named object, entering it in the dictionary if new
func (tm *TraceManager) objID(name string, objDesc string) int {
	if id, present := tm.idByName[name]; present {
		return id
	}
	id := len(tm.NameByID)
	for {
		if _, present := tm.NameByID[id]; !present {
			break
		}
		id += 1
	}
	tm.AddName(id, name, objDesc)
	return id
}

// AddTrace stores a trace record under objID
func (tm *TraceManager) AddTrace(objID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// NumTraces returns the number of records held
func (tm *TraceManager) NumTraces() int {
	n := 0
	for _, trcs := range tm.Traces {
		n += len(trcs)
	}
	return n
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// With globalOrder all records are merged into one list, ordered by time.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) error {
	if !tm.Active() {
		return nil
	}

	out := tm
	if globalOrder {
		out = new(TraceManager)
		out.InUse = tm.InUse
		out.ExpName = tm.ExpName
		out.NameByID = make(map[int]NameType)
		for key, value := range tm.NameByID {
			out.NameByID[key] = value
		}
		out.Traces = make(map[int][]TraceInst)
		merged := make([]TraceInst, 0, tm.NumTraces())
		for _, valueList := range tm.Traces {
			merged = append(merged, valueList...)
		}
		sort.SliceStable(merged, func(i, j int) bool {
			v1, _ := strconv.ParseFloat(merged[i].TraceTime, 64)
			v2, _ := strconv.ParseFloat(merged[j].TraceTime, 64)
			return v1 < v2
		})
		out.Traces[0] = merged
	}

	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error
	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*out)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*out, "", "\t")
	} else {
		return fmt.Errorf("trace file %s: unknown extension %q", filename, pathExt)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadTraceFile deserializes a trace written by WriteToFile
func ReadTraceFile(filename string) (*TraceManager, error) {
	dict, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	tm := CreateTraceManager("", true)
	ext := path.Ext(filename)
	if ext == ".yaml" || ext == ".YAML" || ext == ".yml" {
		err = yaml.Unmarshal(dict, tm)
	} else {
		err = json.Unmarshal(dict, tm)
	}
	if err != nil {
		return nil, err
	}
	for id, nt := range tm.NameByID {
		tm.idByName[nt.Name] = id
	}
	return tm, nil
}

// SteerTrace records one decision or measurement made by a steering component
type SteerTrace struct {
	Time    float64 `yaml:"time"`
	ObjID   int     `yaml:"objid"`
	Op      string  `yaml:"op"` // "probe", "timeout", "epoch", "flowlet", "pause", "resume"
	Path    string  `yaml:"path,omitempty"`
	ProbeID uint32  `yaml:"probeid,omitempty"`
	Epoch   uint64  `yaml:"epoch,omitempty"`
	Value   float64 `yaml:"value,omitempty"` // one-way delay, or marked fraction
	CE      bool    `yaml:"ce,omitempty"`
}

// Serialize renders the record as yaml
func (st *SteerTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*st)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddSteerTrace enters a SteerTrace for the named object into tm
func AddSteerTrace(tm *TraceManager, name, objDesc string, st *SteerTrace) {
	if !tm.Active() {
		return
	}
	st.ObjID = tm.objID(name, objDesc)
	traceTime := strconv.FormatFloat(st.Time, 'f', -1, 64)
	tm.AddTrace(st.ObjID, TraceInst{TraceTime: traceTime, TraceType: objDesc, TraceStr: st.Serialize()})
}

// ProbeCompleted implements EventSink
func (tm *TraceManager) ProbeCompleted(pr ProbeResult) {
	AddSteerTrace(tm, pr.Name, "probe", &SteerTrace{Time: pr.Time, Op: "probe", Path: pr.Path.String(),
		ProbeID: pr.ProbeID, Value: pr.OneWay, CE: pr.CE})
	if tm.Inner != nil {
		tm.Inner.ProbeCompleted(pr)
	}
}

// ProbeTimedOut implements EventSink
func (tm *TraceManager) ProbeTimedOut(pt ProbeTimeout) {
	AddSteerTrace(tm, pt.Name, "probe", &SteerTrace{Time: pt.Time, Op: "timeout", Path: pt.Path.String(),
		ProbeID: pt.ProbeID})
	if tm.Inner != nil {
		tm.Inner.ProbeTimedOut(pt)
	}
}

// PathEpochIncremented implements EventSink
func (tm *TraceManager) PathEpochIncremented(ec EpochChange) {
	AddSteerTrace(tm, ec.Name, "estimator", &SteerTrace{Time: ec.Time, Op: "epoch", Epoch: ec.NewEpoch,
		Value: ec.Fraction})
	if tm.Inner != nil {
		tm.Inner.PathEpochIncremented(ec)
	}
}
