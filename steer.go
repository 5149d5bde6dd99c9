// Package mpsteer is the data-plane steering and congestion-signaling core of a
// data-center multipath load balancer.  It encodes explicit paths (XPath), binds
// flows to paths statically (DRB) or per flowlet (LetFlow), probes paths for
// one-way delay and ECN marks, and turns ECN-marked acknowledgment ratios into
// path-epoch increments (Flow Bender) that tell a sender to move its traffic.
package mpsteer

// steer.go holds the error taxonomy, the package logger and the small role
// interfaces the components are written against

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// configuration errors, reported eagerly to the caller
var (
	ErrEmptyPathSet = errors.New("empty path set")
	ErrWeightMode   = errors.New("weighted path requires per-flow binding")
	ErrWeight       = errors.New("path weight must be at least 1")
	ErrPortRange    = errors.New("port not representable in two digits")
	ErrPathTooLong  = errors.New("path exceeds encodable hop count")
)

// per-packet conditions, propagated one level up without retry
var (
	ErrNoRoute      = errors.New("no route to host")
	ErrTerminalPath = errors.New("path id has no remaining hops")
	ErrBufferEmpty  = errors.New("pause buffer is empty")
	ErrBadProbe     = errors.New("malformed probe datagram")
	ErrChanClosed   = errors.New("probe channel closed")
)

// log is the package logger.  Per-packet decisions go out at Debug so that
// a simulation with millions of packets stays quiet at the default level.
var log = logrus.WithField("pkg", "mpsteer")

// SetLogLevel parses a logrus level name and applies it to the package logger.
// An empty name leaves the level alone.
func SetLogLevel(level string) error {
	if len(level) == 0 {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.Logger.SetLevel(lvl)
	return nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// PathSelector is implemented by every component that maps a packet to a path.
// The chosen path is also written into meta.PathID.
type PathSelector interface {
	SelectPath(meta *PacketMeta, now float64) (PathID, error)
}

// CongestionSignal exposes the path epoch a sender folds into its path lookups
type CongestionSignal interface {
	PathEpoch() uint64
}

// RandSource is the slice of a random stream the selectors need.
// *rngstream.RngStream satisfies it.
type RandSource interface {
	// RandU01 returns a sample uniform on (0,1)
	RandU01() float64

	// RandInt returns a sample uniform on the integers lo..hi, inclusive
	RandInt(lo, hi int) int
}
