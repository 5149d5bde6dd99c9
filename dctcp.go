package mpsteer

// dctcp.go holds the DCTCP congestion estimate: an exponentially weighted average
// of the ECN-marked fraction of acknowledged bytes, updated once per round trip

// DefaultDctcpGain is the weight g given to the newest round trip's marked fraction
const DefaultDctcpGain = 1.0 / 16.0

// DctcpAlpha is the smoothed marked fraction.  Window control outside this package
// reads it; nothing here changes a congestion window.
type DctcpAlpha struct {
	g       float64
	alpha   float64
	updates int
}

// CreateDctcpAlpha is a constructor.  Alpha starts at 1, so the first reduction
// before any feedback is a full halving.
func CreateDctcpAlpha(g float64) *DctcpAlpha {
	if !(g > 0.0) || g > 1.0 {
		g = DefaultDctcpGain
	}
	return &DctcpAlpha{g: g, alpha: 1.0}
}

// Update folds one round trip's byte counts into alpha.  A round trip with no
// acknowledged bytes is skipped.
func (da *DctcpAlpha) Update(markedBytes, totalBytes uint64) {
	if totalBytes == 0 {
		return
	}
	frac := float64(markedBytes) / float64(totalBytes)
	da.alpha = (1.0-da.g)*da.alpha + da.g*frac
	da.updates += 1
}

// Alpha returns the current estimate, in [0,1]
func (da *DctcpAlpha) Alpha() float64 {
	return da.alpha
}

// Gain returns g
func (da *DctcpAlpha) Gain() float64 {
	return da.g
}

// Updates returns the number of round trips folded in
func (da *DctcpAlpha) Updates() int {
	return da.updates
}

// ReductionFactor is the multiplier DCTCP applies to the congestion window on a
// marked round trip, 1 - alpha/2
func (da *DctcpAlpha) ReductionFactor() float64 {
	return 1.0 - da.alpha/2.0
}
