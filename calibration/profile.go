package calibration

import (
	"errors"
	"fmt"
	"sort"

	"pokeball-mouse/decode"
)

// DeadzoneMargin is added to the observed drift to form the deadzone.
const DeadzoneMargin = 5

// ErrEmptyWindow is returned when a profile is requested from no samples.
var ErrEmptyWindow = errors.New("calibration window is empty")

// AxisStats summarizes one axis of a window.
type AxisStats struct {
	Median int     `json:"median"`
	Mean   float64 `json:"mean"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
	Drift  int     `json:"drift"`
}

func (a AxisStats) String() string {
	return fmt.Sprintf("median=%d mean=%.1f range=%d-%d drift=%d", a.Median, a.Mean, a.Min, a.Max, a.Drift)
}

// Result is a computed profile plus the statistics it came from.
type Result struct {
	Profile decode.Profile `json:"profile"`
	X       AxisStats      `json:"x"`
	Y       AxisStats      `json:"y"`
	Samples int            `json:"samples"`
}

// RestDirection is the direction the rest nibble decodes to.
func (r Result) RestDirection() decode.Direction {
	dir, _ := decode.ClassifyX(uint8(r.Profile.RestNibbleX), 1)
	return dir
}

// ComputeProfile derives a profile from a resting window.
//
// The Y center is the median of Y. The deadzone is the larger of the X and Y
// drifts plus margin; it is applied to Y only but takes both axes' drift.
func ComputeProfile(w Window, margin int) (Result, error) {
	if len(w) == 0 {
		return Result{}, ErrEmptyWindow
	}

	xs := make([]int, len(w))
	ys := make([]int, len(w))
	for i, s := range w {
		xs[i] = int(s.X)
		ys[i] = int(s.Y)
	}
	x := axisStats(xs)
	y := axisStats(ys)

	return Result{
		Profile: decode.Profile{
			CenterY:     y.Median,
			DeadzoneY:   max(x.Drift, y.Drift) + margin,
			RestNibbleX: restNibble(w),
		},
		X:       x,
		Y:       y,
		Samples: len(w),
	}, nil
}

// axisStats computes the summary of a non-empty slice. vs is sorted in place.
func axisStats(vs []int) AxisStats {
	sum := 0
	for _, v := range vs {
		sum += v
	}
	sort.Ints(vs)
	lo, hi := vs[0], vs[len(vs)-1]
	return AxisStats{
		Median: median(vs),
		Mean:   float64(sum) / float64(len(vs)),
		Min:    lo,
		Max:    hi,
		Drift:  hi - lo,
	}
}

// median of sorted values; an even count averages the middle pair and truncates.
func median(sorted []int) int {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// restNibble is the most frequent low nibble of X. Ties go to the smaller nibble.
func restNibble(w Window) int {
	var counts [16]int
	for _, s := range w {
		counts[s.X&0x0F]++
	}
	best := 0
	for n := 1; n < len(counts); n++ {
		if counts[n] > counts[best] {
			best = n
		}
	}
	return best
}
