package replay

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Interval smoothing parameters. The tower interval feed quantises to a
// coarse grid and jitters by a tick either way; a short first-order
// Savitzky-Golay pass removes the flicker without lagging genuine gap
// changes by more than one update.
const (
	smoothWindow = 5
	smoothOrder  = 1
)

// savgolSmooth applies a Savitzky-Golay style smoother: a least-squares
// polynomial of order one fitted over a sliding window and evaluated at the
// window centre. Windows are clipped at the series ends rather than padded.
// NaN inputs stay NaN in the output and are excluded from neighbouring fits.
func savgolSmooth(series []float64, window int) []float64 {
	if window < 3 {
		window = smoothWindow
	}
	half := window / 2

	out := make([]float64, len(series))
	xs := make([]float64, 0, window)
	ys := make([]float64, 0, window)

	for i, v := range series {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}

		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > len(series)-1 {
			hi = len(series) - 1
		}

		xs = xs[:0]
		ys = ys[:0]
		for j := lo; j <= hi; j++ {
			if math.IsNaN(series[j]) {
				continue
			}
			xs = append(xs, float64(j))
			ys = append(ys, series[j])
		}

		// A first-order fit needs two points; with fewer the sample passes
		// through unchanged.
		if len(xs) < smoothOrder+1 {
			out[i] = v
			continue
		}

		alpha, beta := stat.LinearRegression(xs, ys, nil, false)
		out[i] = alpha + beta*float64(i)
	}

	return out
}

// smoothIntervals rewrites the Interval column of rows in place with the
// smoothed series, per driver, preserving nils. Row order within each driver
// is assumed chronological, which is the adapter contract.
func smoothIntervals(rows []StreamTimingRow, window int) {
	byDriver := make(map[string][]int)
	for i, r := range rows {
		byDriver[r.Driver] = append(byDriver[r.Driver], i)
	}

	for _, idxs := range byDriver {
		series := make([]float64, len(idxs))
		for k, i := range idxs {
			if rows[i].Interval == nil {
				series[k] = math.NaN()
			} else {
				series[k] = *rows[i].Interval
			}
		}

		smoothed := savgolSmooth(series, window)
		for k, i := range idxs {
			if math.IsNaN(smoothed[k]) {
				rows[i].Interval = nil
				continue
			}
			v := smoothed[k]
			rows[i].Interval = &v
		}
	}
}
