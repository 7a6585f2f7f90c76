// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ensemble

import (
	"fmt"
	"math"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
)

const minSeriesLength = 5

// StdDevOutlier flags a window whose last point sits more than Threshold
// standard deviations from the mean of everything before it: a
// baseline-vs-recent z-score comparison with "all but the last point" as the
// baseline and the last point as the recent sample, since a batch window has
// no separate recent-sample query to run. A baseline with zero variance is
// reported as ErrBoring.
type StdDevOutlier struct {
	Threshold float64
}

func (a StdDevOutlier) Name() string { return "stddev_outlier" }

func (a StdDevOutlier) Check(window []seriescodec.Point) (bool, error) {
	if len(window) < minSeriesLength {
		return false, fmt.Errorf("%w: stddev_outlier needs at least %d points, got %d", ErrTooShort, minSeriesLength, len(window))
	}
	baseline := window[:len(window)-1]
	mean, stddev := meanStdDev(baseline)
	if stddev == 0 {
		return false, fmt.Errorf("%w: stddev_outlier: no variance in baseline", ErrBoring)
	}
	last := window[len(window)-1].Value
	z := math.Abs((last - mean) / stddev)
	threshold := a.Threshold
	if threshold <= 0 {
		threshold = 2.5
	}
	return z > threshold, nil
}

// MedianAbsoluteDeviation flags a window whose last point deviates from the
// median by more than Threshold times the median absolute deviation. More
// robust to a single prior outlier than a plain mean/stddev comparison.
type MedianAbsoluteDeviation struct {
	Threshold float64
}

func (a MedianAbsoluteDeviation) Name() string { return "median_absolute_deviation" }

func (a MedianAbsoluteDeviation) Check(window []seriescodec.Point) (bool, error) {
	if len(window) < minSeriesLength {
		return false, fmt.Errorf("%w: median_absolute_deviation needs at least %d points, got %d", ErrTooShort, minSeriesLength, len(window))
	}
	values := valuesOf(window)
	med := median(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	mad := median(deviations)
	if mad == 0 {
		return false, fmt.Errorf("%w: median_absolute_deviation: no variance", ErrBoring)
	}
	threshold := a.Threshold
	if threshold <= 0 {
		threshold = 3.5
	}
	last := values[len(values)-1]
	score := 0.6745 * (last - med) / mad
	return math.Abs(score) > threshold, nil
}

// FirstHitLastPointAboveRange flags the last point only if it is outside
// the min/max range observed across the rest of the window. The cheapest,
// crudest panel member.
type FirstHitLastPointAboveRange struct{}

func (a FirstHitLastPointAboveRange) Name() string { return "first_hit" }

func (a FirstHitLastPointAboveRange) Check(window []seriescodec.Point) (bool, error) {
	if len(window) < minSeriesLength {
		return false, fmt.Errorf("%w: first_hit needs at least %d points, got %d", ErrTooShort, minSeriesLength, len(window))
	}
	baseline := window[:len(window)-1]
	min, max := baseline[0].Value, baseline[0].Value
	for _, p := range baseline[1:] {
		if p.Value < min {
			min = p.Value
		}
		if p.Value > max {
			max = p.Value
		}
	}
	last := window[len(window)-1].Value
	return last < min || last > max, nil
}

func meanStdDev(window []seriescodec.Point) (mean, stddev float64) {
	values := valuesOf(window)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sqDiffSum float64
	for _, v := range values {
		d := v - mean
		sqDiffSum += d * d
	}
	stddev = math.Sqrt(sqDiffSum / float64(len(values)))
	return mean, stddev
}

func valuesOf(window []seriescodec.Point) []float64 {
	values := make([]float64, len(window))
	for i, p := range window {
		values[i] = p.Value
	}
	return values
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
