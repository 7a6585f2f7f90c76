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

package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
)

// FeatureValue is one named feature of a series.
type FeatureValue struct {
	Name  string
	Value float64
}

// Calculator is the feature-library boundary. The learner only cares that
// the transposed CSV carries (feature_name, value) rows whose names both
// sides agree on; how they are computed is the library's business.
type Calculator interface {
	Version() string
	Extract(metric string, points []seriescodec.Point) ([]FeatureValue, error)
}

// StatsCalculator is the built-in Calculator: a fixed panel of summary
// statistics under tsfresh-compatible names, enough for profile matching
// without the full library.
type StatsCalculator struct{}

// Version identifies the feature set, not the code revision; bump it only
// when the emitted feature names or semantics change.
func (StatsCalculator) Version() string { return "stats-0.4.0" }

func (StatsCalculator) Extract(metric string, points []seriescodec.Point) ([]FeatureValue, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("features: no datapoints for %s", metric)
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	n := float64(len(values))
	sum := 0.0
	min, max := values[0], values[0]
	absEnergy := 0.0
	for _, v := range values {
		sum += v
		absEnergy += v * v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / n

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n

	absSumOfChanges := 0.0
	for i := 1; i < len(values); i++ {
		absSumOfChanges += math.Abs(values[i] - values[i-1])
	}

	return []FeatureValue{
		{Name: "value__mean", Value: mean},
		{Name: "value__median", Value: medianOf(values)},
		{Name: "value__standard_deviation", Value: math.Sqrt(variance)},
		{Name: "value__variance", Value: variance},
		{Name: "value__minimum", Value: min},
		{Name: "value__maximum", Value: max},
		{Name: "value__sum_values", Value: sum},
		{Name: "value__length", Value: n},
		{Name: "value__abs_energy", Value: absEnergy},
		{Name: "value__absolute_sum_of_changes", Value: absSumOfChanges},
		{Name: "value__last_value", Value: values[len(values)-1]},
	}, nil
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
