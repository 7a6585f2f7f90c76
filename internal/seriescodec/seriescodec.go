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

// Package seriescodec decodes the packed time-series blob the Shared Store
// Client fetches, and derives the two series transforms every downstream
// component works from: ascending order and non-negative first difference.
package seriescodec

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Point is a single (timestamp, value) sample.
type Point struct {
	Timestamp int64
	Value     float64
}

// Decode unpacks a blob of [ts, value] pairs. The wire format is given, not
// designed here: each element is a 2-tuple of numbers, msgpack-encoded, in
// the order the upstream collector appended them. A malformed blob yields an
// empty series rather than an error; a corrupt payload should be treated as
// "nothing new to analyze", not a worker crash.
func Decode(blob []byte) []Point {
	var raw [][]float64
	if err := msgpack.Unmarshal(blob, &raw); err != nil {
		return nil
	}
	points := make([]Point, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		points = append(points, Point{Timestamp: int64(pair[0]), Value: pair[1]})
	}
	return points
}

// SortAscending returns series sorted by timestamp. Upstream collectors may
// interleave points from multiple shards, so every decode is followed by an
// unconditional sort rather than trusting producer order.
func SortAscending(series []Point) []Point {
	out := make([]Point, len(series))
	copy(out, series)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// NonNegativeDerivative returns the first difference of series, clamped at
// zero (counters that reset never look anomalous for resetting). The first
// point of the input has no predecessor and is elided, so the result has one
// fewer point than the input.
func NonNegativeDerivative(series []Point) []Point {
	if len(series) < 2 {
		return nil
	}
	out := make([]Point, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		d := series[i].Value - series[i-1].Value
		if d < 0 {
			d = 0
		}
		out = append(out, Point{Timestamp: series[i].Timestamp, Value: d})
	}
	return out
}
