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

// Package derivative decides, once per metric, whether a series should be
// analyzed as-is or as its non-negative first difference, and remembers the
// decision so later runs don't re-derive it.
package derivative

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
	"github.com/vpiduri/analyzer-batch/internal/store"
)

const (
	nonDerivativeSet = "non_derivative_metrics"
	derivativeSet    = "derivative_metrics"
	sentinelPrefix   = "z.derivative_metric."
)

// Classify reports whether baseName should be treated as a derivative
// metric, applying the five-step algorithm: explicit set membership first,
// then the persisted sentinel, then (absent both) a monotonicity test that
// a configured pattern list can veto. The decision is persisted to one of
// the two membership sets before returning.
func Classify(ctx context.Context, s store.Store, metricName, baseName string, series []seriescodec.Point, nonDerivativeMonotonicPatterns []string) (bool, error) {
	nonDerivMembers, err := s.SetMembers(ctx, nonDerivativeSet)
	if err != nil {
		return false, fmt.Errorf("derivative: reading %s: %w", nonDerivativeSet, err)
	}
	if contains(nonDerivMembers, metricName) {
		return false, nil
	}

	derivMembers, err := s.SetMembers(ctx, derivativeSet)
	if err != nil {
		return false, fmt.Errorf("derivative: reading %s: %w", derivativeSet, err)
	}
	if contains(derivMembers, metricName) {
		return true, nil
	}

	_, found, err := s.GetString(ctx, sentinelPrefix+baseName)
	if err != nil {
		return false, fmt.Errorf("derivative: reading sentinel for %s: %w", baseName, err)
	}
	if found {
		if err := s.SetAdd(ctx, derivativeSet, metricName); err != nil {
			return false, fmt.Errorf("derivative: persisting decision for %s: %w", metricName, err)
		}
		return true, nil
	}

	isDerivative := !matchesAny(nonDerivativeMonotonicPatterns, baseName) && strictlyIncreasingMonotonicity(series)

	targetSet := nonDerivativeSet
	if isDerivative {
		targetSet = derivativeSet
	}
	if err := s.SetAdd(ctx, targetSet, metricName); err != nil {
		return false, fmt.Errorf("derivative: persisting decision for %s: %w", metricName, err)
	}
	return isDerivative, nil
}

// strictlyIncreasingMonotonicity reports whether series is non-decreasing
// throughout with at least one strict increase: a counter shape, not a
// flat or noisy one.
func strictlyIncreasingMonotonicity(series []seriescodec.Point) bool {
	if len(series) < 2 {
		return false
	}
	sawIncrease := false
	for i := 1; i < len(series); i++ {
		if series[i].Value < series[i-1].Value {
			return false
		}
		if series[i].Value > series[i-1].Value {
			sawIncrease = true
		}
	}
	return sawIncrease
}

func contains(members []string, target string) bool {
	for _, m := range members {
		if m == target {
			return true
		}
	}
	return false
}

// matchesAny reports whether baseName matches any of the configured
// exclusion patterns, using shell-glob matching.
func matchesAny(patterns []string, baseName string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, baseName); err == nil && ok {
			return true
		}
	}
	return false
}
