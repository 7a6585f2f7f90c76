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

// Package workitem encodes and decodes the (metric, last-analyzed-timestamp)
// pairs stored as members of the analyzer.batch set.
package workitem

import (
	"fmt"
	"strconv"
	"strings"
)

// WorkItem is a single unit of batch-processing work: a metric name and the
// timestamp up to which it has already been analyzed.
type WorkItem struct {
	MetricName     string
	LastAnalyzedTS int64
}

// Encode renders a WorkItem the way the producer writes it into the
// analyzer.batch set: a bracketed pair of quoted metric name and integer
// timestamp, e.g. "['metrics.foo', 1586868000]". The Supervisor and the
// producer only need to agree on this encoding; it is not meant to be
// parsed by anything outside this package.
func Encode(w WorkItem) string {
	return fmt.Sprintf("['%s', %d]", w.MetricName, w.LastAnalyzedTS)
}

// Decode parses a single analyzer.batch set member back into a WorkItem.
// Malformed members are reported as an error rather than panicking; the
// caller (the Supervisor's work-discovery loop) is expected to skip a
// malformed member and keep trying the next one, mirroring
// analyzer_batch.py's tolerant literal_eval loop.
func Decode(raw string) (WorkItem, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")

	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return WorkItem{}, fmt.Errorf("workitem: malformed entry %q", raw)
	}

	metric := strings.TrimSpace(parts[0])
	metric = strings.Trim(metric, "'\"")
	if metric == "" {
		return WorkItem{}, fmt.Errorf("workitem: empty metric name in %q", raw)
	}

	tsStr := strings.TrimSpace(parts[1])
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: malformed timestamp in %q: %w", raw, err)
	}

	return WorkItem{MetricName: metric, LastAnalyzedTS: ts}, nil
}

// BaseName strips the configured full-namespace prefix from a metric name,
// giving the "base name" used to key every other shared-store entry
// (last_timestamp.<base>, z.derivative_metric.<base>, and so on).
func BaseName(metricName, fullNamespace string) string {
	if fullNamespace == "" {
		return metricName
	}
	return strings.Replace(metricName, fullNamespace, "", 1)
}
