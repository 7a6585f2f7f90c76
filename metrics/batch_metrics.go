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

package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BatchMetrics holds all Prometheus metrics for the batch analyzer
type BatchMetrics struct {
	// Work-item processing metrics
	WorkItemsProcessedTotal prometheus.Counter
	TimestampsAnalyzedTotal prometheus.Counter
	WorkItemErrors          *prometheus.CounterVec

	// Anomaly metrics
	AnomaliesTotal        prometheus.Counter
	AnomalyBreakdownTotal *prometheus.CounterVec

	// Ensemble exception metrics
	ExceptionsTotal *prometheus.CounterVec

	// Supervisor metrics
	WatchdogTerminationsTotal prometheus.Counter
	StoreReconnectsTotal      prometheus.Counter
	ProcessingDuration        *prometheus.HistogramVec

	// Retry metrics
	RetryAttemptsTotal *prometheus.CounterVec
	RetrySuccessTotal  *prometheus.CounterVec
}

var (
	batchMetricsInstance *BatchMetrics
	batchMetricsOnce     sync.Once
)

// NewBatchMetrics creates and registers all Prometheus metrics
// Uses singleton pattern to prevent duplicate registration
func NewBatchMetrics() *BatchMetrics {
	batchMetricsOnce.Do(func() {
		batchMetricsInstance = createBatchMetrics()
	})
	return batchMetricsInstance
}

// createBatchMetrics creates and registers all Prometheus metrics (internal)
func createBatchMetrics() *BatchMetrics {
	m := &BatchMetrics{
		WorkItemsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_batch_work_items_processed_total",
			Help: "Total number of work items drained from the batch queue",
		}),

		TimestampsAnalyzedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_batch_timestamps_analyzed_total",
			Help: "Total number of per-timestamp windows run through the ensemble",
		}),

		WorkItemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_batch_work_item_errors_total",
				Help: "Total number of errors encountered while processing work items",
			},
			[]string{"stage"},
		),

		AnomaliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_batch_anomalies_total",
			Help: "Total number of anomalous datapoints detected",
		}),

		AnomalyBreakdownTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_batch_anomaly_breakdown_total",
				Help: "Anomalous datapoints broken down by triggering algorithm",
			},
			[]string{"algorithm"},
		),

		ExceptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_batch_exceptions_total",
				Help: "Classified ensemble failures by reason",
			},
			[]string{"reason"},
		),

		WatchdogTerminationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_batch_watchdog_terminations_total",
			Help: "Total number of worker processes killed by the watchdog deadline",
		}),

		StoreReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_batch_store_reconnects_total",
			Help: "Total number of shared-store reconnect attempts after a failed ping",
		}),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyzer_batch_processing_duration_seconds",
				Help:    "Time spent processing one work item",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_batch_retry_attempts_total",
				Help: "Total number of retry attempts by operation",
			},
			[]string{"operation", "attempt"},
		),

		RetrySuccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_batch_retry_success_total",
				Help: "Total number of operations that succeeded after retrying",
			},
			[]string{"operation"},
		),
	}

	safeRegister(
		m.WorkItemsProcessedTotal,
		m.TimestampsAnalyzedTotal,
		m.WorkItemErrors,
		m.AnomaliesTotal,
		m.AnomalyBreakdownTotal,
		m.ExceptionsTotal,
		m.WatchdogTerminationsTotal,
		m.StoreReconnectsTotal,
		m.ProcessingDuration,
		m.RetryAttemptsTotal,
		m.RetrySuccessTotal,
	)

	return m
}

// safeRegister registers Prometheus collectors, ignoring AlreadyRegisteredError
func safeRegister(collectors ...prometheus.Collector) {
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				continue
			}
		}
	}
}

// RecordWorkItemProcessed increments the processed work-item counter
func (m *BatchMetrics) RecordWorkItemProcessed() {
	if m == nil {
		return
	}
	m.WorkItemsProcessedTotal.Inc()
}

// RecordTimestampAnalyzed increments the analyzed-window counter
func (m *BatchMetrics) RecordTimestampAnalyzed() {
	if m == nil {
		return
	}
	m.TimestampsAnalyzedTotal.Inc()
}

// RecordWorkItemError records an error at a given processing stage
func (m *BatchMetrics) RecordWorkItemError(stage string) {
	if m == nil {
		return
	}
	m.WorkItemErrors.WithLabelValues(stage).Inc()
}

// RecordAnomaly records one anomalous datapoint and its triggering algorithms
func (m *BatchMetrics) RecordAnomaly(triggeredAlgorithms []string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.Inc()
	for _, alg := range triggeredAlgorithms {
		m.AnomalyBreakdownTotal.WithLabelValues(alg).Inc()
	}
}

// RecordException records one classified ensemble failure
func (m *BatchMetrics) RecordException(reason string) {
	if m == nil {
		return
	}
	m.ExceptionsTotal.WithLabelValues(reason).Inc()
}

// RecordWatchdogTermination records a worker killed at the deadline
func (m *BatchMetrics) RecordWatchdogTermination() {
	if m == nil {
		return
	}
	m.WatchdogTerminationsTotal.Inc()
}

// RecordStoreReconnect records one reconnect attempt after a failed ping
func (m *BatchMetrics) RecordStoreReconnect() {
	if m == nil {
		return
	}
	m.StoreReconnectsTotal.Inc()
}

// RecordProcessingDuration records time spent on an operation
func (m *BatchMetrics) RecordProcessingDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetryAttempt records a retry attempt for an operation
func (m *BatchMetrics) RecordRetryAttempt(operation string, attemptNumber int) {
	if m == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attemptNumber)).Inc()
}

// RecordRetrySuccess records successful completion after retries
func (m *BatchMetrics) RecordRetrySuccess(operation string) {
	if m == nil {
		return
	}
	m.RetrySuccessTotal.WithLabelValues(operation).Inc()
}

// StartMetricsServer starts the Prometheus metrics HTTP server
func StartMetricsServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())

	http.HandleFunc("/metrics/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("metrics server healthy"))
	})

	return http.ListenAndServe(":"+strconv.Itoa(port), nil)
}

// Timer is a helper for measuring operation durations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed duration since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration observes the duration in the given histogram
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
