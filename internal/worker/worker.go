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

// Package worker processes one work item end to end: fetch the packed
// series, find the not-yet-analyzed timestamps, run each window through the
// ensemble, route anomalies, and keep the last-analyzed sentinel moving
// forward under every outcome. The sentinel update is the load-bearing
// invariant: the upstream producer stops re-queuing a window only once
// last_timestamp.<base> has advanced past it.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/vpiduri/analyzer-batch/errors"
	"github.com/vpiduri/analyzer-batch/internal/derivative"
	"github.com/vpiduri/analyzer-batch/internal/ensemble"
	"github.com/vpiduri/analyzer-batch/internal/router"
	"github.com/vpiduri/analyzer-batch/internal/rzlog"
	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
	"github.com/vpiduri/analyzer-batch/internal/store"
	"github.com/vpiduri/analyzer-batch/internal/workitem"
	"github.com/vpiduri/analyzer-batch/metrics"
)

const (
	batchSet       = "analyzer.batch"
	mirageSet      = "mirage.unique_metrics"
	ionosphereSet  = "ionosphere.unique_metrics"
	nonSMTPSet     = "analyzer.non_smtp_alerter_metrics"
	untrainableSet = "ionosphere.untrainable_metrics"

	sentinelPrefix  = "last_timestamp."
	lastAlertPrefix = "last_alert.smtp."
	markerPrefix    = "analyzer_batch.anomaly."

	sentinelTTL = 30 * 24 * time.Hour
	markerTTL   = time.Hour
)

// ExceptionKeys is the closed set of classified ensemble failures. Counter
// maps are always zero-filled against this list before being reported.
var ExceptionKeys = []string{"Boring", "Stale", "TooShort", "Other", "DeletedByRoomba"}

// Engine is the slice of the ensemble contract the worker needs. Scenario
// tests substitute a scripted stub for the real panel.
type Engine interface {
	Run(ctx context.Context, window []seriescodec.Point, metricName string, checkNegatives bool) (ensemble.Verdict, error)
}

// AnomalyRouter routes one confirmed anomaly. Satisfied by *router.Router.
type AnomalyRouter interface {
	Route(ctx context.Context, ev router.Event, flags router.Flags) error
}

// Options carries the configured values the worker consults. Derived once
// from config.Config by the caller so the worker itself never touches
// process-global state.
type Options struct {
	App                           string
	FullNamespace                 string
	FullDurationSeconds           int64
	AlgorithmNames                []string
	DataRoot                      string
	TrainingRetention             time.Duration
	RecordStoreCheckPath          string
	RecordStoreEnabled            bool
	MirageEnabled                 bool
	IonosphereEnabled             bool
	KnownNegativeMetrics          []string
	NonDerivativeMonotonicMetrics []string
}

// Result is the per-run tally drained back to the Supervisor. Both maps are
// zero-filled so an all-quiet run still reports every key.
type Result struct {
	MetricName         string         `json:"metric_name"`
	TimestampsAnalyzed int            `json:"timestamps_analyzed"`
	AnomaliesDetected  int            `json:"anomalies_detected"`
	AnomalyBreakdown   map[string]int `json:"anomaly_breakdown"`
	Exceptions         map[string]int `json:"exceptions"`
	WorkItemRemoved    bool           `json:"work_item_removed"`
}

// Worker handles a single work item. One Worker instance per item; state is
// not reused across items.
type Worker struct {
	store   store.Store
	engine  Engine
	router  AnomalyRouter
	log     *rzlog.Logger
	metrics *metrics.BatchMetrics
	opts    Options

	// now is wall-clock; swapped in tests.
	now func() time.Time

	// parentPID, when non-zero, enables the orphan check: the worker exits
	// immediately if its spawning Supervisor dies mid-run.
	parentPID int
	exit      func(code int)

	// testAnomalyAt injects a synthetic spike at one timestamp. Zero means
	// disabled; never set on the production path.
	testAnomalyAt int64
}

// New builds a Worker.
func New(s store.Store, engine Engine, r AnomalyRouter, log *rzlog.Logger, m *metrics.BatchMetrics, opts Options) *Worker {
	return &Worker{
		store:   s,
		engine:  engine,
		router:  r,
		log:     log,
		metrics: m,
		opts:    opts,
		now:     time.Now,
		exit:    os.Exit,
	}
}

// WithParentPID arms the parent-liveness check.
func (w *Worker) WithParentPID(pid int) *Worker {
	w.parentPID = pid
	return w
}

// InjectTestAnomaly arms the test-fixture spike at the given timestamp.
// Tests only.
func (w *Worker) InjectTestAnomaly(ts int64) {
	w.testAnomalyAt = ts
}

func newCounters(algorithmNames []string) (breakdown, exceptions map[string]int) {
	breakdown = make(map[string]int, len(algorithmNames))
	for _, name := range algorithmNames {
		breakdown[name] = 0
	}
	exceptions = make(map[string]int, len(ExceptionKeys))
	for _, key := range ExceptionKeys {
		exceptions[key] = 0
	}
	return breakdown, exceptions
}

// Process runs the full state machine for one work item:
// FETCH, DECODE, CLASSIFY_DERIVATIVE, ITERATE_WINDOWS, FINALIZE.
func (w *Worker) Process(ctx context.Context, item workitem.WorkItem) (Result, error) {
	baseName := workitem.BaseName(item.MetricName, w.opts.FullNamespace)
	breakdown, exceptions := newCounters(w.opts.AlgorithmNames)
	result := Result{
		MetricName:       item.MetricName,
		AnomalyBreakdown: breakdown,
		Exceptions:       exceptions,
	}

	// FETCH. An absent blob means the producer and this worker disagree
	// about what exists right now; leave the item queued and let the
	// producer reconcile.
	blob, found, err := w.store.Get(ctx, w.opts.FullNamespace+baseName)
	if err != nil {
		w.metrics.RecordWorkItemError("fetch")
		return result, errors.StoreErrorf("fetch_series", err, "metric %s", item.MetricName)
	}
	if !found {
		w.log.Warn("no series data for %s, leaving work item queued", item.MetricName)
		return result, nil
	}

	// DECODE. A corrupt blob decodes to an empty series, which falls into
	// the nothing-to-do path below.
	series := seriescodec.SortAscending(seriescodec.Decode(blob))

	timestamps := timestampsToAnalyze(series, item.LastAnalyzedTS)
	if len(timestamps) == 0 {
		w.log.Info("no new timestamps for %s after %d, removing work item", item.MetricName, item.LastAnalyzedTS)
		w.removeWorkItem(ctx, item, &result)
		return result, nil
	}
	w.log.Info("%s: %d timestamps to analyze after %d", item.MetricName, len(timestamps), item.LastAnalyzedTS)

	// CLASSIFY_DERIVATIVE.
	knownDerivative, err := derivative.Classify(ctx, w.store, item.MetricName, baseName, series, w.opts.NonDerivativeMonotonicMetrics)
	if err != nil {
		w.log.Warn("derivative classification failed for %s, analyzing raw: %v", item.MetricName, err)
		knownDerivative = false
	}

	classification := w.loadClassification(ctx, item.MetricName, baseName)
	checkNegatives := !matchesAny(w.opts.KnownNegativeMetrics, baseName)

	// ITERATE_WINDOWS, strictly ascending.
	for _, batchTimestamp := range timestamps {
		if w.parentGone() {
			w.log.Warn("parent process %d is gone, exiting", w.parentPID)
			w.exit(0)
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		window := seriesPrefix(series, batchTimestamp)
		if knownDerivative {
			window = seriescodec.NonNegativeDerivative(window)
		}
		if w.testAnomalyAt != 0 && batchTimestamp == w.testAnomalyAt && len(window) > 0 {
			window = injectSpike(window)
		}

		verdict, err := w.engine.Run(ctx, window, item.MetricName, checkNegatives)
		result.TimestampsAnalyzed++
		w.metrics.RecordTimestampAnalyzed()

		if err != nil {
			w.handleEnsembleFailure(ctx, baseName, batchTimestamp, err, exceptions)
			continue
		}

		w.updateSentinel(ctx, baseName, batchTimestamp)

		if !verdict.Anomalous {
			continue
		}

		result.AnomaliesDetected++
		triggered := w.triggeredAlgorithms(verdict.Votes, breakdown)
		w.metrics.RecordAnomaly(triggered)

		if checkNegatives && len(verdict.NegativesFound) > 0 {
			w.recordUntrainable(ctx, baseName, batchTimestamp, verdict)
		}

		w.writeAnomalyMarker(ctx, baseName, batchTimestamp)
		w.routeAnomaly(ctx, baseName, batchTimestamp, verdict, triggered, window, classification)
	}

	// FINALIZE.
	w.removeWorkItem(ctx, item, &result)
	return result, nil
}

// timestampsToAnalyze scans the series in reverse, halting at the first
// timestamp not greater than lastAnalyzed, and restores ascending order.
// The reverse scan makes the common case (a handful of new points at the
// tail of a long series) cheap.
func timestampsToAnalyze(series []seriescodec.Point, lastAnalyzed int64) []int64 {
	var reversed []int64
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Timestamp <= lastAnalyzed {
			break
		}
		reversed = append(reversed, series[i].Timestamp)
	}
	out := make([]int64, len(reversed))
	for i, ts := range reversed {
		out[len(reversed)-1-i] = ts
	}
	return out
}

// seriesPrefix returns the window: every point with timestamp at or before
// batchTimestamp.
func seriesPrefix(series []seriescodec.Point, batchTimestamp int64) []seriescodec.Point {
	end := len(series)
	for i, p := range series {
		if p.Timestamp > batchTimestamp {
			end = i
			break
		}
	}
	return series[:end]
}

// injectSpike replaces the last value with an obvious outlier. Test hook.
func injectSpike(window []seriescodec.Point) []seriescodec.Point {
	out := make([]seriescodec.Point, len(window))
	copy(out, window)
	last := &out[len(out)-1]
	last.Value = last.Value*100 + 1000000
	return out
}

type metricClassification struct {
	mirageMetric      bool
	ionosphereMetric  bool
	smtpAlertEnabled  bool
	recentAlertExists bool
}

// loadClassification reads the routing membership sets once per work item.
// A set read failing degrades to the analyzer-only default rather than
// aborting the run.
func (w *Worker) loadClassification(ctx context.Context, metricName, baseName string) metricClassification {
	c := metricClassification{smtpAlertEnabled: true}

	if w.opts.MirageEnabled {
		if members, err := w.store.SetMembers(ctx, mirageSet); err == nil {
			c.mirageMetric = containsString(members, metricName)
		} else {
			w.log.Warn("reading %s failed: %v", mirageSet, err)
		}
	}
	if w.opts.IonosphereEnabled {
		if members, err := w.store.SetMembers(ctx, ionosphereSet); err == nil {
			c.ionosphereMetric = containsString(members, metricName)
		} else {
			w.log.Warn("reading %s failed: %v", ionosphereSet, err)
		}
	}
	if members, err := w.store.SetMembers(ctx, nonSMTPSet); err == nil {
		if containsString(members, baseName) {
			c.smtpAlertEnabled = false
		}
	} else {
		w.log.Warn("reading %s failed: %v", nonSMTPSet, err)
	}
	if _, found, err := w.store.GetString(ctx, lastAlertPrefix+baseName); err == nil {
		c.recentAlertExists = found
	}
	return c
}

// handleEnsembleFailure counts a classified failure and still advances the
// sentinel: to the batch timestamp for logical failures, to wall-clock for
// the two kinds that mean the data itself is gone or unknown.
func (w *Worker) handleEnsembleFailure(ctx context.Context, baseName string, batchTimestamp int64, err error, exceptions map[string]int) {
	var key string
	sentinelValue := batchTimestamp

	switch {
	case stderrors.Is(err, ensemble.ErrTooShort):
		key = "TooShort"
	case stderrors.Is(err, ensemble.ErrStale):
		key = "Stale"
	case stderrors.Is(err, ensemble.ErrBoring):
		key = "Boring"
	case stderrors.Is(err, ensemble.ErrDeletedByRoomba):
		// Log before classifying: this catch has historically masked
		// unrelated bugs, so the full detail must reach the log even when
		// the counter only says DeletedByRoomba.
		w.log.Error("series missing mid-analysis for %s at %d: %v\n%s", baseName, batchTimestamp, err, debug.Stack())
		key = "DeletedByRoomba"
		sentinelValue = w.now().Unix()
	default:
		w.log.Error("unexpected ensemble failure for %s at %d: %v", baseName, batchTimestamp, err)
		key = "Other"
		sentinelValue = w.now().Unix()
	}

	if key != "DeletedByRoomba" && key != "Other" {
		w.log.Debug("ensemble %s for %s at %d", key, baseName, batchTimestamp)
	}
	exceptions[key]++
	w.metrics.RecordException(key)
	w.updateSentinel(ctx, baseName, sentinelValue)
}

// updateSentinel writes last_timestamp.<base>. A store failure here is
// logged loudly but not propagated: aborting the run would not make the
// write more likely to succeed, and later timestamps may still land theirs.
func (w *Worker) updateSentinel(ctx context.Context, baseName string, value int64) {
	key := sentinelPrefix + baseName
	if err := w.store.SetWithTTL(ctx, key, fmt.Sprintf("%d", value), sentinelTTL); err != nil {
		w.log.Error("failed to update %s to %d: %v", key, value, err)
		w.metrics.RecordWorkItemError("sentinel")
	}
}

// triggeredAlgorithms maps the positional vote vector back to algorithm
// names and bumps the local breakdown counters.
func (w *Worker) triggeredAlgorithms(votes []bool, breakdown map[string]int) []string {
	var triggered []string
	for i, positive := range votes {
		if !positive || i >= len(w.opts.AlgorithmNames) {
			continue
		}
		name := w.opts.AlgorithmNames[i]
		triggered = append(triggered, name)
		breakdown[name]++
	}
	return triggered
}

// recordUntrainable logs a packed (base, ts, value) record for series with
// negative values; the learner refuses to train on those.
func (w *Worker) recordUntrainable(ctx context.Context, baseName string, batchTimestamp int64, verdict ensemble.Verdict) {
	member := fmt.Sprintf("['%s', %d, %v]", baseName, batchTimestamp, verdict.LastDatapoint)
	if err := w.store.SetAdd(ctx, untrainableSet, member); err != nil {
		w.log.Warn("failed to record untrainable metric %s: %v", baseName, err)
	}
}

// writeAnomalyMarker sets the 1-hour downstream marker key. Non-critical;
// a failure is logged and swallowed.
func (w *Worker) writeAnomalyMarker(ctx context.Context, baseName string, batchTimestamp int64) {
	key := fmt.Sprintf("%s%d.%s", markerPrefix, batchTimestamp, baseName)
	if err := w.store.SetWithTTL(ctx, key, fmt.Sprintf("%d", batchTimestamp), markerTTL); err != nil {
		w.log.Warn("failed to write anomaly marker %s: %v", key, err)
	}
}

func (w *Worker) routeAnomaly(ctx context.Context, baseName string, batchTimestamp int64, verdict ensemble.Verdict, triggered []string, window []seriescodec.Point, c metricClassification) {
	flags := router.Flags{
		IonosphereMetric:   c.ionosphereMetric,
		MirageMetric:       c.mirageMetric,
		AnalyzerMetric:     !c.ionosphereMetric && !c.mirageMetric,
		RecordStoreEnabled: w.opts.RecordStoreEnabled,
		SMTPAlertEnabled:   c.smtpAlertEnabled,
		RecentAlertExists:  c.recentAlertExists,
	}

	hours := w.opts.FullDurationSeconds / 3600
	ev := router.Event{
		App:                 w.opts.App,
		BaseName:            baseName,
		MetricTimestamp:     batchTimestamp,
		Datapoint:           verdict.LastDatapoint,
		Algorithms:          w.opts.AlgorithmNames,
		TriggeredAlgorithms: triggered,
		Window:              window,
		FromTimestamp:       batchTimestamp - w.opts.FullDurationSeconds,
		FullDuration:        fmt.Sprintf("%d", hours),
		TrainingDataDir:     w.trainingDataDir(batchTimestamp, baseName),
		TrainingDataTTL:     w.opts.TrainingRetention,
		RecordStoreDir:      w.opts.RecordStoreCheckPath,
	}

	if err := w.router.Route(ctx, ev, flags); err != nil {
		w.log.Error("routing anomaly for %s at %d failed: %v", baseName, batchTimestamp, err)
		w.metrics.RecordWorkItemError("route")
	}
}

func (w *Worker) trainingDataDir(batchTimestamp int64, baseName string) string {
	slashed := strings.ReplaceAll(baseName, ".", "/")
	return filepath.Join(w.opts.DataRoot, fmt.Sprintf("%d", batchTimestamp), slashed)
}

// removeWorkItem takes the item off analyzer.batch. A failure is logged and
// swallowed: the sentinel has already advanced, so the producer will stop
// re-queuing this window regardless.
func (w *Worker) removeWorkItem(ctx context.Context, item workitem.WorkItem, result *Result) {
	if err := w.store.SetRemove(ctx, batchSet, workitem.Encode(item)); err != nil {
		w.log.Error("failed to remove work item %s from %s: %v", item.MetricName, batchSet, err)
		w.metrics.RecordWorkItemError("remove")
		return
	}
	result.WorkItemRemoved = true
}

// parentGone reports whether the arming Supervisor process has died.
func (w *Worker) parentGone() bool {
	if w.parentPID <= 0 {
		return false
	}
	proc, err := os.FindProcess(w.parentPID)
	if err != nil {
		return true
	}
	// Signal 0 probes existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) != nil
}

func containsString(members []string, target string) bool {
	for _, m := range members {
		if m == target {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, baseName string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, baseName); err == nil && ok {
			return true
		}
	}
	return false
}
