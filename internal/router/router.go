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

// Package router decides what happens to a confirmed anomaly: hand it to
// the learner, stage it for the correlation layer, or log it to the
// record-store, with the alert-handoff key written on every non-learner
// path. The caller resolves the flags so the record-store path never runs
// alongside the learner or mirage paths; a metric that is both
// ionosphere- and mirage-routed takes both of those two paths.
package router

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
	"github.com/vpiduri/analyzer-batch/internal/store"
)

const (
	alertTTL            = 5 * time.Minute
	sentToIonosphereSet = "analyzer.batch.sent_to_ionosphere"
	sentToPanoramaSet   = "analyzer_batch.sent_to_panorama"
)

// Flags are the routing inputs, resolved by the caller before Route is
// invoked: an ionosphere-eligible metric always forces AnalyzerMetric
// false, so at most one of IonosphereMetric and AnalyzerMetric is true.
// MirageMetric may accompany IonosphereMetric; it adds the mirage
// pre-materialization and lifts the recent-alert gate on learner
// submission.
type Flags struct {
	IonosphereMetric bool
	MirageMetric     bool
	AnalyzerMetric   bool

	// RecordStoreEnabled gates the analyzer-metric record-store write.
	RecordStoreEnabled bool
	// SMTPAlertEnabled gates learner submission; false when the base is
	// listed in the non-SMTP-alerter set.
	SMTPAlertEnabled bool
	// RecentAlertExists is true if last_alert.smtp.<base> is present.
	RecentAlertExists bool
}

// Event describes one confirmed anomaly to route. Algorithms is the full
// configured panel; TriggeredAlgorithms is the subset that voted positive
// for this datapoint. The record-store check file carries both.
type Event struct {
	App                 string
	BaseName            string
	MetricTimestamp     int64
	Datapoint           float64
	Algorithms          []string
	TriggeredAlgorithms []string
	Window              []seriescodec.Point
	FromTimestamp       int64
	FullDuration        string

	TrainingDataDir string
	TrainingDataTTL time.Duration
	RecordStoreDir  string
}

// Learner submits an anomalous window for training-corpus ingestion. It is
// the ionosphere "send anomalous" IPC boundary; the production
// implementation talks to that external process, tests use a fake.
type Learner interface {
	SubmitAnomalous(ctx context.Context, dir string, ts int64, base string, value float64, fromTS int64, algorithms []string, window []seriescodec.Point, fullDuration string, parentID int) error
}

// Router implements the routing table.
type Router struct {
	store   store.Store
	learner Learner
	logger  *zap.Logger
}

// New builds a Router.
func New(s store.Store, learner Learner, logger *zap.Logger) *Router {
	return &Router{store: s, learner: learner, logger: logger}
}

// Route applies the full table: ionosphere submission, mirage
// pre-materialization, analyzer-metric record-store write, then the
// always-on alert-handoff key for any analyzer- or mirage-routed metric.
func (r *Router) Route(ctx context.Context, ev Event, flags Flags) error {
	sendBackToAnalyzer := false

	r.logger.Info("routing anomaly",
		zap.String("base_name", ev.BaseName),
		zap.Int64("metric_timestamp", ev.MetricTimestamp),
		zap.Strings("triggered_algorithms", ev.TriggeredAlgorithms),
		zap.Bool("ionosphere_metric", flags.IonosphereMetric),
		zap.Bool("mirage_metric", flags.MirageMetric),
		zap.Bool("analyzer_metric", flags.AnalyzerMetric),
	)

	if flags.IonosphereMetric {
		if err := r.routeIonosphere(ctx, ev, flags); err != nil {
			return err
		}
	}

	if flags.MirageMetric {
		if err := r.writeMirageTrainingJSON(ev); err != nil {
			return err
		}
		sendBackToAnalyzer = true
	}

	if flags.AnalyzerMetric && flags.RecordStoreEnabled {
		if err := r.writeRecordStoreCheckFile(ev); err != nil {
			return err
		}
		if err := r.store.SetAdd(ctx, sentToPanoramaSet, ev.BaseName); err != nil {
			return fmt.Errorf("router: marking %s sent to panorama: %w", ev.BaseName, err)
		}
	}

	if flags.AnalyzerMetric || sendBackToAnalyzer {
		return r.writeAlertHandoff(ctx, ev)
	}
	return nil
}

func (r *Router) routeIonosphere(ctx context.Context, ev Event, flags Flags) error {
	skipLearner := flags.RecentAlertExists && !flags.MirageMetric
	if !flags.SMTPAlertEnabled {
		skipLearner = true
	}
	if !skipLearner {
		if err := r.learner.SubmitAnomalous(ctx, ev.TrainingDataDir, ev.MetricTimestamp, ev.BaseName, ev.Datapoint,
			ev.FromTimestamp, ev.TriggeredAlgorithms, ev.Window, ev.FullDuration, 0); err != nil {
			return fmt.Errorf("router: submitting %s to learner: %w", ev.BaseName, err)
		}
	}
	if err := r.store.SetAdd(ctx, sentToIonosphereSet, ev.BaseName); err != nil {
		return fmt.Errorf("router: marking %s sent to ionosphere: %w", ev.BaseName, err)
	}
	key := fmt.Sprintf("ionosphere.training_data.%d.%s", ev.MetricTimestamp, ev.BaseName)
	marker := fmt.Sprintf("%d", ev.MetricTimestamp)
	if err := r.store.SetWithTTL(ctx, key, marker, ev.TrainingDataTTL); err != nil {
		return fmt.Errorf("router: writing %s: %w", key, err)
	}
	return nil
}

// writeMirageTrainingJSON pre-materializes the training window so the
// learner's later correlation pass has it available without re-fetching.
// The series is rendered with parentheses in place of brackets, matching
// the file format the layering step already expects.
func (r *Router) writeMirageTrainingJSON(ev Event) error {
	path := fmt.Sprintf("%s/%s.mirage.redis.%sh.json", ev.TrainingDataDir, ev.BaseName, ev.FullDuration)
	var b strings.Builder
	b.WriteString("(")
	for i, p := range ev.Window {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(%d, %v)", p.Timestamp, p.Value)
	}
	b.WriteString(")")
	if err := os.MkdirAll(ev.TrainingDataDir, 0o755); err != nil {
		return fmt.Errorf("router: creating %s: %w", ev.TrainingDataDir, err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("router: writing %s: %w", path, err)
	}
	return nil
}

// writeRecordStoreCheckFile writes the panorama-style check file consumed
// by the record-store ingestion path. Values are single-quoted, matching
// the upstream format.
func (r *Router) writeRecordStoreCheckFile(ev Event) error {
	host, _ := os.Hostname()
	addedAt := time.Now().Unix()
	safeBase := strings.ReplaceAll(ev.BaseName, "/", "_")
	path := fmt.Sprintf("%s/%d.%s.txt", ev.RecordStoreDir, addedAt, safeBase)

	content := fmt.Sprintf(
		"metric='%s', value='%v', from_timestamp='%d', metric_timestamp='%d', algorithms=%s, triggered_algorithms=%s, app='%s', source='graphite', added_by='%s', added_at='%d'\n",
		ev.BaseName, ev.Datapoint, ev.FromTimestamp, ev.MetricTimestamp,
		quoteJoin(ev.Algorithms), quoteJoin(ev.TriggeredAlgorithms), ev.App, host, addedAt,
	)
	if err := os.MkdirAll(ev.RecordStoreDir, 0o755); err != nil {
		return fmt.Errorf("router: creating %s: %w", ev.RecordStoreDir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("router: writing %s: %w", path, err)
	}
	return nil
}

func (r *Router) writeAlertHandoff(ctx context.Context, ev Event) error {
	key := fmt.Sprintf("%s.alert.%d.%s", ev.App, ev.MetricTimestamp, ev.BaseName)
	value := fmt.Sprintf("[%v, '%s', %d, %s]", ev.Datapoint, ev.BaseName, ev.MetricTimestamp, quoteJoin(ev.TriggeredAlgorithms))
	if err := r.store.SetWithTTL(ctx, key, value, alertTTL); err != nil {
		return fmt.Errorf("router: writing alert handoff %s: %w", key, err)
	}
	return nil
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "'" + s + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
