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

package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
	"github.com/vpiduri/analyzer-batch/internal/store"
)

type fakeLearner struct {
	calls []learnerCall
}

type learnerCall struct {
	dir      string
	ts       int64
	base     string
	parentID int
}

func (l *fakeLearner) SubmitAnomalous(ctx context.Context, dir string, ts int64, base string, value float64, fromTS int64, algorithms []string, window []seriescodec.Point, fullDuration string, parentID int) error {
	l.calls = append(l.calls, learnerCall{dir: dir, ts: ts, base: base, parentID: parentID})
	return nil
}

func testEvent(t *testing.T) Event {
	t.Helper()
	dir := t.TempDir()
	return Event{
		App:                 "analyzer_batch",
		BaseName:            "foo",
		MetricTimestamp:     280,
		Datapoint:           50,
		Algorithms:          []string{"stddev_outlier", "median_absolute_deviation", "first_hit"},
		TriggeredAlgorithms: []string{"stddev_outlier", "first_hit"},
		Window: []seriescodec.Point{
			{Timestamp: 100, Value: 1},
			{Timestamp: 280, Value: 50},
		},
		FromTimestamp:   280 - 86400,
		FullDuration:    "24",
		TrainingDataDir: filepath.Join(dir, "training"),
		TrainingDataTTL: 30 * 24 * time.Hour,
		RecordStoreDir:  filepath.Join(dir, "check"),
	}
}

func newTestRouter(s store.Store, learner Learner) *Router {
	return New(s, learner, zap.NewNop())
}

func TestRouteAnalyzerMetricWritesRecordStoreFile(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	learner := &fakeLearner{}
	r := newTestRouter(s, learner)
	ev := testEvent(t)

	flags := Flags{AnalyzerMetric: true, RecordStoreEnabled: true, SMTPAlertEnabled: true}
	require.NoError(t, r.Route(ctx, ev, flags))

	// Exactly one check file, keyed block, single-quoted values.
	entries, err := os.ReadDir(ev.RecordStoreDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	content, err := os.ReadFile(filepath.Join(ev.RecordStoreDir, entries[0].Name()))
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "metric='foo'")
	assert.Contains(t, text, "value='50'")
	// The full configured panel and the firing subset are distinct fields.
	assert.Contains(t, text, "algorithms=['stddev_outlier', 'median_absolute_deviation', 'first_hit']")
	assert.Contains(t, text, "triggered_algorithms=['stddev_outlier', 'first_hit']")
	assert.Contains(t, text, "source='graphite'")

	// Audit set updated, no learner call, alert handoff present.
	members, err := s.SetMembers(ctx, sentToPanoramaSet)
	require.NoError(t, err)
	assert.Contains(t, members, "foo")
	assert.Empty(t, learner.calls)

	alert, found, err := s.GetString(ctx, "analyzer_batch.alert.280.foo")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, alert, "'foo'")
	assert.Contains(t, alert, "280")
}

func TestRouteMirageMetricPreMaterializesTrainingJSON(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	learner := &fakeLearner{}
	r := newTestRouter(s, learner)
	ev := testEvent(t)

	flags := Flags{MirageMetric: true, RecordStoreEnabled: true, SMTPAlertEnabled: true}
	require.NoError(t, r.Route(ctx, ev, flags))

	// Training JSON with parentheses in place of brackets.
	path := filepath.Join(ev.TrainingDataDir, "foo.mirage.redis.24h.json")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "((100, 1), (280, 50))", string(content))

	// No record-store file even though the store is enabled.
	_, err = os.ReadDir(ev.RecordStoreDir)
	assert.True(t, os.IsNotExist(err))

	// send_back_to_analyzer: the alert handoff key is written.
	_, found, err := s.GetString(ctx, "analyzer_batch.alert.280.foo")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRouteIonosphereMetricSubmitsToLearner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	learner := &fakeLearner{}
	r := newTestRouter(s, learner)
	ev := testEvent(t)

	flags := Flags{IonosphereMetric: true, SMTPAlertEnabled: true}
	require.NoError(t, r.Route(ctx, ev, flags))

	require.Len(t, learner.calls, 1)
	assert.Equal(t, "foo", learner.calls[0].base)
	assert.Equal(t, int64(280), learner.calls[0].ts)
	assert.Equal(t, 0, learner.calls[0].parentID)

	members, err := s.SetMembers(ctx, sentToIonosphereSet)
	require.NoError(t, err)
	assert.Contains(t, members, "foo")

	_, found, err := s.GetString(ctx, "ionosphere.training_data.280.foo")
	require.NoError(t, err)
	assert.True(t, found)

	// Ionosphere-only routing writes no alert handoff.
	_, found, err = s.GetString(ctx, "analyzer_batch.alert.280.foo")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRouteRecentAlertSuppressesLearnerSubmissionOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	learner := &fakeLearner{}
	r := newTestRouter(s, learner)
	ev := testEvent(t)

	flags := Flags{IonosphereMetric: true, SMTPAlertEnabled: true, RecentAlertExists: true}
	require.NoError(t, r.Route(ctx, ev, flags))

	// Submission suppressed, but the audit set and index key still land.
	assert.Empty(t, learner.calls)
	members, err := s.SetMembers(ctx, sentToIonosphereSet)
	require.NoError(t, err)
	assert.Contains(t, members, "foo")
}

func TestRouteRecentAlertDoesNotSuppressWhenAlsoMirage(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	learner := &fakeLearner{}
	r := newTestRouter(s, learner)
	ev := testEvent(t)

	flags := Flags{IonosphereMetric: true, MirageMetric: true, SMTPAlertEnabled: true, RecentAlertExists: true}
	require.NoError(t, r.Route(ctx, ev, flags))

	require.Len(t, learner.calls, 1)

	// The mirage pre-materialization happens too.
	_, err := os.Stat(filepath.Join(ev.TrainingDataDir, "foo.mirage.redis.24h.json"))
	assert.NoError(t, err)
}

func TestRouteNoSMTPAlertSkipsLearner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	learner := &fakeLearner{}
	r := newTestRouter(s, learner)
	ev := testEvent(t)

	flags := Flags{IonosphereMetric: true, SMTPAlertEnabled: false}
	require.NoError(t, r.Route(ctx, ev, flags))

	assert.Empty(t, learner.calls)
}

func TestRouteRecordStoreDisabled(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	r := newTestRouter(s, &fakeLearner{})
	ev := testEvent(t)

	flags := Flags{AnalyzerMetric: true, RecordStoreEnabled: false, SMTPAlertEnabled: true}
	require.NoError(t, r.Route(ctx, ev, flags))

	_, err := os.ReadDir(ev.RecordStoreDir)
	assert.True(t, os.IsNotExist(err))

	// Alert handoff still written for analyzer-routed metrics.
	_, found, err := s.GetString(ctx, "analyzer_batch.alert.280.foo")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestQuoteJoin(t *testing.T) {
	assert.Equal(t, "['a', 'b']", quoteJoin([]string{"a", "b"}))
	assert.Equal(t, "[]", quoteJoin(nil))
}

func TestFileLearnerWritesCheckAndWindow(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "training", "foo")
	window := []seriescodec.Point{{Timestamp: 100, Value: 1}, {Timestamp: 280, Value: 50}}

	err := FileLearner{}.SubmitAnomalous(context.Background(), dir, 280, "foo", 50, 280-86400,
		[]string{"stddev_outlier"}, window, "24", 0)
	require.NoError(t, err)

	check, err := os.ReadFile(filepath.Join(dir, "280.foo.ionosphere.check.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(check), "metric='foo'")
	assert.Contains(t, string(check), "parent_id='0'")

	windowJSON, err := os.ReadFile(filepath.Join(dir, "foo.json"))
	require.NoError(t, err)
	assert.Equal(t, "((100, 1), (280, 50))", string(windowJSON))
}
