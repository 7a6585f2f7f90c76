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

// Package features converts a stored training-data window into the
// transposed feature-vector CSV the learner consumes, plus the details and
// sentinel files around it. The whole routine is idempotent: a transposed
// CSV that already exists is returned as-is.
package features

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/vpiduri/analyzer-batch/errors"
	"github.com/vpiduri/analyzer-batch/internal/rzlog"
	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
)

// SourceContext names which directory tree an anomaly's data lives in.
type SourceContext string

const (
	ContextTrainingData     SourceContext = "training_data"
	ContextFeaturesProfiles SourceContext = "features_profiles"
	ContextIonosphere       SourceContext = "ionosphere"
)

// Options locates the directory roots and the training JSON naming.
type Options struct {
	DataRoot            string
	ProfilesRoot        string
	FullDurationSeconds int64
}

// Result mirrors what callers need to decide the next step: the CSV to
// hand the learner, whether a features profile was already created for
// this anomaly, and diagnostics when extraction failed.
type Result struct {
	TransposedCSVPath string
	OK                bool
	FPCreated         bool
	FPID              int
	FailMsg           string
	Trace             string
	CalcTime          string
}

// Extractor computes feature vectors from training data.
type Extractor struct {
	calc Calculator
	log  *rzlog.Logger
	opts Options

	now func() time.Time
}

// NewExtractor builds an Extractor; a nil calculator gets the built-in
// stats panel.
func NewExtractor(calc Calculator, log *rzlog.Logger, opts Options) *Extractor {
	if calc == nil {
		calc = StatsCalculator{}
	}
	return &Extractor{calc: calc, log: log, opts: opts, now: time.Now}
}

// Extract runs the feature-extraction routine for one stored anomaly.
// Idempotent in two layers: the transposed CSV short-circuits everything,
// and the .fp.created.txt sentinel is consulted either way so the caller
// learns about an already-created features profile even on recompute.
func (e *Extractor) Extract(timestamp int64, baseName string, context SourceContext) (Result, error) {
	dir := e.dirFor(timestamp, baseName, context)

	result := Result{}
	result.FPCreated, result.FPID = readFPSentinel(fpSentinelPath(dir, timestamp, baseName))

	transposed := transposedCSVPath(dir, baseName)
	if fileExists(transposed) {
		e.log.Info("features already calculated for %s at %d", baseName, timestamp)
		result.TransposedCSVPath = transposed
		result.OK = true
		return result, nil
	}

	points, err := e.readTrainingJSON(dir, baseName)
	if err != nil {
		return failed(result, err), err
	}

	tsCSV := filepath.Join(dir, baseName+".tsfresh.input.csv")
	if err := writeInputCSV(tsCSV, baseName, points); err != nil {
		err = errors.FilesystemErrorf("write_input_csv", err, "metric %s", baseName)
		return failed(result, err), err
	}
	// The three-column CSV is scratch space; it goes away on success and on
	// every failure past this point.
	defer func() {
		if rmErr := os.Remove(tsCSV); rmErr != nil && !os.IsNotExist(rmErr) {
			e.log.Warn("could not remove %s: %v", tsCSV, rmErr)
		}
	}()

	calcStart := e.now()
	feats, err := e.calc.Extract(baseName, points)
	calcTime := e.now().Sub(calcStart)
	result.CalcTime = fmt.Sprintf("%.6f", calcTime.Seconds())
	if err != nil {
		return failed(result, err), err
	}

	if err := writeTransposedCSV(transposed, feats); err != nil {
		err = errors.FilesystemErrorf("write_transposed_csv", err, "metric %s", baseName)
		return failed(result, err), err
	}

	featuresCount := len(feats)
	featuresSum := sumFeatureValues(feats)

	detailsPath := filepath.Join(dir, fmt.Sprintf("%d.%s.fp.details.txt", timestamp, baseName))
	details := fmt.Sprintf("[%d, '%s', %s, %d, %v]\n",
		e.now().Unix(), e.calc.Version(), result.CalcTime, featuresCount, featuresSum)
	if err := os.WriteFile(detailsPath, []byte(details), 0o644); err != nil {
		e.log.Warn("could not write %s: %v", detailsPath, err)
	}

	e.log.Info("calculated %d features for %s at %d in %ss", featuresCount, baseName, timestamp, result.CalcTime)
	result.TransposedCSVPath = transposed
	result.OK = true
	return result, nil
}

func (e *Extractor) dirFor(timestamp int64, baseName string, context SourceContext) string {
	root := e.opts.DataRoot
	if context == ContextFeaturesProfiles {
		root = e.opts.ProfilesRoot
	}
	slashed := strings.ReplaceAll(baseName, ".", "/")
	return filepath.Join(root, strconv.FormatInt(timestamp, 10), slashed)
}

// readTrainingJSON loads the parenthesized-pairs series the Anomaly Router
// materialized at anomaly time.
func (e *Extractor) readTrainingJSON(dir, baseName string) ([]seriescodec.Point, error) {
	hours := e.opts.FullDurationSeconds / 3600
	path := filepath.Join(dir, fmt.Sprintf("%s.mirage.redis.%dh.json", baseName, hours))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FilesystemErrorf("read_training_json", err, "metric %s", baseName)
	}
	points, err := parsePairList(string(data))
	if err != nil {
		return nil, errors.CodecError("parse_training_json", err)
	}
	if len(points) == 0 {
		return nil, errors.CodecError("parse_training_json", fmt.Errorf("no datapoints in %s", path))
	}
	return points, nil
}

// parsePairList parses "((100, 1), (160, 2.5))" into points. Tolerant of
// whitespace; a malformed pair fails the whole parse rather than silently
// shortening the series.
func parsePairList(raw string) ([]seriescodec.Point, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var points []seriescodec.Point
	for _, chunk := range strings.Split(s, "(") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		chunk = strings.TrimSuffix(strings.TrimSpace(strings.TrimSuffix(chunk, ",")), ")")
		parts := strings.SplitN(chunk, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed pair %q", chunk)
		}
		ts, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp in %q: %w", chunk, err)
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed value in %q: %w", chunk, err)
		}
		points = append(points, seriescodec.Point{Timestamp: int64(ts), Value: val})
	}
	return points, nil
}

// writeInputCSV writes the three-column intermediate the feature library
// contract expects: metric, integer timestamp, float value.
func writeInputCSV(path, metric string, points []seriescodec.Point) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, p := range points {
		record := []string{
			metric,
			strconv.FormatInt(p.Timestamp, 10),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// writeTransposedCSV persists the long-form (feature_name, value) frame.
func writeTransposedCSV(path string, feats []FeatureValue) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"feature_name", "value"}); err != nil {
		return err
	}
	for _, fv := range feats {
		record := []string{fv.Name, strconv.FormatFloat(fv.Value, 'f', -1, 64)}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// sumFeatureValues totals the value column, skipping non-finite entries so
// one degenerate feature can't poison the sum.
func sumFeatureValues(feats []FeatureValue) float64 {
	sum := 0.0
	for _, fv := range feats {
		if math.IsNaN(fv.Value) || math.IsInf(fv.Value, 0) {
			continue
		}
		sum += fv.Value
	}
	return sum
}

func transposedCSVPath(dir, baseName string) string {
	return filepath.Join(dir, baseName+".tsfresh.input.csv.features.transposed.csv")
}

func fpSentinelPath(dir string, timestamp int64, baseName string) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s.fp.created.txt", timestamp, baseName))
}

// readFPSentinel reports whether a features profile was already created for
// this anomaly and, if the sentinel records one, its id. The sentinel is
// written by the learner in a loosely keyed format; the id is recognized by
// its "id" key and everything else is ignored.
func readFPSentinel(path string) (created bool, fpID int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	content := string(data)
	for _, key := range []string{"'id': ", "\"id\": ", "id="} {
		idx := strings.Index(content, key)
		if idx < 0 {
			continue
		}
		rest := content[idx+len(key):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end > 0 {
			if id, err := strconv.Atoi(rest[:end]); err == nil {
				return true, id
			}
		}
	}
	return true, 0
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func failed(result Result, err error) Result {
	result.OK = false
	result.FailMsg = err.Error()
	result.Trace = string(debug.Stack())
	return result
}
