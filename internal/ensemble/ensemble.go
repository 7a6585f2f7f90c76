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

// Package ensemble runs a fixed panel of anomaly-detection algorithms
// against a single series window and reports a positional vote vector. The
// individual algorithms are a contract, not a prescription: the engine only
// fans a window out to every configured Algorithm concurrently and collects
// a verdict.
package ensemble

import (
	"context"
	"errors"
	"fmt"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
)

// Classified failure kinds. A worker that catches one of these still
// updates the last-analyzed sentinel; it never treats the window as
// unanalyzable going forward.
var (
	ErrTooShort         = errors.New("ensemble: window shorter than minimum")
	ErrStale            = errors.New("ensemble: latest point too old relative to window end")
	ErrBoring           = errors.New("ensemble: insufficient variance")
	ErrDeletedByRoomba  = errors.New("ensemble: series went missing between fetch and analyze")
	ErrOther            = errors.New("ensemble: algorithm failure")
)

// Verdict is the outcome of running the full panel against one window.
type Verdict struct {
	Anomalous      bool
	Votes          []bool
	LastDatapoint  float64
	NegativesFound []seriescodec.Point
}

// Algorithm is a single ensemble member. It must return one of the
// sentinel errors above (wrapped is fine, checked via errors.Is) when it
// cannot produce a verdict, rather than returning false with a nil error.
type Algorithm interface {
	Name() string
	Check(window []seriescodec.Point) (anomalous bool, err error)
}

// Engine runs every configured Algorithm concurrently against a window and
// assembles the vote vector. Algorithm order in Algorithms defines the
// vote-vector's positional alignment.
type Engine struct {
	Algorithms []Algorithm
}

// NewEngine builds an Engine from an ordered algorithm list.
func NewEngine(algorithms []Algorithm) *Engine {
	return &Engine{Algorithms: algorithms}
}

type algoOutcome struct {
	index     int
	anomalous bool
	err       error
}

// Run fans window out to every algorithm concurrently, collects votes, and
// classifies the aggregate outcome. checkNegatives, when true, also scans
// window for negative values and reports them; the learner refuses series
// that ever went negative.
func (e *Engine) Run(ctx context.Context, window []seriescodec.Point, metricName string, checkNegatives bool) (Verdict, error) {
	if len(window) == 0 {
		return Verdict{}, fmt.Errorf("%w: %s has no datapoints", ErrTooShort, metricName)
	}

	n := len(e.Algorithms)
	resultsCh := make(chan algoOutcome, n)

	for i, algo := range e.Algorithms {
		go func(i int, algo Algorithm) {
			select {
			case <-ctx.Done():
				resultsCh <- algoOutcome{index: i, err: fmt.Errorf("%w: %s: %v", ErrOther, algo.Name(), ctx.Err())}
				return
			default:
			}
			anomalous, err := algo.Check(window)
			resultsCh <- algoOutcome{index: i, anomalous: anomalous, err: err}
		}(i, algo)
	}

	votes := make([]bool, n)
	var firstErr error
	for received := 0; received < n; received++ {
		out := <-resultsCh
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		votes[out.index] = out.anomalous
	}

	if firstErr != nil {
		return Verdict{}, firstErr
	}

	anomalous := false
	for _, v := range votes {
		if v {
			anomalous = true
			break
		}
	}

	verdict := Verdict{
		Anomalous:     anomalous,
		Votes:         votes,
		LastDatapoint: window[len(window)-1].Value,
	}
	if checkNegatives {
		verdict.NegativesFound = negativePoints(window)
	}
	return verdict, nil
}

func negativePoints(window []seriescodec.Point) []seriescodec.Point {
	var negatives []seriescodec.Point
	for _, p := range window {
		if p.Value < 0 {
			negatives = append(negatives, p)
		}
	}
	return negatives
}
