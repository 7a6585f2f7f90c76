package ensemble

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
)

func flatWindow(n int, value float64) []seriescodec.Point {
	out := make([]seriescodec.Point, n)
	for i := range out {
		out[i] = seriescodec.Point{Timestamp: int64(i * 10), Value: value}
	}
	return out
}

// noisyWindow alternates center-1 and center+1, so a baseline built from it
// has non-zero variance and the variance-based algorithms can vote.
func noisyWindow(n int, center float64) []seriescodec.Point {
	out := flatWindow(n, center)
	for i := range out {
		if i%2 == 0 {
			out[i].Value = center - 1
		} else {
			out[i].Value = center + 1
		}
	}
	return out
}

func TestEngineRunTooShortWindow(t *testing.T) {
	engine := NewEngine([]Algorithm{StdDevOutlier{}})
	_, err := engine.Run(context.Background(), nil, "servers.foo.load", false)
	assert.True(t, errors.Is(err, ErrTooShort))
}

func TestEngineRunBoringOnFlatSeries(t *testing.T) {
	engine := NewEngine([]Algorithm{StdDevOutlier{}})
	window := flatWindow(10, 42)
	_, err := engine.Run(context.Background(), window, "servers.foo.load", false)
	assert.True(t, errors.Is(err, ErrBoring))
}

func TestEngineRunVoteVectorAlignsWithAlgorithmOrder(t *testing.T) {
	window := flatWindow(9, 10)
	window = append(window, seriescodec.Point{Timestamp: 90, Value: 1000})

	engine := NewEngine([]Algorithm{StdDevOutlier{Threshold: 2.5}, FirstHitLastPointAboveRange{}})
	verdict, err := engine.Run(context.Background(), window, "servers.foo.load", false)
	require.NoError(t, err)
	require.Len(t, verdict.Votes, 2)
	assert.True(t, verdict.Votes[0])
	assert.True(t, verdict.Votes[1])
	assert.True(t, verdict.Anomalous)
	assert.Equal(t, 1000.0, verdict.LastDatapoint)
}

func TestEngineRunNoVotesIsNotAnomalous(t *testing.T) {
	window := flatWindow(9, 10)
	window = append(window, seriescodec.Point{Timestamp: 90, Value: 10.1})

	engine := NewEngine([]Algorithm{StdDevOutlier{Threshold: 2.5}})
	verdict, err := engine.Run(context.Background(), window, "servers.foo.load", false)
	require.NoError(t, err)
	assert.False(t, verdict.Anomalous)
}

func TestEngineRunCollectsNegatives(t *testing.T) {
	window := flatWindow(9, 10)
	window = append(window, seriescodec.Point{Timestamp: 90, Value: -5})
	window[3].Value = -1

	engine := NewEngine([]Algorithm{FirstHitLastPointAboveRange{}})
	verdict, err := engine.Run(context.Background(), window, "servers.foo.load", true)
	require.NoError(t, err)
	require.Len(t, verdict.NegativesFound, 2)
}

func TestMedianAbsoluteDeviationFlagsOutlier(t *testing.T) {
	window := noisyWindow(9, 10)
	window = append(window, seriescodec.Point{Timestamp: 90, Value: 500})
	algo := MedianAbsoluteDeviation{}
	anomalous, err := algo.Check(window)
	require.NoError(t, err)
	assert.True(t, anomalous)
}
