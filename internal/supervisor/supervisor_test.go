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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpiduri/analyzer-batch/internal/rzlog"
	"github.com/vpiduri/analyzer-batch/internal/store"
	"github.com/vpiduri/analyzer-batch/internal/worker"
	"github.com/vpiduri/analyzer-batch/internal/workitem"
	"github.com/vpiduri/analyzer-batch/retry"
)

type fakeProcess struct {
	mu         sync.Mutex
	done       chan struct{}
	result     worker.Result
	err        error
	terminated bool
	killed     bool

	// dieOnTerminate closes done when Terminate is called, simulating a
	// process that honors SIGTERM.
	dieOnTerminate bool
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Result() (worker.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	if p.dieOnTerminate {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	proc    *fakeProcess
	spawned []workitem.WorkItem
	err     error
}

func (s *fakeSpawner) Spawn(ctx context.Context, index int, runTS int64, item workitem.WorkItem) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.spawned = append(s.spawned, item)
	return s.proc, nil
}

func fastOptions() Options {
	opts := DefaultOptions("analyzer_batch", []string{"stddev_outlier", "first_hit"})
	opts.WatchdogTimeout = 100 * time.Millisecond
	opts.WatchdogPoll = 5 * time.Millisecond
	opts.EmptyQueueSleep = 5 * time.Millisecond
	opts.TerminateGrace = 50 * time.Millisecond
	return opts
}

func fastRetryer() *retry.Retryer {
	return retry.New(retry.Config{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
	}, nil)
}

func newTestSupervisor(s store.Store, spawner Spawner) *Supervisor {
	return New(s, spawner, rzlog.NewLogger("error", "test"), nil, nil, fastRetryer(), fastOptions())
}

func completedProcess(result worker.Result) *fakeProcess {
	p := &fakeProcess{done: make(chan struct{}), result: result}
	close(p.done)
	return p
}

func TestRunOnceProcessesOneItem(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	item := workitem.WorkItem{MetricName: "metrics.foo", LastAnalyzedTS: 200}
	require.NoError(t, s.SetAdd(ctx, batchSet, workitem.Encode(item)))

	proc := completedProcess(worker.Result{
		MetricName:         "metrics.foo",
		TimestampsAnalyzed: 2,
		AnomaliesDetected:  1,
		AnomalyBreakdown:   map[string]int{"stddev_outlier": 1},
		Exceptions:         map[string]int{"Stale": 0},
		WorkItemRemoved:    true,
	})
	spawner := &fakeSpawner{proc: proc}
	sv := newTestSupervisor(s, spawner)

	require.NoError(t, sv.RunOnce(ctx))

	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, item, spawner.spawned[0])
}

func TestRunOnceWritesHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	item := workitem.WorkItem{MetricName: "metrics.foo", LastAnalyzedTS: 200}
	require.NoError(t, s.SetAdd(ctx, batchSet, workitem.Encode(item)))

	spawner := &fakeSpawner{proc: completedProcess(worker.Result{MetricName: "metrics.foo"})}
	sv := newTestSupervisor(s, spawner)

	require.NoError(t, sv.RunOnce(ctx))

	_, found, err := s.GetString(ctx, "analyzer_batch")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunOnceSkipsMalformedMembers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.SetAdd(ctx, batchSet, "not a work item"))
	item := workitem.WorkItem{MetricName: "metrics.ok", LastAnalyzedTS: 100}
	require.NoError(t, s.SetAdd(ctx, batchSet, workitem.Encode(item)))

	spawner := &fakeSpawner{proc: completedProcess(worker.Result{MetricName: "metrics.ok"})}
	sv := newTestSupervisor(s, spawner)

	require.NoError(t, sv.RunOnce(ctx))

	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, "metrics.ok", spawner.spawned[0].MetricName)
}

func TestWatchdogTerminatesOverrunWorker(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	item := workitem.WorkItem{MetricName: "metrics.slow", LastAnalyzedTS: 200}
	require.NoError(t, s.SetAdd(ctx, batchSet, workitem.Encode(item)))

	// Never finishes on its own; dies when terminated.
	proc := &fakeProcess{done: make(chan struct{}), dieOnTerminate: true}
	spawner := &fakeSpawner{proc: proc}
	sv := newTestSupervisor(s, spawner)

	start := time.Now()
	require.NoError(t, sv.RunOnce(ctx))
	elapsed := time.Since(start)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.terminated)
	assert.False(t, proc.killed)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestWatchdogEscalatesToKill(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	item := workitem.WorkItem{MetricName: "metrics.stuck", LastAnalyzedTS: 200}
	require.NoError(t, s.SetAdd(ctx, batchSet, workitem.Encode(item)))

	// Ignores SIGTERM; only dies on Kill.
	proc := &fakeProcess{done: make(chan struct{}), dieOnTerminate: false}
	spawner := &fakeSpawner{proc: proc}
	sv := newTestSupervisor(s, spawner)

	require.NoError(t, sv.RunOnce(ctx))

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.terminated)
	assert.True(t, proc.killed)
}

func TestRunOnceSpawnFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	item := workitem.WorkItem{MetricName: "metrics.foo", LastAnalyzedTS: 200}
	require.NoError(t, s.SetAdd(ctx, batchSet, workitem.Encode(item)))

	spawner := &fakeSpawner{err: errors.New("fork failed")}
	sv := newTestSupervisor(s, spawner)

	err := sv.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics.foo")
}

func TestRunOnceHonorsContextWhileWaiting(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	sv := newTestSupervisor(s, &fakeSpawner{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sv.RunOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewAggregatesZeroFilled(t *testing.T) {
	sv := newTestSupervisor(store.NewMemoryStore(), &fakeSpawner{})

	agg := sv.newAggregates()

	assert.Equal(t, map[string]int{"stddev_outlier": 0, "first_hit": 0}, agg.AnomalyBreakdown)
	for _, key := range worker.ExceptionKeys {
		_, present := agg.Exceptions[key]
		assert.True(t, present, "missing exception key %s", key)
	}
}

func TestMergeCounters(t *testing.T) {
	dst := map[string]int{"Stale": 0, "Boring": 1}
	mergeCounters(dst, map[string]int{"Stale": 2, "Other": 3})

	assert.Equal(t, map[string]int{"Stale": 2, "Boring": 1, "Other": 3}, dst)
}
