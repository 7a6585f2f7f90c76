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

// Package supervisor is the long-running controller: it heartbeats, drains
// the batch queue one work item at a time, hands each item to an isolated
// worker process, enforces the watchdog deadline, and aggregates the
// per-run counters the workers report back.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vpiduri/analyzer-batch/internal/rzlog"
	"github.com/vpiduri/analyzer-batch/internal/store"
	"github.com/vpiduri/analyzer-batch/internal/worker"
	"github.com/vpiduri/analyzer-batch/internal/workitem"
	"github.com/vpiduri/analyzer-batch/metrics"
	"github.com/vpiduri/analyzer-batch/retry"
)

const batchSet = "analyzer.batch"

// Process is a handle on one spawned worker. Done is closed when the
// process exits on its own; Result is only valid after that. Terminate and
// Kill are the watchdog's escalation ladder.
type Process interface {
	Done() <-chan struct{}
	Result() (worker.Result, error)
	Terminate() error
	Kill() error
}

// Spawner launches one isolated worker for a work item. Production uses
// ExecSpawner (separate OS process, hard-killable); tests use an in-process
// fake.
type Spawner interface {
	Spawn(ctx context.Context, index int, runTS int64, item workitem.WorkItem) (Process, error)
}

// Options carries the Supervisor's configured knobs.
type Options struct {
	App             string
	AlgorithmNames  []string
	WatchdogTimeout time.Duration
	HeartbeatTTL    time.Duration
	EmptyQueueSleep time.Duration
	WatchdogPoll    time.Duration
	TerminateGrace  time.Duration
}

// DefaultOptions fills the timing knobs with the production values.
func DefaultOptions(app string, algorithmNames []string) Options {
	return Options{
		App:             app,
		AlgorithmNames:  algorithmNames,
		WatchdogTimeout: 300 * time.Second,
		HeartbeatTTL:    120 * time.Second,
		EmptyQueueSleep: time.Second,
		WatchdogPoll:    100 * time.Millisecond,
		TerminateGrace:  10 * time.Second,
	}
}

// Aggregates is one run's zero-filled counter roll-up.
type Aggregates struct {
	AnomalyBreakdown map[string]int
	Exceptions       map[string]int
}

// Supervisor runs the control loop.
type Supervisor struct {
	store   store.Store
	spawner Spawner
	log     *rzlog.Logger
	audit   *zap.Logger
	metrics *metrics.BatchMetrics
	retryer *retry.Retryer
	opts    Options

	now func() time.Time
}

// New builds a Supervisor. The retryer embodies the ping-reconnect policy;
// pass nil to use the default flat-ten-second one.
func New(s store.Store, spawner Spawner, log *rzlog.Logger, audit *zap.Logger, m *metrics.BatchMetrics, retryer *retry.Retryer, opts Options) *Supervisor {
	if retryer == nil {
		retryer = retry.New(retry.StorePingConfig(), m)
	}
	if audit == nil {
		audit = zap.NewNop()
	}
	return &Supervisor{
		store:   s,
		spawner: spawner,
		log:     log,
		audit:   audit,
		metrics: m,
		retryer: retryer,
		opts:    opts,
	}
}

// Run loops until the context is canceled. Errors from individual
// iterations are logged and the loop continues; the store-down case is
// already absorbed by the ping retryer.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor starting, watchdog timeout %v", s.opts.WatchdogTimeout)
	for {
		if err := ctx.Err(); err != nil {
			s.log.Info("supervisor stopping: %v", err)
			return err
		}
		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("supervisor iteration failed: %v", err)
		}
	}
}

// RunOnce performs one outer-loop iteration: ping, wait for work, spawn one
// worker, watchdog it, aggregate its counters.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	if err := s.pingStore(ctx); err != nil {
		return err
	}

	item, ok, err := s.waitForWork(ctx)
	if err != nil || !ok {
		return err
	}

	runTS := s.clock().Unix()
	timer := metrics.NewTimer()

	proc, err := s.spawner.Spawn(ctx, 0, runTS, item)
	if err != nil {
		s.metrics.RecordWorkItemError("spawn")
		return fmt.Errorf("supervisor: spawning worker for %s: %w", item.MetricName, err)
	}
	s.log.Info("spawned worker for %s (last analyzed %d)", item.MetricName, item.LastAnalyzedTS)

	timedOut := s.watchdog(ctx, proc)

	agg := s.newAggregates()
	if timedOut {
		s.metrics.RecordWatchdogTermination()
		s.audit.Warn("worker terminated by watchdog",
			zap.String("metric", item.MetricName),
			zap.Duration("deadline", s.opts.WatchdogTimeout),
		)
		s.log.Warn("worker for %s exceeded %v and was terminated", item.MetricName, s.opts.WatchdogTimeout)
	} else {
		result, resErr := proc.Result()
		if resErr != nil {
			s.metrics.RecordWorkItemError("worker")
			s.log.Error("worker for %s failed: %v", item.MetricName, resErr)
		} else {
			mergeCounters(agg.AnomalyBreakdown, result.AnomalyBreakdown)
			mergeCounters(agg.Exceptions, result.Exceptions)
			s.audit.Info("work item processed",
				zap.String("metric", result.MetricName),
				zap.Int("timestamps_analyzed", result.TimestampsAnalyzed),
				zap.Int("anomalies", result.AnomaliesDetected),
				zap.Bool("work_item_removed", result.WorkItemRemoved),
			)
		}
	}

	s.metrics.RecordWorkItemProcessed()
	s.metrics.RecordProcessingDuration("work_item", timer.Duration())
	s.logAggregates(agg)
	return nil
}

// pingStore verifies connectivity, retrying with the flat 10s back-off
// before giving up on this iteration.
func (s *Supervisor) pingStore(ctx context.Context) error {
	first := true
	return s.retryer.DoWithContext(ctx, "store_ping", func(ctx context.Context) error {
		if !first {
			s.metrics.RecordStoreReconnect()
		}
		first = false
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn("store ping failed: %v", err)
			return retry.WrapStoreError(err)
		}
		return nil
	})
}

// waitForWork heartbeats and polls analyzer.batch until a decodable work
// item appears. Malformed members are skipped, not removed; the producer
// owns them.
func (s *Supervisor) waitForWork(ctx context.Context) (workitem.WorkItem, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return workitem.WorkItem{}, false, err
		}

		s.heartbeat(ctx)

		members, err := s.store.SetMembers(ctx, batchSet)
		if err != nil {
			return workitem.WorkItem{}, false, fmt.Errorf("supervisor: reading %s: %w", batchSet, err)
		}

		for _, member := range members {
			item, err := workitem.Decode(member)
			if err != nil {
				s.log.Warn("skipping malformed work item %q: %v", member, err)
				continue
			}
			return item, true, nil
		}

		select {
		case <-ctx.Done():
			return workitem.WorkItem{}, false, ctx.Err()
		case <-time.After(s.opts.EmptyQueueSleep):
		}
	}
}

// heartbeat refreshes the app liveness key. Best effort.
func (s *Supervisor) heartbeat(ctx context.Context) {
	value := fmt.Sprintf("%d", s.clock().Unix())
	if err := s.store.SetWithTTL(ctx, s.opts.App, value, s.opts.HeartbeatTTL); err != nil {
		s.log.Warn("heartbeat write failed: %v", err)
	}
}

// watchdog polls the worker until it exits or the deadline passes. On
// overrun it terminates, waits out the grace period, then kills. Reports
// whether the deadline fired.
func (s *Supervisor) watchdog(ctx context.Context, proc Process) bool {
	deadline := time.NewTimer(s.opts.WatchdogTimeout)
	defer deadline.Stop()

	poll := time.NewTicker(s.opts.WatchdogPoll)
	defer poll.Stop()

	for {
		select {
		case <-proc.Done():
			return false
		case <-deadline.C:
			s.terminate(proc)
			return true
		case <-ctx.Done():
			s.terminate(proc)
			return true
		case <-poll.C:
		}
	}
}

// terminate escalates: Terminate, grace period, Kill, then join.
func (s *Supervisor) terminate(proc Process) {
	if err := proc.Terminate(); err != nil {
		s.log.Warn("terminate failed: %v", err)
	}
	select {
	case <-proc.Done():
		return
	case <-time.After(s.opts.TerminateGrace):
	}
	if err := proc.Kill(); err != nil {
		s.log.Warn("kill failed: %v", err)
	}
	<-proc.Done()
}

// newAggregates builds the zero-filled counter maps so every key is logged
// each run even when nothing happened.
func (s *Supervisor) newAggregates() Aggregates {
	agg := Aggregates{
		AnomalyBreakdown: make(map[string]int, len(s.opts.AlgorithmNames)),
		Exceptions:       make(map[string]int, len(worker.ExceptionKeys)),
	}
	for _, name := range s.opts.AlgorithmNames {
		agg.AnomalyBreakdown[name] = 0
	}
	for _, key := range worker.ExceptionKeys {
		agg.Exceptions[key] = 0
	}
	return agg
}

func (s *Supervisor) logAggregates(agg Aggregates) {
	s.log.Info("exceptions: %v", agg.Exceptions)
	s.log.Info("anomaly breakdown: %v", agg.AnomalyBreakdown)
}

func (s *Supervisor) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func mergeCounters(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}
