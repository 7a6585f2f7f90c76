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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/vpiduri/analyzer-batch/config"
	"github.com/vpiduri/analyzer-batch/internal/ensemble"
	"github.com/vpiduri/analyzer-batch/internal/router"
	"github.com/vpiduri/analyzer-batch/internal/rzlog"
	"github.com/vpiduri/analyzer-batch/internal/store"
	"github.com/vpiduri/analyzer-batch/internal/supervisor"
	"github.com/vpiduri/analyzer-batch/internal/worker"
	"github.com/vpiduri/analyzer-batch/internal/workitem"
	"github.com/vpiduri/analyzer-batch/metrics"
	"github.com/vpiduri/analyzer-batch/retry"
)

func main() {
	workerMode := flag.Bool("batch-worker", false, "run in worker mode (spawned by the supervisor)")
	index := flag.Int("index", 0, "worker index (worker mode)")
	runTS := flag.Int64("run-ts", 0, "run timestamp (worker mode)")
	metricName := flag.String("metric", "", "metric to process (worker mode)")
	lastTS := flag.Int64("last-ts", 0, "last analyzed timestamp (worker mode)")
	parentPID := flag.Int("parent-pid", 0, "supervising process pid (worker mode)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	rzlog.Init(cfg.LogLevel)

	zapLog, err := zap.NewProduction()
	if err != nil {
		zapLog, _ = zap.NewDevelopment()
	}
	defer zapLog.Sync()

	if *workerMode {
		os.Exit(runWorker(cfg, zapLog, *index, *runTS, *metricName, *lastTS, *parentPID))
	}

	runSupervisor(cfg, zapLog)
}

func runSupervisor(cfg *config.Config, zapLog *zap.Logger) {
	log := rzlog.GetLogger().WithPrefix("supervisor")
	log.Info("batch analyzer starting (go %s, %s/%s)", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	batchMetrics := metrics.NewBatchMetrics()
	if cfg.MetricsEnabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.MetricsPort); err != nil {
				log.Error("metrics server failed: %v", err)
			}
		}()
		log.Info("metrics endpoint on :%d/metrics", cfg.MetricsPort)
	}

	s := store.NewRedisStore(store.RedisOptions{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
	})
	defer s.Close()

	opts := supervisor.DefaultOptions(cfg.App, cfg.Algorithms)
	opts.WatchdogTimeout = cfg.WatchdogTimeout

	sv := supervisor.New(
		s,
		&supervisor.ExecSpawner{},
		log,
		zapLog,
		batchMetrics,
		retry.New(retry.StorePingConfig(), batchMetrics),
		opts,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("supervisor exited: %v", err)
		os.Exit(1)
	}
	log.Info("batch analyzer stopped")
}

// runWorker is the child-process entry: process exactly one work item and
// print the Result as a single JSON line for the supervisor to collect.
func runWorker(cfg *config.Config, zapLog *zap.Logger, index int, runTS int64, metricName string, lastTS int64, parentPID int) int {
	log := rzlog.GetLogger().ForWorker(index)

	if metricName == "" {
		log.Error("worker mode requires --metric")
		return 1
	}
	log.Debug("run %d: processing %s from %d", runTS, metricName, lastTS)

	s := store.NewRedisStore(store.RedisOptions{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
	})
	defer s.Close()

	engine := ensemble.NewEngine(buildAlgorithms(cfg.Algorithms))
	rtr := router.New(s, router.FileLearner{}, zapLog)

	w := worker.New(s, engine, rtr, log, metrics.NewBatchMetrics(), worker.Options{
		App:                           cfg.App,
		FullNamespace:                 cfg.FullNamespace,
		FullDurationSeconds:           cfg.FullDurationSeconds,
		AlgorithmNames:                cfg.Algorithms,
		DataRoot:                      cfg.DataRoot,
		TrainingRetention:             cfg.TrainingRetention,
		RecordStoreCheckPath:          cfg.RecordStoreCheckPath,
		RecordStoreEnabled:            cfg.RecordStoreEnabled,
		MirageEnabled:                 cfg.MirageEnabled,
		IonosphereEnabled:             cfg.IonosphereEnabled,
		KnownNegativeMetrics:          cfg.KnownNegativeMetrics,
		NonDerivativeMonotonicMetrics: cfg.NonDerivativeMonotonicMetrics,
	}).WithParentPID(parentPID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	result, err := w.Process(ctx, workitem.WorkItem{MetricName: metricName, LastAnalyzedTS: lastTS})
	if err != nil {
		log.Error("processing %s failed: %v", metricName, err)
	}

	line, jsonErr := json.Marshal(result)
	if jsonErr != nil {
		log.Error("encoding result failed: %v", jsonErr)
		return 1
	}
	fmt.Println(string(line))

	if err != nil {
		return 1
	}
	return 0
}

// buildAlgorithms maps configured names to panel members. Unknown names
// are skipped with a warning so a typo in the list degrades the panel
// instead of bricking every worker.
func buildAlgorithms(names []string) []ensemble.Algorithm {
	var algorithms []ensemble.Algorithm
	for _, name := range names {
		switch name {
		case "stddev_outlier":
			algorithms = append(algorithms, ensemble.StdDevOutlier{})
		case "median_absolute_deviation":
			algorithms = append(algorithms, ensemble.MedianAbsoluteDeviation{})
		case "first_hit":
			algorithms = append(algorithms, ensemble.FirstHitLastPointAboveRange{})
		default:
			rzlog.Warn("unknown algorithm %q in configuration, skipping", name)
		}
	}
	return algorithms
}
