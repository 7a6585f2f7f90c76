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

package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/vpiduri/analyzer-batch/internal/rzlog"
	"github.com/vpiduri/analyzer-batch/metrics"
)

// RetryableError represents an error that can be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r *RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable returns true if the error can be retried
func (r *RetryableError) IsRetryable() bool {
	return r.Retryable
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, retryable bool) *RetryableError {
	return &RetryableError{Err: err, Retryable: retryable}
}

// Config holds retry configuration
type Config struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffFactor       float64
	RandomizationFactor float64
	Timeout             time.Duration
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.1,
		Timeout:             30 * time.Second,
	}
}

// StorePingConfig returns the Supervisor's store-reconnect policy: a flat
// ten-second pause between attempts, retried indefinitely-enough that a
// store outage shorter than five minutes never kills the loop.
func StorePingConfig() Config {
	return Config{
		MaxRetries:          30,
		InitialDelay:        10 * time.Second,
		MaxDelay:            10 * time.Second,
		BackoffFactor:       1.0,
		RandomizationFactor: 0,
		Timeout:             0,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// RetryFuncWithContext is a function that can be retried with context
type RetryFuncWithContext func(ctx context.Context) error

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config  Config
	metrics *metrics.BatchMetrics
}

// New creates a new Retryer
func New(config Config, m *metrics.BatchMetrics) *Retryer {
	return &Retryer{
		config:  config,
		metrics: m,
	}
}

// Do executes the function with retry logic
func (r *Retryer) Do(operation string, fn RetryFunc) error {
	return r.DoWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the function with retry logic and context
func (r *Retryer) DoWithContext(ctx context.Context, operation string, fn RetryFuncWithContext) error {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	delay := r.config.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if r.metrics != nil {
			r.metrics.RecordRetryAttempt(operation, attempt+1)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 && r.metrics != nil {
				r.metrics.RecordRetrySuccess(operation)
				rzlog.Info("Operation %s succeeded after %d retries", operation, attempt)
			}
			return nil
		}

		lastErr = err

		if retryableErr, ok := err.(*RetryableError); ok && !retryableErr.IsRetryable() {
			rzlog.Warn("Operation %s failed with non-retryable error: %v", operation, err)
			return err
		}

		if attempt >= r.config.MaxRetries {
			rzlog.Error("Operation %s failed after %d attempts: %v", operation, attempt+1, err)
			break
		}

		select {
		case <-ctx.Done():
			rzlog.Warn("Operation %s canceled during retry attempt %d", operation, attempt+1)
			return ctx.Err()
		default:
		}

		nextDelay := r.calculateDelay(delay, attempt)
		rzlog.Debug("Operation %s failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt+1, r.config.MaxRetries+1, nextDelay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nextDelay):
		}

		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, r.config.MaxRetries+1, lastErr)
}

// calculateDelay calculates the delay for the next retry with jitter
func (r *Retryer) calculateDelay(baseDelay time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(r.config.BackoffFactor, float64(attempt)))

	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	if r.config.RandomizationFactor > 0 {
		jitter := float64(delay) * r.config.RandomizationFactor * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
	}

	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	return delay
}

// IsRetryableStoreError determines if a shared-store error should be retried
func IsRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	retryablePatterns := []string{
		"connection refused",
		"timeout",
		"context deadline exceeded",
		"temporary failure",
		"loading the dataset in memory",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
	}

	for _, pattern := range retryablePatterns {
		if containsFold(errStr, pattern) {
			return true
		}
	}

	return false
}

// WrapStoreError wraps a shared-store error as retryable or non-retryable
func WrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	return NewRetryableError(err, IsRetryableStoreError(err))
}

// containsFold checks if a string contains a substring (case-insensitive)
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
