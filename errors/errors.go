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

// Package errors provides standardized error wrapping for the batch
// analyzer. Errors carry a category and the failing operation so the
// Supervisor can decide between retry, swallow-and-log, and abort without
// string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// Error categories for structured error handling
const (
	CategoryStore         = "store"
	CategoryCodec         = "codec"
	CategoryRouting       = "routing"
	CategoryFilesystem    = "filesystem"
	CategoryConfiguration = "configuration"
	CategoryInternal      = "internal"
)

// WorkerError represents a structured error with category and context
type WorkerError struct {
	Category string
	Op       string // Operation that failed
	Err      error  // Underlying error
	Message  string // Human-readable message
}

// Error implements the error interface
func (e *WorkerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is
func (e *WorkerError) Is(target error) bool {
	t, ok := target.(*WorkerError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Op == "" || e.Op == t.Op)
}

// Wrap wraps an error with operation context and category
func Wrap(err error, category, op, message string) error {
	if err == nil {
		return nil
	}
	return &WorkerError{
		Category: category,
		Op:       op,
		Err:      err,
		Message:  message,
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, category, op, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &WorkerError{
		Category: category,
		Op:       op,
		Err:      err,
		Message:  fmt.Sprintf(format, args...),
	}
}

// New creates a new WorkerError without wrapping an existing error
func New(category, op, message string) error {
	return &WorkerError{
		Category: category,
		Op:       op,
		Err:      errors.New(message),
		Message:  message,
	}
}

// Newf creates a new WorkerError with formatted message
func Newf(category, op, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &WorkerError{
		Category: category,
		Op:       op,
		Err:      errors.New(msg),
		Message:  msg,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category string) bool {
	var wErr *WorkerError
	if errors.As(err, &wErr) {
		return wErr.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, returns empty string if not a WorkerError
func GetCategory(err error) string {
	var wErr *WorkerError
	if errors.As(err, &wErr) {
		return wErr.Category
	}
	return ""
}

// IsRetryable determines if an error should be retried. Store failures are
// transient until proven otherwise; everything classified is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if IsCategory(err, CategoryConfiguration) {
		return false
	}
	if IsCategory(err, CategoryCodec) {
		return false
	}
	if IsCategory(err, CategoryStore) {
		return true
	}

	return false
}

// Common error constructors for frequently used patterns

// StoreError wraps a shared-store error
func StoreError(op string, err error) error {
	return Wrap(err, CategoryStore, op, "")
}

// StoreErrorf wraps a shared-store error with message
func StoreErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryStore, op, format, args...)
}

// CodecError wraps a series/work-item decode error
func CodecError(op string, err error) error {
	return Wrap(err, CategoryCodec, op, "")
}

// RoutingError wraps an anomaly-routing error
func RoutingError(op string, err error) error {
	return Wrap(err, CategoryRouting, op, "")
}

// FilesystemError wraps a training-data or check-file write error
func FilesystemError(op string, err error) error {
	return Wrap(err, CategoryFilesystem, op, "")
}

// FilesystemErrorf wraps a filesystem error with message
func FilesystemErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryFilesystem, op, format, args...)
}

// ConfigError creates a configuration error
func ConfigError(op, message string) error {
	return New(CategoryConfiguration, op, message)
}

// ConfigErrorf creates a configuration error with formatting
func ConfigErrorf(op, format string, args ...interface{}) error {
	return Newf(CategoryConfiguration, op, format, args...)
}
