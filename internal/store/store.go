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

// Package store is the Shared Store Client: a thin typed facade over the
// shared in-memory store (Redis or Redis-compatible). No other component in
// this module speaks to the store directly.
package store

import (
	"context"
	"time"
)

// Store is the full contract every other component relies on. It is
// satisfied by RedisStore (production) and by MemoryStore (tests, and a
// local-dev fallback with no external dependency).
type Store interface {
	// Get returns the raw bytes stored at key, or (nil, false) if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// GetString returns the decoded-string form of a small key (set
	// members, markers), or ("", false) if absent.
	GetString(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL stores value at key with the given expiry. ttl <= 0 means
	// no expiry.
	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes a key. Absence is not an error.
	Delete(ctx context.Context, key string) error

	// SetAdd adds member to the named set.
	SetAdd(ctx context.Context, set string, member string) error

	// SetRemove removes member from the named set.
	SetRemove(ctx context.Context, set string, member string) error

	// SetMembers lists every member of the named set.
	SetMembers(ctx context.Context, set string) ([]string, error)

	// Ping verifies connectivity. A non-nil error triggers the
	// Supervisor's 10-second back-off-and-reconnect policy.
	Ping(ctx context.Context) error

	// Close releases any underlying connection resources.
	Close() error
}

// ErrNotFound is not used by this package directly (absence is reported via
// the boolean return of Get/GetString) but is kept for callers that prefer
// sentinel-error style absence checks over multi-value returns.
type notFoundSentinel struct{}

func (notFoundSentinel) Error() string { return "store: key not found" }

// ErrNotFound is the sentinel for callers that prefer an error over a
// boolean "found" flag; no Store method returns it.
var ErrNotFound error = notFoundSentinel{}
