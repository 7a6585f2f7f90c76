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

package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the two connections the Shared Store Client opens.
type RedisOptions struct {
	// Addr is the host:port of the shared store.
	Addr string
	// Password, DB mirror redis.Options; both connections use the same
	// credentials and target the same logical database.
	Password string
	DB       int
}

// RedisStore is the production Shared Store Client, backed by a
// Redis-compatible server. It keeps two connections: raw for the packed
// series blob (binary-safe), decoded for everything else (set membership,
// small string/int keys). The upstream producer and this worker must agree
// on byte-exact series payloads while every other key is plain text.
type RedisStore struct {
	raw     *redis.Client
	decoded *redis.Client
}

// NewRedisStore dials both connections. Connection is lazy in go-redis; the
// first real round trip happens on the first call (typically Ping, per the
// Supervisor's startup sequence).
func NewRedisStore(opts RedisOptions) *RedisStore {
	mk := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return &RedisStore{raw: mk(), decoded: mk()}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.raw.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.decoded.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	return s.decoded.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.decoded.Del(ctx, key).Err()
}

func (s *RedisStore) SetAdd(ctx context.Context, set string, member string) error {
	return s.decoded.SAdd(ctx, set, member).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, set string, member string) error {
	return s.decoded.SRem(ctx, set, member).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	return s.decoded.SMembers(ctx, set).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.raw.Ping(ctx).Err(); err != nil {
		return err
	}
	return s.decoded.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	rawErr := s.raw.Close()
	decErr := s.decoded.Close()
	if rawErr != nil {
		return rawErr
	}
	return decErr
}
