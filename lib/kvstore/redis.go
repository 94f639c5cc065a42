// Chatwire
// Copyright (C) 2026 Chatwire Contributors
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
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/chatwire/chatwire/lib/defaults"
)

// RedisConfig configures the redis-backed Store.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	Addr string
	// Password authenticates the connection, empty for none.
	Password string
	// DB selects the redis logical database.
	DB int
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration
	// OpTimeout bounds individual read/write commands.
	OpTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *RedisConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing redis address")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.KVDialTimeout
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaults.KVOpTimeout
	}
	return nil
}

// RedisStore implements Store on top of a single redis server. Atomic
// Exec pipelines are applied through MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies reachability.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, trace.ConnectionProblem(err, "connecting to redis at %v", cfg.Addr)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests that
// point the store at a miniredis server.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return convertError(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", convertError(err)
	}
	return v, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, convertError(err)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return convertError(s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return convertError(s.client.SAdd(ctx, key, toAny(members)...).Err())
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return convertError(s.client.SRem(ctx, key, toAny(members)...).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, convertError(err)
	}
	return v, nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	v, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, convertError(err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return convertError(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, convertError(err)
	}
	return won, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", convertError(err)
	}
	return v, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return convertError(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Exec(ctx context.Context, fn func(Pipe) error) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(&redisPipe{ctx: ctx, p: p})
	})
	return convertError(err)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return convertError(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return trace.Wrap(s.client.Close())
}

// redisPipe queues writes on a MULTI/EXEC pipeline. Command errors
// surface from Exec when the transaction runs.
type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (r *redisPipe) HSet(key, field, value string) { r.p.HSet(r.ctx, key, field, value) }
func (r *redisPipe) HDel(key string, fields ...string) {
	r.p.HDel(r.ctx, key, fields...)
}
func (r *redisPipe) SAdd(key string, members ...string) {
	r.p.SAdd(r.ctx, key, toAny(members)...)
}
func (r *redisPipe) SRem(key string, members ...string) {
	r.p.SRem(r.ctx, key, toAny(members)...)
}
func (r *redisPipe) Set(key, value string, ttl time.Duration) { r.p.Set(r.ctx, key, value, ttl) }
func (r *redisPipe) Del(key string)                           { r.p.Del(r.ctx, key) }

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// convertError maps redis errors onto trace errors: a nil reply becomes
// NotFound, anything else a connection problem the caller treats as
// store-unavailable.
func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return trace.NotFound("key not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return trace.Wrap(err)
	default:
		return trace.ConnectionProblem(err, "key/value store unavailable")
	}
}
