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

// Package kvstore provides the shared key/value store abstraction used by
// the connection registry and the auth core. It is the only cross-node
// shared state in the gateway; every multi-node invariant routes through
// it.
package kvstore

import (
	"context"
	"time"
)

// Forever means a key has no TTL and lives until deleted.
const Forever time.Duration = 0

// Store is the key/value capability consumed by the gateway core. Keys
// fall into three families: hashes, sets and scalars. Implementations
// report missing keys and fields with trace.NotFound and connectivity
// failures with trace.ConnectionProblem; callers surface the latter as
// a transient store-unavailable condition.
type Store interface {
	// HSet sets a field of a hash key.
	HSet(ctx context.Context, key, field, value string) error
	// HGet reads a field of a hash key.
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll reads every field of a hash key. A missing key yields an
	// empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes fields from a hash key.
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd adds members to a set key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers lists the members of a set key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SCard returns the cardinality of a set key.
	SCard(ctx context.Context, key string) (int64, error)

	// Set writes a scalar key with an optional TTL (Forever for none).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes a scalar key only if it does not exist yet and
	// reports whether the write won. This is the atomic claim primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get reads a scalar key.
	Get(ctx context.Context, key string) (string, error)
	// Del removes a key of any family.
	Del(ctx context.Context, key string) error

	// Exec queues the mutations recorded by fn and applies them
	// atomically: either all of them are visible or none.
	Exec(ctx context.Context, fn func(Pipe) error) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the client and its connections.
	Close() error
}

// Pipe records mutations for an atomic Exec. Reads are deliberately
// absent; the pipeline is write-only.
type Pipe interface {
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Set(key, value string, ttl time.Duration)
	Del(key string)
}
