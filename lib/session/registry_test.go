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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/lib/kvstore"
	"github.com/chatwire/chatwire/lib/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	policies, err := types.NewPolicySet(map[types.Platform]types.PlatformPolicy{
		types.PlatformIOS: {AllowMultiDevice: false, AutoRefreshEnabled: true},
		types.PlatformWeb: {AllowMultiDevice: true, AutoRefreshEnabled: true},
	})
	require.NoError(t, err)

	registry, err := NewRegistry(RegistryConfig{
		Store:    kvstore.NewRedisStoreFromClient(client),
		Policies: policies,
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return registry
}

func newTestSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	sess, err := New(Config{Conn: conn})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess, conn
}

func TestRegistryAddAndLookup(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()
	sess, _ := newTestSession(t)

	result, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, sess)
	require.NoError(t, err)
	require.Empty(t, result.KickedSessionID)

	sid, err := registry.Lookup(ctx, "u1", "d1", types.PlatformWeb)
	require.NoError(t, err)
	require.Equal(t, sess.ID(), sid)

	_, err = registry.Lookup(ctx, "u1", "d2", types.PlatformWeb)
	require.True(t, trace.IsNotFound(err))

	online, err := registry.IsOnlineOnPlatform(ctx, "u1", types.PlatformWeb)
	require.NoError(t, err)
	require.True(t, online)
	online, err = registry.IsOnlineOnPlatform(ctx, "u1", types.PlatformIOS)
	require.NoError(t, err)
	require.False(t, online)

	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRegistrySamePlatformKick(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	s1, conn1 := newTestSession(t)
	s2, _ := newTestSession(t)

	_, err := registry.Add(ctx, "u1", "d1", types.PlatformIOS, s1)
	require.NoError(t, err)

	result, err := registry.Add(ctx, "u1", "d2", types.PlatformIOS, s2)
	require.NoError(t, err)
	require.Equal(t, s1.ID(), result.KickedSessionID)

	// the first session has been closed exactly once
	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("kicked session not closed")
	}
	require.Equal(t, 1, conn1.closeCount())

	_, err = registry.Lookup(ctx, "u1", "d1", types.PlatformIOS)
	require.True(t, trace.IsNotFound(err))
	sid, err := registry.Lookup(ctx, "u1", "d2", types.PlatformIOS)
	require.NoError(t, err)
	require.Equal(t, s2.ID(), sid)

	// still one online user
	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRegistryReaddSameDevice(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	s1, conn1 := newTestSession(t)
	s2, _ := newTestSession(t)

	_, err := registry.Add(ctx, "u1", "d1", types.PlatformIOS, s1)
	require.NoError(t, err)

	// the same device reconnecting is a replacement, not a kick
	result, err := registry.Add(ctx, "u1", "d1", types.PlatformIOS, s2)
	require.NoError(t, err)
	require.Empty(t, result.KickedSessionID)

	sid, err := registry.Lookup(ctx, "u1", "d1", types.PlatformIOS)
	require.NoError(t, err)
	require.Equal(t, s2.ID(), sid)

	// the replaced connection is closed and forgotten locally
	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session not closed")
	}
	require.Equal(t, 1, conn1.closeCount())
	require.Nil(t, registry.LocalSession(s1.ID()))
	require.NotNil(t, registry.LocalSession(s2.ID()))
}

func TestRegistryReplacedSessionTeardown(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	s1, _ := newTestSession(t)
	s2, conn2 := newTestSession(t)

	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, s1)
	require.NoError(t, err)
	_, err = registry.Add(ctx, "u1", "d1", types.PlatformWeb, s2)
	require.NoError(t, err)

	// the late teardown of the replaced connection must not disturb the
	// records of its successor
	require.NoError(t, registry.RemoveBySession(ctx, s1.ID()))

	sid, err := registry.Lookup(ctx, "u1", "d1", types.PlatformWeb)
	require.NoError(t, err)
	require.Equal(t, s2.ID(), sid)

	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, registry.PushToUser(ctx, "u1", []byte("hello")))
	require.Eventually(t, func() bool {
		return len(conn2.written()) == 1
	}, time.Second, time.Millisecond)
}

func TestRegistryRemoveBySessionStaleIdentity(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	sess, _ := newTestSession(t)
	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, sess)
	require.NoError(t, err)

	// a leftover identity record pointing at the same device must not
	// let a foreign session id delete the live binding
	store := registry.cfg.Store
	require.NoError(t, store.HSet(ctx, sessionUserKey("session_stale"), "user_id", "u1"))
	require.NoError(t, store.HSet(ctx, sessionUserKey("session_stale"), "device_id", "d1"))
	require.NoError(t, store.HSet(ctx, sessionUserKey("session_stale"), "platform", "web"))

	require.NoError(t, registry.RemoveBySession(ctx, "session_stale"))

	sid, err := registry.Lookup(ctx, "u1", "d1", types.PlatformWeb)
	require.NoError(t, err)
	require.Equal(t, sess.ID(), sid)
	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRegistryMultiDeviceCoexistence(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	s1, _ := newTestSession(t)
	s2, _ := newTestSession(t)

	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, s1)
	require.NoError(t, err)
	result, err := registry.Add(ctx, "u1", "d2", types.PlatformWeb, s2)
	require.NoError(t, err)
	require.Empty(t, result.KickedSessionID)

	sessions, err := registry.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	s1, _ := newTestSession(t)
	s2, _ := newTestSession(t)
	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, s1)
	require.NoError(t, err)
	_, err = registry.Add(ctx, "u1", "d2", types.PlatformWeb, s2)
	require.NoError(t, err)

	require.NoError(t, registry.Remove(ctx, "u1", "d1"))
	_, err = registry.Lookup(ctx, "u1", "d1", types.PlatformWeb)
	require.True(t, trace.IsNotFound(err))

	// one device left, still online
	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, registry.Remove(ctx, "u1", "d2"))
	count, err = registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// removing an unknown device is a no-op
	require.NoError(t, registry.Remove(ctx, "u1", "d9"))
}

func TestRegistryRemoveBySession(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	sess, _ := newTestSession(t)
	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, sess)
	require.NoError(t, err)

	require.NoError(t, registry.RemoveBySession(ctx, sess.ID()))
	_, err = registry.Lookup(ctx, "u1", "d1", types.PlatformWeb)
	require.True(t, trace.IsNotFound(err))
	count, err := registry.OnlineCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// unknown session ids are a no-op
	require.NoError(t, registry.RemoveBySession(ctx, "session_404"))
}

func TestRegistryPushToUser(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	sess, conn := newTestSession(t)
	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, sess)
	require.NoError(t, err)

	require.NoError(t, registry.PushToUser(ctx, "u1", []byte("hello")))
	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, time.Millisecond)

	// an unknown user has no sessions at all
	err = registry.PushToUser(ctx, "u2", []byte("hello"))
	require.True(t, trace.IsNotFound(err))

	// a user whose only session lives elsewhere is not local
	registry.dropLocal(sess.ID())
	err = registry.PushToUser(ctx, "u1", []byte("hello"))
	require.True(t, trace.IsNotFound(err))
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t)
	ctx := context.Background()

	s1, _ := newTestSession(t)
	s2, _ := newTestSession(t)
	_, err := registry.Add(ctx, "u1", "d1", types.PlatformWeb, s1)
	require.NoError(t, err)
	_, err = registry.Add(ctx, "u2", "d1", types.PlatformWeb, s2)
	require.NoError(t, err)
	require.Equal(t, 2, registry.LocalCount())

	registry.CloseAll()
	require.Zero(t, registry.LocalCount())
	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	select {
	case <-s2.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
}
