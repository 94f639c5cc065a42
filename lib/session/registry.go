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
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatwire/chatwire/lib/kvstore"
	"github.com/chatwire/chatwire/lib/types"
	"github.com/chatwire/chatwire/lib/utils"
)

// Registry key layout in the shared store.
const (
	userSessionsPrefix = "user:sessions:"
	userPlatformPrefix = "user:platform:"
	sessionUserPrefix  = "session:user:"
	onlineUsersKey     = "online:users"
)

func userSessionsKey(userID string) string { return userSessionsPrefix + userID }

func userPlatformKey(userID string) string { return userPlatformPrefix + userID }

func sessionUserKey(sessionID string) string { return sessionUserPrefix + sessionID }

// deviceField is the hash field of one device: "{device_id}:{platform}".
func deviceField(deviceID string, platform types.Platform) string {
	return deviceID + ":" + string(platform)
}

var kickedSessions = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatwire_registry_kicked_sessions_total",
	Help: "Number of sessions evicted by a same-platform login",
})

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Store is the shared key/value store; required.
	Store kvstore.Store
	// Policies resolves the per-platform multi-device policy.
	Policies *types.PolicySet
	// Clock stamps session records.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing key/value store")
	}
	if c.Policies == nil {
		return trace.BadParameter("missing platform policies")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Registry tracks (user, device, platform) to session bindings across
// the gateway fleet through the shared store, and holds the sessions
// that live on this node so pushes and kicks can reach them directly.
type Registry struct {
	cfg RegistryConfig

	mu    sync.RWMutex
	local map[string]*Session
}

// NewRegistry builds a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(kickedSessions); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{cfg: cfg, local: make(map[string]*Session)}, nil
}

// AddResult reports the outcome of registering a session.
type AddResult struct {
	// KickedSessionID is the same-platform session evicted by this
	// login, empty when none.
	KickedSessionID string
}

// Add binds a session to (user, device, platform). Under a
// single-device policy the previous same-platform session of the user is
// kicked first. The record writes are applied atomically; on store
// failure a best-effort rollback removes partially applied keys and the
// error is returned to the caller.
func (r *Registry) Add(ctx context.Context, userID, deviceID string, platform types.Platform, sess *Session) (*AddResult, error) {
	if userID == "" || deviceID == "" {
		return nil, trace.BadParameter("missing user or device id")
	}
	if sess == nil {
		return nil, trace.BadParameter("missing session")
	}

	result := &AddResult{}
	policy := r.cfg.Policies.Get(platform)
	if !policy.AllowMultiDevice {
		kicked, err := r.kickSamePlatform(ctx, userID, deviceID, platform)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		result.KickedSessionID = kicked
	}

	field := deviceField(deviceID, platform)

	// a reconnect of the same device replaces its previous session; the
	// old session record has to go with it or a late teardown of the old
	// connection would wipe the new session's records
	replacedSID, err := r.replacedSession(ctx, userID, field, sess.ID())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	record := types.DeviceSession{
		SessionID:   sess.ID(),
		DeviceID:    deviceID,
		Platform:    platform,
		ConnectedAt: r.cfg.Clock.Now(),
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	err = r.cfg.Store.Exec(ctx, func(p kvstore.Pipe) error {
		if replacedSID != "" {
			p.Del(sessionUserKey(replacedSID))
		}
		p.HSet(userSessionsKey(userID), field, string(blob))
		p.SAdd(userPlatformKey(userID), field)
		p.HSet(sessionUserKey(sess.ID()), "user_id", userID)
		p.HSet(sessionUserKey(sess.ID()), "device_id", deviceID)
		p.HSet(sessionUserKey(sess.ID()), "platform", string(platform))
		p.SAdd(onlineUsersKey, userID)
		return nil
	})
	if err != nil {
		r.rollbackAdd(userID, deviceID, platform, sess.ID())
		return nil, trace.Wrap(err)
	}
	if replacedSID != "" {
		r.cfg.Log.InfoContext(ctx, "replaced previous session of reconnecting device",
			"user", userID, "device", deviceID, "replaced", replacedSID)
		r.closeLocal(replacedSID)
	}

	r.mu.Lock()
	r.local[sess.ID()] = sess
	r.mu.Unlock()

	r.cfg.Log.InfoContext(ctx, "registered session",
		"session", sess.ID(), "user", userID, "device", deviceID, "platform", platform)
	return result, nil
}

// replacedSession returns the id of the session currently bound to the
// device field, if any, so Add can retire its records and connection.
func (r *Registry) replacedSession(ctx context.Context, userID, field, newSessionID string) (string, error) {
	blob, err := r.cfg.Store.HGet(ctx, userSessionsKey(userID), field)
	if err != nil {
		if trace.IsNotFound(err) {
			return "", nil
		}
		return "", trace.Wrap(err)
	}
	var record types.DeviceSession
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		r.cfg.Log.ErrorContext(ctx, "corrupt device session record", "field", field, "error", err)
		return "", nil
	}
	if record.SessionID == newSessionID {
		return "", nil
	}
	return record.SessionID, nil
}

// kickSamePlatform evicts the user's previous session on the same
// platform, if any, and returns its id.
func (r *Registry) kickSamePlatform(ctx context.Context, userID, deviceID string, platform types.Platform) (string, error) {
	records, err := r.cfg.Store.HGetAll(ctx, userSessionsKey(userID))
	if err != nil {
		return "", trace.Wrap(err)
	}
	suffix := ":" + string(platform)
	for field, blob := range records {
		if !strings.HasSuffix(field, suffix) || field == deviceField(deviceID, platform) {
			continue
		}
		var record types.DeviceSession
		if err := json.Unmarshal([]byte(blob), &record); err != nil {
			r.cfg.Log.ErrorContext(ctx, "corrupt device session record", "field", field, "error", err)
			continue
		}

		err := r.cfg.Store.Exec(ctx, func(p kvstore.Pipe) error {
			p.HDel(userSessionsKey(userID), field)
			p.SRem(userPlatformKey(userID), field)
			p.Del(sessionUserKey(record.SessionID))
			return nil
		})
		if err != nil {
			return "", trace.Wrap(err)
		}

		kickedSessions.Inc()
		r.cfg.Log.WarnContext(ctx, "kicked previous same-platform session",
			"user", userID, "platform", platform, "kicked", record.SessionID)
		if !r.closeLocal(record.SessionID) {
			// the session lives on another node; its records are gone,
			// the owning node notices on its next registry touch
			r.cfg.Log.WarnContext(ctx, "kicked session is not local", "kicked", record.SessionID)
		}
		return record.SessionID, nil
	}
	return "", nil
}

// rollbackAdd makes a best effort at removing partially applied keys
// after a failed Add. Errors are swallowed; a retry of Add restores the
// invariants.
func (r *Registry) rollbackAdd(userID, deviceID string, platform types.Platform, sessionID string) {
	ctx := context.Background()
	field := deviceField(deviceID, platform)
	err := r.cfg.Store.Exec(ctx, func(p kvstore.Pipe) error {
		p.HDel(userSessionsKey(userID), field)
		p.SRem(userPlatformKey(userID), field)
		p.Del(sessionUserKey(sessionID))
		return nil
	})
	if err != nil {
		r.cfg.Log.WarnContext(ctx, "rollback of partial registration failed",
			"user", userID, "session", sessionID, "error", err)
	}
}

// Remove unbinds every record of (user, device). When the user has no
// sessions left they leave the online set.
func (r *Registry) Remove(ctx context.Context, userID, deviceID string) error {
	return trace.Wrap(r.removeDevice(ctx, userID, deviceID, ""))
}

// removeDevice unbinds the records of (user, device). A non-empty
// ownSessionID makes the delete conditional: fields bound to a
// different session are left alone, so a torn-down connection that was
// already replaced by a reconnect cannot wipe its successor's records.
func (r *Registry) removeDevice(ctx context.Context, userID, deviceID, ownSessionID string) error {
	records, err := r.cfg.Store.HGetAll(ctx, userSessionsKey(userID))
	if err != nil {
		return trace.Wrap(err)
	}
	prefix := deviceID + ":"
	removed := 0
	for field, blob := range records {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var record types.DeviceSession
		sessionID := ""
		if err := json.Unmarshal([]byte(blob), &record); err == nil {
			sessionID = record.SessionID
		}
		if ownSessionID != "" && sessionID != ownSessionID {
			continue
		}
		err := r.cfg.Store.Exec(ctx, func(p kvstore.Pipe) error {
			p.HDel(userSessionsKey(userID), field)
			p.SRem(userPlatformKey(userID), field)
			if sessionID != "" {
				p.Del(sessionUserKey(sessionID))
			}
			return nil
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if sessionID != "" {
			r.dropLocal(sessionID)
		}
		removed++
	}
	if removed == 0 {
		return nil
	}

	remaining, err := r.cfg.Store.HGetAll(ctx, userSessionsKey(userID))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(remaining) == 0 {
		if err := r.cfg.Store.SRem(ctx, onlineUsersKey, userID); err != nil {
			return trace.Wrap(err)
		}
	}
	r.cfg.Log.InfoContext(ctx, "removed device sessions",
		"user", userID, "device", deviceID, "count", removed)
	return nil
}

// RemoveBySession resolves the session's identity and removes its
// records. Unknown sessions are a no-op, and so is the teardown of a
// session whose device record already points at a newer session.
func (r *Registry) RemoveBySession(ctx context.Context, sessionID string) error {
	ident, err := r.cfg.Store.HGetAll(ctx, sessionUserKey(sessionID))
	if err != nil {
		return trace.Wrap(err)
	}
	r.dropLocal(sessionID)
	if len(ident) == 0 {
		return nil
	}
	return trace.Wrap(r.removeDevice(ctx, ident["user_id"], ident["device_id"], sessionID))
}

// Lookup returns the session id bound to (user, device, platform).
func (r *Registry) Lookup(ctx context.Context, userID, deviceID string, platform types.Platform) (string, error) {
	blob, err := r.cfg.Store.HGet(ctx, userSessionsKey(userID), deviceField(deviceID, platform))
	if err != nil {
		return "", trace.Wrap(err)
	}
	var record types.DeviceSession
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return "", trace.Wrap(err, "corrupt device session record")
	}
	return record.SessionID, nil
}

// ListUserSessions returns every live device session of the user.
func (r *Registry) ListUserSessions(ctx context.Context, userID string) ([]types.DeviceSession, error) {
	records, err := r.cfg.Store.HGetAll(ctx, userSessionsKey(userID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.DeviceSession, 0, len(records))
	for field, blob := range records {
		var record types.DeviceSession
		if err := json.Unmarshal([]byte(blob), &record); err != nil {
			r.cfg.Log.ErrorContext(ctx, "corrupt device session record", "field", field, "error", err)
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// IsOnlineOnPlatform reports whether the user has a live session on the
// platform.
func (r *Registry) IsOnlineOnPlatform(ctx context.Context, userID string, platform types.Platform) (bool, error) {
	fields, err := r.cfg.Store.SMembers(ctx, userPlatformKey(userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	suffix := ":" + string(platform)
	for _, field := range fields {
		if strings.HasSuffix(field, suffix) {
			return true, nil
		}
	}
	return false, nil
}

// OnlineCount returns the number of users with at least one live
// session anywhere in the fleet.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	count, err := r.cfg.Store.SCard(ctx, onlineUsersKey)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// PushToUser delivers a frame to every session of the user living on
// this node. When the user has sessions but none of them are local the
// caller gets NotFound and may forward through an inter-node bus.
func (r *Registry) PushToUser(ctx context.Context, userID string, frame []byte) error {
	records, err := r.ListUserSessions(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(records) == 0 {
		return trace.NotFound("user %q has no live sessions", userID)
	}
	delivered := 0
	for _, record := range records {
		if sess := r.localSession(record.SessionID); sess != nil {
			if err := sess.Send(frame); err != nil {
				r.cfg.Log.WarnContext(ctx, "push failed", "session", record.SessionID, "error", err)
				continue
			}
			delivered++
		}
	}
	if delivered == 0 {
		return trace.NotFound("user %q has no session on this node", userID)
	}
	return nil
}

// LocalSession returns the session with the given id if it lives on
// this node.
func (r *Registry) LocalSession(sessionID string) *Session {
	return r.localSession(sessionID)
}

// LocalCount returns the number of sessions on this node.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}

// CloseAll closes every local session, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.local))
	for _, sess := range r.local {
		sessions = append(sessions, sess)
	}
	r.local = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

func (r *Registry) localSession(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local[sessionID]
}

func (r *Registry) closeLocal(sessionID string) bool {
	r.mu.Lock()
	sess := r.local[sessionID]
	delete(r.local, sessionID)
	r.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.Close()
	return true
}

func (r *Registry) dropLocal(sessionID string) {
	r.mu.Lock()
	delete(r.local, sessionID)
	r.mu.Unlock()
}
