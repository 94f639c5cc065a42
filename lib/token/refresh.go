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

package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/types"
)

// refreshMeta is the server-side record of an opaque refresh token,
// stored as JSON under refresh:{token} with a TTL equal to the token
// lifetime.
type refreshMeta struct {
	UserID     string         `json:"user_id"`
	Username   string         `json:"username"`
	DeviceID   string         `json:"device_id"`
	Platform   types.Platform `json:"platform"`
	IssuedAt   time.Time      `json:"issued_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	JTI        string         `json:"jti"`
	Revoked    bool           `json:"revoked"`
	LastUsedAt time.Time      `json:"last_used_at"`
}

// TokenPair is the result of a mint or a refresh. Refresh is empty when
// the refresh token was not rotated.
type TokenPair struct {
	Access  string
	Refresh string
}

// GenerateRefreshToken mints an opaque refresh token bound to one device
// and persists its metadata. The token is also indexed under the user so
// logout-all-devices can enumerate it.
func (s *Service) GenerateRefreshToken(ctx context.Context, userID, username, deviceID string, platform types.Platform, ttlOverride time.Duration) (string, error) {
	if userID == "" || deviceID == "" {
		return "", trace.BadParameter("missing user or device id")
	}
	ttl := ttlOverride
	if ttl == 0 {
		ttl = s.cfg.Policies.Get(platform).RefreshTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.cfg.Clock.Now()
	meta := refreshMeta{
		UserID:    userID,
		Username:  username,
		DeviceID:  deviceID,
		Platform:  platform,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		JTI:       uuid.NewString(),
	}
	if err := s.writeRefreshMeta(ctx, token, &meta); err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.cfg.Store.SAdd(ctx, userRefreshKey(userID), token); err != nil {
		// index is best effort; the token itself is already valid
		s.cfg.Log.WarnContext(ctx, "failed to index refresh token",
			"user", userID, "error", err)
	}
	return token, nil
}

// GenerateTokens mints an access/refresh pair. Nothing is persisted when
// the refresh token cannot be stored; the access token is discarded.
func (s *Service) GenerateTokens(ctx context.Context, userID, username, deviceID string, platform types.Platform) (*TokenPair, error) {
	access, err := s.GenerateAccessToken(userID, username, deviceID, platform, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, err := s.GenerateRefreshToken(ctx, userID, username, deviceID, platform, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

// VerifyRefreshToken validates a refresh token against its stored
// metadata and the supplied device, updating last_used_at on success.
func (s *Service) VerifyRefreshToken(ctx context.Context, token, deviceID string) (*types.UserInfo, error) {
	meta, err := s.readRefreshMeta(ctx, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// a rotation claim outlives the metadata write that revokes the
	// token, so a rotated token stays dead even if a concurrent
	// last_used_at update raced the revocation
	if _, err := s.cfg.Store.Get(ctx, rotateKey(token)); err == nil {
		return nil, trace.AccessDenied("refresh token has been rotated")
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	now := s.cfg.Clock.Now()
	switch {
	case meta.Revoked:
		return nil, trace.AccessDenied("refresh token has been revoked")
	case !meta.ExpiresAt.After(now):
		return nil, trace.AccessDenied("refresh token has expired")
	case meta.DeviceID != deviceID:
		return nil, trace.AccessDenied("refresh token is bound to another device")
	}

	meta.LastUsedAt = now
	if err := s.writeRefreshMeta(ctx, token, meta); err != nil {
		s.cfg.Log.WarnContext(ctx, "failed to update refresh token last_used_at", "error", err)
	}
	return &types.UserInfo{
		UserID:   meta.UserID,
		Username: meta.Username,
		DeviceID: meta.DeviceID,
		Platform: meta.Platform,
	}, nil
}

// RefreshAccessToken exchanges a valid refresh token for a new access
// token. When the refresh token has entered its rotation window the old
// token is revoked and a new one returned alongside; at most one of any
// number of concurrent refreshers observes the rotation, the rest fail.
func (s *Service) RefreshAccessToken(ctx context.Context, token, deviceID string) (*TokenPair, error) {
	info, err := s.VerifyRefreshToken(ctx, token, deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	meta, err := s.readRefreshMeta(ctx, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	access, err := s.GenerateAccessToken(info.UserID, info.Username, info.DeviceID, info.Platform, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !s.shouldRotate(meta) {
		return &TokenPair{Access: access}, nil
	}

	// claim the rotation; exactly one concurrent refresher wins
	now := s.cfg.Clock.Now()
	won, err := s.cfg.Store.SetNX(ctx, rotateKey(token), now.Format(time.RFC3339Nano), meta.ExpiresAt.Sub(now))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !won {
		return nil, trace.AccessDenied("refresh token was already rotated")
	}

	replacement, err := s.GenerateRefreshToken(ctx, info.UserID, info.Username, info.DeviceID, info.Platform, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.RevokeRefreshToken(ctx, token); err != nil {
		s.cfg.Log.WarnContext(ctx, "failed to revoke rotated refresh token", "error", err)
	}
	s.cfg.Log.DebugContext(ctx, "rotated refresh token",
		"user", info.UserID, "device", info.DeviceID, "platform", info.Platform)
	return &TokenPair{Access: access, Refresh: replacement}, nil
}

// shouldRotate reports whether the remaining lifetime fraction dropped
// below the platform's rotation window.
func (s *Service) shouldRotate(meta *refreshMeta) bool {
	total := meta.ExpiresAt.Sub(meta.IssuedAt)
	if total <= 0 {
		return true
	}
	remaining := meta.ExpiresAt.Sub(s.cfg.Clock.Now())
	window := s.cfg.Policies.Get(meta.Platform).RefreshWindowFraction
	return float64(remaining)/float64(total) < window
}

// RevokeRefreshToken marks the token metadata revoked. Revoking an
// unknown or already revoked token succeeds.
func (s *Service) RevokeRefreshToken(ctx context.Context, token string) error {
	meta, err := s.readRefreshMeta(ctx, token)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if meta.Revoked {
		return nil
	}
	meta.Revoked = true
	return trace.Wrap(s.writeRefreshMeta(ctx, token, meta))
}

// RevokeUserRefreshTokens revokes every refresh token indexed under the
// user, i.e. logs the user out of all devices.
func (s *Service) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	tokens, err := s.cfg.Store.SMembers(ctx, userRefreshKey(userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	var errs []error
	for _, t := range tokens {
		errs = append(errs, s.RevokeRefreshToken(ctx, t))
	}
	return trace.NewAggregate(errs...)
}

func (s *Service) readRefreshMeta(ctx context.Context, token string) (*refreshMeta, error) {
	if token == "" {
		return nil, trace.AccessDenied("empty refresh token")
	}
	blob, err := s.cfg.Store.Get(ctx, refreshKey(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("unknown refresh token")
		}
		return nil, trace.Wrap(err)
	}
	var meta refreshMeta
	if err := json.Unmarshal([]byte(blob), &meta); err != nil {
		return nil, trace.Wrap(err, "corrupt refresh token metadata")
	}
	return &meta, nil
}

func (s *Service) writeRefreshMeta(ctx context.Context, token string, meta *refreshMeta) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return trace.Wrap(err)
	}
	ttl := meta.ExpiresAt.Sub(s.cfg.Clock.Now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return trace.Wrap(s.cfg.Store.Set(ctx, refreshKey(token), string(blob), ttl))
}
