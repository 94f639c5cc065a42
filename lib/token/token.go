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

// Package token implements the gateway authentication core: short-lived
// signed access tokens and long-lived opaque refresh tokens, with
// per-platform lifetime and rotation policy. Revocation state and
// refresh metadata live in the shared key/value store so every gateway
// node sees the same truth.
package token

import (
	"context"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/kvstore"
	"github.com/chatwire/chatwire/lib/types"
)

// Key layout in the shared store.
const (
	// revokedAccessKey is the set of revoked access token ids (jti).
	revokedAccessKey = "revoked:access"
	// refreshKeyPrefix scopes refresh token metadata blobs.
	refreshKeyPrefix = "refresh:"
	// rotateKeyPrefix scopes rotation claim markers.
	rotateKeyPrefix = "refresh:rotated:"
	// userRefreshPrefix scopes the per-user refresh token index.
	userRefreshPrefix = "user:refresh:"
)

func refreshKey(token string) string { return refreshKeyPrefix + token }

func rotateKey(token string) string { return rotateKeyPrefix + token }

func userRefreshKey(userID string) string { return userRefreshPrefix + userID }

// Config configures the auth Service.
type Config struct {
	// Secret is the HMAC-SHA256 signing key, read-only after load.
	Secret []byte
	// Issuer is the "iss" claim of minted access tokens.
	Issuer string
	// Audience is the "aud" claim of minted access tokens.
	Audience string
	// Policies resolves per-platform lifetimes and rotation windows.
	Policies *types.PolicySet
	// Store holds revocation state and refresh metadata.
	Store kvstore.Store
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Secret) == 0 {
		return trace.BadParameter("missing signing secret")
	}
	if c.Store == nil {
		return trace.BadParameter("missing key/value store")
	}
	if c.Policies == nil {
		return trace.BadParameter("missing platform policies")
	}
	if c.Issuer == "" {
		c.Issuer = defaults.TokenIssuer
	}
	if c.Audience == "" {
		c.Audience = defaults.TokenAudience
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Service mints, verifies, refreshes and revokes both token kinds.
type Service struct {
	cfg Config
}

// New builds the auth Service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// accessClaims is the claim set of a minted access token.
type accessClaims struct {
	Username string `json:"username"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

const accessTokenType = "access"

// GenerateAccessToken mints a signed access token for the given
// identity. TTL is ttlOverride when non-zero, else the platform policy.
func (s *Service) GenerateAccessToken(userID, username, deviceID string, platform types.Platform, ttlOverride time.Duration) (string, error) {
	if userID == "" || deviceID == "" {
		return "", trace.BadParameter("missing user or device id")
	}
	ttl := ttlOverride
	if ttl == 0 {
		ttl = s.cfg.Policies.Get(platform).AccessTTL
	}
	now := s.cfg.Clock.Now()
	claims := accessClaims{
		Username: username,
		DeviceID: deviceID,
		Platform: string(platform),
		Type:     accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

// VerifyAccessToken checks the signature, issuer, audience, expiry and
// revocation state of an access token and binds it to deviceID. Store
// failures surface as transient; every other failure is a permanent
// access denial.
func (s *Service) VerifyAccessToken(ctx context.Context, token, deviceID string) (*types.UserInfo, error) {
	claims, err := s.parseAccess(token, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.DeviceID != deviceID {
		return nil, trace.AccessDenied("token is bound to another device")
	}
	revoked, err := s.isAccessRevoked(ctx, claims.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if revoked {
		return nil, trace.AccessDenied("token has been revoked")
	}
	return &types.UserInfo{
		UserID:   claims.Subject,
		Username: claims.Username,
		DeviceID: claims.DeviceID,
		Platform: types.ParsePlatform(claims.Platform),
		TokenID:  claims.ID,
	}, nil
}

// RevokeAccessToken adds the token's jti to the cluster deny list. The
// operation is idempotent; an already expired token is still accepted so
// clients can always log out.
func (s *Service) RevokeAccessToken(ctx context.Context, token string) error {
	claims, err := s.parseAccess(token, false)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Store.SAdd(ctx, revokedAccessKey, claims.ID); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.DebugContext(ctx, "revoked access token", "jti", claims.ID, "user", claims.Subject)
	return nil
}

func (s *Service) parseAccess(token string, verifyExpiry bool) (*accessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithTimeFunc(s.cfg.Clock.Now),
	}
	if !verifyExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, trace.AccessDenied("invalid access token: %v", err)
	}
	if claims.Type != accessTokenType {
		return nil, trace.AccessDenied("token is not an access token")
	}
	if claims.ID == "" {
		return nil, trace.AccessDenied("token is missing an id")
	}
	return &claims, nil
}

func (s *Service) isAccessRevoked(ctx context.Context, jti string) (bool, error) {
	// the revoked set is expected to stay small; SMembers keeps the
	// Store surface minimal
	members, err := s.cfg.Store.SMembers(ctx, revokedAccessKey)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	for _, m := range members {
		if m == jti {
			return true, nil
		}
	}
	return false, nil
}
