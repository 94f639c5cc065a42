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

// Package types defines the value types shared between the gateway
// components: platforms and their policies, device sessions and
// authenticated user identities.
package types

import (
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/defaults"
)

// Platform is the logical client family a device belongs to. It selects
// token lifetimes and the multi-device policy.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformMiniApp Platform = "miniapp"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
	PlatformUnknown Platform = "unknown"
)

// Platforms lists every known platform, PlatformUnknown excluded.
var Platforms = []Platform{
	PlatformWeb,
	PlatformMiniApp,
	PlatformIOS,
	PlatformAndroid,
	PlatformDesktop,
	PlatformMobile,
}

// ParsePlatform maps a wire string to a Platform. Parsing is
// case-insensitive; anything unrecognized maps to PlatformUnknown.
func ParsePlatform(s string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformWeb:
		return PlatformWeb
	case PlatformMiniApp:
		return PlatformMiniApp
	case PlatformIOS:
		return PlatformIOS
	case PlatformAndroid:
		return PlatformAndroid
	case PlatformDesktop:
		return PlatformDesktop
	case PlatformMobile:
		return PlatformMobile
	default:
		return PlatformUnknown
	}
}

func (p Platform) String() string { return string(p) }

// PlatformPolicy is the per-platform authentication and session policy.
type PlatformPolicy struct {
	// AccessTTL is the lifetime of minted access tokens.
	AccessTTL time.Duration
	// RefreshTTL is the lifetime of minted refresh tokens.
	RefreshTTL time.Duration
	// AllowMultiDevice permits several live devices of the same user on
	// this platform. When false a new login evicts the previous
	// same-platform session.
	AllowMultiDevice bool
	// RefreshWindowFraction triggers refresh-token rotation when the
	// remaining lifetime fraction drops below it. Must be in (0, 1).
	RefreshWindowFraction float64
	// AutoRefreshEnabled lets clients refresh without re-login.
	AutoRefreshEnabled bool
	// MaxRefreshRetries bounds refresh retries advertised to clients.
	MaxRefreshRetries uint32
}

// CheckAndSetDefaults validates the policy and fills unset fields.
func (p *PlatformPolicy) CheckAndSetDefaults() error {
	if p.AccessTTL == 0 {
		p.AccessTTL = defaults.AccessTokenTTL
	}
	if p.RefreshTTL == 0 {
		p.RefreshTTL = defaults.RefreshTokenTTL
	}
	if p.RefreshWindowFraction == 0 {
		p.RefreshWindowFraction = defaults.RefreshWindowFraction
	}
	if p.RefreshWindowFraction <= 0 || p.RefreshWindowFraction >= 1 {
		return trace.BadParameter("refresh window fraction %v is outside (0, 1)", p.RefreshWindowFraction)
	}
	if p.AccessTTL < 0 || p.RefreshTTL < 0 {
		return trace.BadParameter("token lifetimes must be positive")
	}
	if p.MaxRefreshRetries == 0 {
		p.MaxRefreshRetries = defaults.MaxRefreshRetries
	}
	return nil
}

// PolicySet resolves a platform to its policy, falling back to a default
// policy for platforms without an explicit entry.
type PolicySet struct {
	policies map[Platform]PlatformPolicy
	fallback PlatformPolicy
}

// NewPolicySet builds a PolicySet from explicit per-platform policies.
// Every policy is validated and defaulted.
func NewPolicySet(policies map[Platform]PlatformPolicy) (*PolicySet, error) {
	fallback := PlatformPolicy{AllowMultiDevice: true, AutoRefreshEnabled: true}
	if err := fallback.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	set := &PolicySet{
		policies: make(map[Platform]PlatformPolicy, len(policies)),
		fallback: fallback,
	}
	for platform, policy := range policies {
		if err := policy.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err, "platform %q", platform)
		}
		set.policies[platform] = policy
	}
	return set, nil
}

// Get returns the policy for the given platform.
func (s *PolicySet) Get(platform Platform) PlatformPolicy {
	if policy, ok := s.policies[platform]; ok {
		return policy
	}
	return s.fallback
}
