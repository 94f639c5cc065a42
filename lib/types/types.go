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

package types

import "time"

// DeviceSession records one live connection of a device in the
// connection registry. Persisted as JSON in the shared key/value store.
type DeviceSession struct {
	// SessionID is the transport session currently bound to the device.
	SessionID string `json:"session_id"`
	// DeviceID identifies the device within the user's account.
	DeviceID string `json:"device_id"`
	// Platform is the client family of the device.
	Platform Platform `json:"platform"`
	// ConnectedAt is when the session was registered.
	ConnectedAt time.Time `json:"connected_at"`
}

// UserInfo is the authenticated identity extracted from a verified
// credential.
type UserInfo struct {
	// UserID is the stable account id.
	UserID string `json:"user_id"`
	// Username is the display login name.
	Username string `json:"username"`
	// DeviceID is the device the credential is bound to.
	DeviceID string `json:"device_id"`
	// Platform is the client family the credential was minted for.
	Platform Platform `json:"platform"`
	// TokenID is the unique id (jti) of the verified access token,
	// empty for identities derived from refresh tokens.
	TokenID string `json:"token_id,omitempty"`
}
