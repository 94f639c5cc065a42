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

// Package defaults contains default constants used across the chatwire
// codebase.
package defaults

import "time"

const (
	// StreamListenPort is the default port of the websocket streaming
	// endpoint.
	StreamListenPort = 8443

	// HTTPListenPort is the default port of the request/response endpoint.
	HTTPListenPort = 8080

	// APIPrefix is the path prefix under which every routed request lives.
	APIPrefix = "/api/v1"

	// BindIP is the address both listeners bind to by default.
	BindIP = "0.0.0.0"
)

const (
	// AccessTokenTTL is the access token lifetime used when a platform
	// policy does not override it.
	AccessTokenTTL = 2 * time.Hour

	// RefreshTokenTTL is the refresh token lifetime used when a platform
	// policy does not override it.
	RefreshTokenTTL = 7 * 24 * time.Hour

	// RefreshWindowFraction is the remaining-lifetime fraction below which
	// a refresh token is rotated on use.
	RefreshWindowFraction = 0.2

	// MaxRefreshRetries bounds client-driven refresh retries per token.
	MaxRefreshRetries = 3

	// TokenIssuer is the default "iss" claim of minted access tokens.
	TokenIssuer = "chatwire"

	// TokenAudience is the default "aud" claim of minted access tokens.
	TokenAudience = "chatwire-clients"
)

const (
	// HandlerTimeout is the per-call deadline for handler execution.
	HandlerTimeout = 30 * time.Second

	// MaxConcurrentTasks bounds the number of in-flight messages in the
	// processor; work beyond the bound is rejected as overloaded.
	MaxConcurrentTasks = 1024

	// BatchChunkPause is the pacing delay inserted between concurrently
	// processed chunks of a batch.
	BatchChunkPause = 10 * time.Millisecond
)

const (
	// MaxFrameSize caps a single streaming frame, header and body included.
	MaxFrameSize = 10 << 20 // 10 MiB

	// MaxSendQueueSize bounds the per-session send queue. A session whose
	// queue is full when another frame is enqueued is closed with a
	// transport-overload error.
	MaxSendQueueSize = 1024

	// ReadDeadline is how long a streaming session may stay silent before
	// it is considered dead. Pong replies count as activity.
	ReadDeadline = 75 * time.Second

	// KeepAlivePeriod is how often the gateway pings a streaming session.
	KeepAlivePeriod = 30 * time.Second

	// WriteTimeout bounds a single frame write on the streaming transport.
	WriteTimeout = 10 * time.Second
)

const (
	// ShutdownGrace is how long Stop waits for in-flight handlers to
	// drain before closing the remaining sessions.
	ShutdownGrace = 15 * time.Second

	// ServiceTimeout is the default downstream service call timeout used
	// when the service table does not specify one.
	ServiceTimeout = 5 * time.Second

	// ServiceMaxConnections is the default per-service connection cap.
	ServiceMaxConnections = 100

	// KVDialTimeout bounds the initial connection to the key/value store.
	KVDialTimeout = 5 * time.Second

	// KVOpTimeout bounds a single key/value store operation.
	KVOpTimeout = 3 * time.Second
)
