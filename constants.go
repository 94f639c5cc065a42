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

// Package chatwire holds constants shared by every chatwire component.
package chatwire

// Version is the semantic version of the gateway, reported by the CLI
// and by the stats endpoint.
const Version = "0.4.0"

const (
	// ComponentKey is the log attribute under which a component name
	// is reported.
	ComponentKey = "component"

	// ComponentGateway is the gateway facade that wires the transports,
	// the parser, the processor and the registry together.
	ComponentGateway = "gateway"

	// ComponentStream is the long-lived websocket transport endpoint.
	ComponentStream = "stream"

	// ComponentAPI is the short-lived request/response transport endpoint.
	ComponentAPI = "api"

	// ComponentRegistry is the cluster-wide connection registry.
	ComponentRegistry = "registry"

	// ComponentAuth is the token mint/verify/rotate core.
	ComponentAuth = "auth"

	// ComponentProcessor is the cmd_id dispatcher.
	ComponentProcessor = "processor"

	// ComponentParser is the wire message parser.
	ComponentParser = "parser"

	// ComponentKVStore is the shared key/value store client.
	ComponentKVStore = "kvstore"
)
