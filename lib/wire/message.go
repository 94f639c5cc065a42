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

package wire

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/types"
)

// Protocol identifies the transport a message arrived on.
type Protocol int

const (
	// ProtocolFramed is the long-lived binary streaming transport.
	ProtocolFramed Protocol = iota
	// ProtocolReqResp is the short-lived request/response transport.
	ProtocolReqResp
)

func (p Protocol) String() string {
	if p == ProtocolFramed {
		return "framed"
	}
	return "reqresp"
}

// Header is the canonical metadata every inbound request carries,
// normalized across both protocols.
type Header struct {
	// Version is the client protocol version string.
	Version string
	// Seq is the client sequence number, zero on the request/response
	// protocol.
	Seq uint32
	// CmdID is the command id. Zero is reserved and never valid.
	CmdID uint32
	// Timestamp is milliseconds since the epoch at send or receive time.
	Timestamp uint64
	// FromUID and ToUID are optional addressing hints.
	FromUID string
	ToUID   string
	// Token is the opaque bearer credential.
	Token string
	// DeviceID identifies the sending device.
	DeviceID string
	// Platform is the sending client family.
	Platform types.Platform
}

// SessionContext carries transport-level facts about the message.
type SessionContext struct {
	// Protocol is the transport the message arrived on.
	Protocol Protocol
	// SessionID identifies the connection, "session_{N}" for streaming
	// and "http_{N}" for request/response.
	SessionID string
	// Public marks messages that arrived on a route served without a
	// bearer token.
	Public bool
	// ClientIP is the remote peer address.
	ClientIP string
	// ReceivedAt is when the gateway read the message.
	ReceivedAt time.Time
	// Method, Path and RawBody are set only on the request/response
	// protocol.
	Method  string
	Path    string
	RawBody []byte
}

// Message is one inbound request normalized across protocols. Exactly
// one of StructuredBytes and JSONBytes is set. A message is produced once
// by the parser and consumed once by the processor.
type Message struct {
	Header Header
	// StructuredBytes preserves the framed payload verbatim; the
	// handler interprets it based on CmdID.
	StructuredBytes []byte
	// JSONBytes holds the JSON body of request/response calls.
	JSONBytes []byte
	// Session is the transport context the message arrived with.
	Session SessionContext
}

// CheckHeader validates the invariants every parsed header must hold.
func (m *Message) CheckHeader() error {
	if m.Header.CmdID == 0 {
		return trace.BadParameter("cmd_id 0 is reserved")
	}
	return nil
}
