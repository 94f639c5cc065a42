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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/chatwire/chatwire/lib/types"
)

// Request is one inbound request/response call handed to the parser by
// the transport endpoint.
type Request struct {
	// Method and Path identify the route.
	Method string
	Path   string
	// Headers are the request headers.
	Headers http.Header
	// Query holds the parsed query parameters.
	Query url.Values
	// Body is the raw request body.
	Body []byte
	// SessionID is set when the call is tied to an existing session;
	// the parser generates an "http_{N}" id otherwise.
	SessionID string
	// ClientIP is the remote peer address.
	ClientIP string
}

// Resolver is the route lookup the request/response parser depends on.
type Resolver interface {
	Resolve(method, path string) (CmdRoute, error)
}

// CmdRoute is the routing result the parser consumes.
type CmdRoute struct {
	CmdID   uint32
	Service string
	Public  bool
}

// ParserConfig configures a Parser.
type ParserConfig struct {
	// Resolver resolves request fingerprints; required.
	Resolver Resolver
	// Clock stamps received messages.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *ParserConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parser resolver")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Stats are the parser's monotonic counters.
type Stats struct {
	RequestsParsed  uint64 `json:"requests_parsed"`
	FramesParsed    uint64 `json:"frames_parsed"`
	RoutingFailures uint64 `json:"routing_failures"`
	DecodeFailures  uint64 `json:"decode_failures"`
}

// Parser normalizes both wire protocols into Messages.
type Parser struct {
	resolver Resolver
	clock    clockwork.Clock

	httpSeq atomic.Uint64

	requestsParsed  atomic.Uint64
	framesParsed    atomic.Uint64
	routingFailures atomic.Uint64
	decodeFailures  atomic.Uint64
}

// NewParser builds a Parser.
func NewParser(cfg ParserConfig) (*Parser, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Parser{resolver: cfg.Resolver, clock: cfg.Clock}, nil
}

// ParseFrame decodes one de-framed streaming message. The opaque body is
// preserved verbatim as StructuredBytes.
func (p *Parser) ParseFrame(raw []byte, sessionID, clientIP string) (*Message, error) {
	header, body, err := DecodeFrame(raw)
	if err != nil {
		p.decodeFailures.Add(1)
		return nil, trace.Wrap(err)
	}
	msg := &Message{
		Header:          *header,
		StructuredBytes: body,
		Session: SessionContext{
			Protocol:   ProtocolFramed,
			SessionID:  sessionID,
			ClientIP:   clientIP,
			ReceivedAt: p.clock.Now(),
		},
	}
	if err := msg.CheckHeader(); err != nil {
		p.decodeFailures.Add(1)
		return nil, trace.Wrap(err)
	}
	p.framesParsed.Add(1)
	return msg, nil
}

// ParseRequest normalizes one request/response call. Routing misses are
// reported as NotFound so the endpoint maps them to ROUTING_FAILED.
func (p *Parser) ParseRequest(req Request) (*Message, error) {
	if req.Method == "" || req.Path == "" {
		p.decodeFailures.Add(1)
		return nil, trace.BadParameter("request with empty method or path")
	}
	route, err := p.resolver.Resolve(req.Method, req.Path)
	if err != nil {
		p.routingFailures.Add(1)
		return nil, trace.Wrap(err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("http_%d", p.httpSeq.Add(1))
	}

	now := p.clock.Now()
	msg := &Message{
		Header: Header{
			CmdID:     route.CmdID,
			Seq:       0,
			Timestamp: uint64(now.UnixMilli()),
			Token:     bearerToken(req),
			DeviceID:  headerOrQuery(req, "X-Device-ID", "device_id"),
			Platform:  types.ParsePlatform(headerOrQuery(req, "X-Platform", "platform")),
		},
		JSONBytes: requestBody(req),
		Session: SessionContext{
			Protocol:   ProtocolReqResp,
			SessionID:  sessionID,
			Public:     route.Public,
			ClientIP:   req.ClientIP,
			ReceivedAt: now,
			Method:     strings.ToUpper(req.Method),
			Path:       req.Path,
			RawBody:    req.Body,
		},
	}

	// best effort: lift addressing hints out of the JSON body
	var hints struct {
		FromUID string `json:"from_uid"`
		ToUID   string `json:"to_uid"`
	}
	if err := json.Unmarshal(msg.JSONBytes, &hints); err == nil {
		msg.Header.FromUID = hints.FromUID
		msg.Header.ToUID = hints.ToUID
	}

	p.requestsParsed.Add(1)
	return msg, nil
}

// Stats returns a snapshot of the counters.
func (p *Parser) Stats() Stats {
	return Stats{
		RequestsParsed:  p.requestsParsed.Load(),
		FramesParsed:    p.framesParsed.Load(),
		RoutingFailures: p.routingFailures.Load(),
		DecodeFailures:  p.decodeFailures.Load(),
	}
}

// ResetStats zeroes the counters.
func (p *Parser) ResetStats() {
	p.requestsParsed.Store(0)
	p.framesParsed.Store(0)
	p.routingFailures.Store(0)
	p.decodeFailures.Store(0)
}

// bearerToken extracts the credential, preferring the Authorization
// header over the token query parameter.
func bearerToken(req Request) string {
	if auth := req.Headers.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return req.Query.Get("token")
}

func headerOrQuery(req Request, header, param string) string {
	if v := req.Headers.Get(header); v != "" {
		return v
	}
	return req.Query.Get(param)
}

// requestBody applies the body policy: JSON bodies of mutating methods
// pass through verbatim, everything else becomes a JSON object built
// from the query parameters.
func requestBody(req Request) []byte {
	method := strings.ToUpper(req.Method)
	mutating := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
	contentType := req.Headers.Get("Content-Type")
	if mutating && len(req.Body) > 0 && strings.HasPrefix(contentType, "application/json") {
		return req.Body
	}
	params := make(map[string]string, len(req.Query))
	for k := range req.Query {
		params[k] = req.Query.Get(k)
	}
	// a map of strings always marshals
	body, _ := json.Marshal(params)
	return body
}
