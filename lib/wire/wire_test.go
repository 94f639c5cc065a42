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
	"net/http"
	"net/url"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/lib/types"
)

type staticResolver map[string]CmdRoute

func (r staticResolver) Resolve(method, path string) (CmdRoute, error) {
	route, ok := r[method+" "+path]
	if !ok {
		return CmdRoute{}, trace.NotFound("no route for %v %v", method, path)
	}
	return route, nil
}

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	parser, err := NewParser(ParserConfig{
		Resolver: staticResolver{
			"POST /api/v1/message/send": {CmdID: 2001, Service: "message"},
			"GET /api/v1/user/profile":  {CmdID: 1001, Service: "user"},
			"GET /api/v1/ping":          {CmdID: 3001, Service: "misc", Public: true},
		},
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return parser
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	header := &Header{
		Version:   "1.0",
		Seq:       7,
		CmdID:     2001,
		Timestamp: 1700000000000,
		FromUID:   "u1",
		ToUID:     "u2",
		Token:     "tok",
		DeviceID:  "d1",
		Platform:  types.PlatformIOS,
	}
	body := []byte("opaque payload")

	frame, err := EncodeFrame(header, body)
	require.NoError(t, err)

	decoded, decodedBody, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, header, decoded)
	require.Equal(t, body, decodedBody)
}

func TestDecodeFrameRejects(t *testing.T) {
	t.Parallel()
	header := &Header{CmdID: 1, Platform: types.PlatformWeb}
	frame, err := EncodeFrame(header, []byte("x"))
	require.NoError(t, err)

	// truncation at any point is a decode failure
	_, _, err = DecodeFrame(frame[:len(frame)-3])
	require.True(t, trace.IsBadParameter(err))
	require.True(t, IsFramingViolation(err))

	// trailing garbage is rejected
	_, _, err = DecodeFrame(append(frame, 0xff))
	require.True(t, trace.IsBadParameter(err))
	require.True(t, IsFramingViolation(err))

	// unknown layout version is rejected
	bad := append([]byte{}, frame...)
	bad[0] = 9
	_, _, err = DecodeFrame(bad)
	require.True(t, trace.IsBadParameter(err))
	require.True(t, IsFramingViolation(err))

	_, _, err = DecodeFrame(nil)
	require.Error(t, err)
	require.True(t, IsFramingViolation(err))
}

func TestParseFrame(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	frame, err := EncodeFrame(&Header{CmdID: 2001, Token: "tok", DeviceID: "d1", Platform: types.PlatformWeb}, []byte("payload"))
	require.NoError(t, err)

	msg, err := parser.ParseFrame(frame, "session_1", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, uint32(2001), msg.Header.CmdID)
	require.Equal(t, []byte("payload"), msg.StructuredBytes)
	require.Empty(t, msg.JSONBytes)
	require.Equal(t, ProtocolFramed, msg.Session.Protocol)
	require.Equal(t, "session_1", msg.Session.SessionID)
	require.Empty(t, msg.Session.Method)

	require.Equal(t, uint64(1), parser.Stats().FramesParsed)
}

func TestParseFrameRejectsReservedCmd(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	frame, err := EncodeFrame(&Header{CmdID: 0, Platform: types.PlatformWeb}, nil)
	require.NoError(t, err)

	_, err = parser.ParseFrame(frame, "session_1", "10.0.0.1")
	require.True(t, trace.IsBadParameter(err))
	// a well-framed message with a bad header is not a framing violation
	require.False(t, IsFramingViolation(err))
	require.Equal(t, uint64(1), parser.Stats().DecodeFailures)
}

func TestParseRequestJSONBody(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer tok123")
	headers.Set("X-Device-ID", "d1")
	headers.Set("X-Platform", "Web")
	headers.Set("Content-Type", "application/json")

	msg, err := parser.ParseRequest(Request{
		Method:   "POST",
		Path:     "/api/v1/message/send",
		Headers:  headers,
		Query:    url.Values{},
		Body:     []byte(`{"from_uid":"u1","to_uid":"u2","text":"hi"}`),
		ClientIP: "10.0.0.2",
	})
	require.NoError(t, err)
	require.Equal(t, uint32(2001), msg.Header.CmdID)
	require.Equal(t, uint32(0), msg.Header.Seq)
	require.Equal(t, "tok123", msg.Header.Token)
	require.Equal(t, "d1", msg.Header.DeviceID)
	require.Equal(t, types.PlatformWeb, msg.Header.Platform)
	require.Equal(t, "u1", msg.Header.FromUID)
	require.Equal(t, "u2", msg.Header.ToUID)
	require.JSONEq(t, `{"from_uid":"u1","to_uid":"u2","text":"hi"}`, string(msg.JSONBytes))
	require.Empty(t, msg.StructuredBytes)
	require.Equal(t, ProtocolReqResp, msg.Session.Protocol)
	require.Equal(t, "POST", msg.Session.Method)
	require.True(t, len(msg.Session.SessionID) > 0)
	require.Contains(t, msg.Session.SessionID, "http_")
}

func TestParseRequestQueryFallbacks(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	query := url.Values{}
	query.Set("token", "qtok")
	query.Set("device_id", "d9")
	query.Set("platform", "ANDROID")
	query.Set("page", "2")

	msg, err := parser.ParseRequest(Request{
		Method:  "GET",
		Path:    "/api/v1/user/profile",
		Headers: http.Header{},
		Query:   query,
	})
	require.NoError(t, err)
	require.Equal(t, "qtok", msg.Header.Token)
	require.Equal(t, "d9", msg.Header.DeviceID)
	require.Equal(t, types.PlatformAndroid, msg.Header.Platform)

	// non-JSON requests carry their query parameters as the JSON body
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.JSONBytes, &body))
	require.Equal(t, "2", body["page"])
}

func TestParseRequestPublicRoute(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	msg, err := parser.ParseRequest(Request{
		Method:  "GET",
		Path:    "/api/v1/ping",
		Headers: http.Header{},
		Query:   url.Values{},
	})
	require.NoError(t, err)
	require.True(t, msg.Session.Public)

	msg, err = parser.ParseRequest(Request{
		Method:  "GET",
		Path:    "/api/v1/user/profile",
		Headers: http.Header{},
		Query:   url.Values{},
	})
	require.NoError(t, err)
	require.False(t, msg.Session.Public)
}

func TestParseRequestUnknownPlatform(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	msg, err := parser.ParseRequest(Request{
		Method:  "GET",
		Path:    "/api/v1/user/profile",
		Headers: http.Header{},
		Query:   url.Values{},
	})
	require.NoError(t, err)
	require.Equal(t, types.PlatformUnknown, msg.Header.Platform)
}

func TestParseRequestRoutingMiss(t *testing.T) {
	t.Parallel()
	parser := newTestParser(t)

	_, err := parser.ParseRequest(Request{
		Method:  "GET",
		Path:    "/api/v1/no/such/path",
		Headers: http.Header{},
		Query:   url.Values{},
	})
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, uint64(1), parser.Stats().RoutingFailures)

	_, err = parser.ParseRequest(Request{Path: "/api/v1/user/profile"})
	require.True(t, trace.IsBadParameter(err))

	parser.ResetStats()
	require.Zero(t, parser.Stats().RoutingFailures)
	require.Zero(t, parser.Stats().DecodeFailures)
}

func TestResponseEnvelope(t *testing.T) {
	t.Parallel()
	out, err := json.Marshal(NewResponse(CodeSuccess, "ok", ""))
	require.NoError(t, err)
	require.JSONEq(t, `{"code":200,"body":"ok","err_msg":""}`, string(out))

	out, err = json.Marshal(NewResponse(CodeSuccess, `{"n":1}`, ""))
	require.NoError(t, err)
	require.JSONEq(t, `{"code":200,"body":{"n":1},"err_msg":""}`, string(out))

	out, err = json.Marshal(NewResponse(CodeAuthFailed, "", "token expired"))
	require.NoError(t, err)
	require.JSONEq(t, `{"code":401,"body":"","err_msg":"token expired"}`, string(out))
}

func TestCodeMapping(t *testing.T) {
	t.Parallel()
	require.Equal(t, http.StatusOK, CodeSuccess.HTTPStatus())
	require.Equal(t, http.StatusUnauthorized, CodeAuthFailed.HTTPStatus())
	require.Equal(t, http.StatusNotFound, CodeRoutingFailed.HTTPStatus())
	require.Equal(t, http.StatusTooManyRequests, CodeOverloaded.HTTPStatus())
	require.True(t, CodeStoreUnavailable.Retryable())
	require.False(t, CodeAuthFailed.Retryable())

	require.Equal(t, CodeAuthFailed, CodeFromError(trace.AccessDenied("no")))
	require.Equal(t, CodeOverloaded, CodeFromError(trace.LimitExceeded("no")))
	require.Equal(t, CodeStoreUnavailable, CodeFromError(trace.ConnectionProblem(nil, "down")))
	require.Equal(t, CodeSuccess, CodeFromError(nil))
}
