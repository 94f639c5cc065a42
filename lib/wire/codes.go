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

// Package wire defines the unified message shape shared by both client
// protocols, the framed binary codec, and the parsers that normalize
// inbound traffic into it.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gravitational/trace"
)

// Code classifies the outcome of processing one message. Codes are
// kinds, not HTTP statuses; HTTPStatus gives the default mapping for the
// request/response surface.
type Code int

const (
	CodeSuccess Code = iota
	CodeInvalidRequest
	CodeRoutingFailed
	CodeDecodeFailed
	CodeAuthFailed
	CodeNotFound
	CodeTimeout
	CodeOverloaded
	CodeStoreUnavailable
	CodeServerError
)

// Valid reports whether c is one of the defined outcome codes.
func (c Code) Valid() bool {
	return c >= CodeSuccess && c <= CodeServerError
}

// String returns the canonical name of the code.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeRoutingFailed:
		return "ROUTING_FAILED"
	case CodeDecodeFailed:
		return "DECODE_FAILED"
	case CodeAuthFailed:
		return "AUTH_FAILED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeOverloaded:
		return "OVERLOADED"
	case CodeStoreUnavailable:
		return "STORE_UNAVAILABLE"
	default:
		return "SERVER_ERROR"
	}
}

// HTTPStatus returns the default HTTP mapping of the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidRequest, CodeDecodeFailed:
		return http.StatusBadRequest
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeRoutingFailed, CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeOverloaded:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may retry the request unchanged.
func (c Code) Retryable() bool {
	return c == CodeTimeout || c == CodeOverloaded || c == CodeStoreUnavailable
}

// Response is the JSON envelope of the request/response surface.
type Response struct {
	Code   int    `json:"code"`
	Body   any    `json:"body"`
	ErrMsg string `json:"err_msg"`
}

// NewResponse builds the envelope for a code and a handler body. A body
// holding valid JSON is embedded verbatim, anything else as a string.
func NewResponse(code Code, body string, errMsg string) Response {
	resp := Response{Code: code.HTTPStatus(), ErrMsg: errMsg}
	switch {
	case body == "":
		resp.Body = ""
	case json.Valid([]byte(body)):
		resp.Body = json.RawMessage(body)
	default:
		resp.Body = body
	}
	return resp
}

// CodeFromError derives the outcome code from a processing error.
func CodeFromError(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case trace.IsLimitExceeded(err):
		return CodeOverloaded
	case trace.IsAccessDenied(err):
		return CodeAuthFailed
	case trace.IsConnectionProblem(err):
		return CodeStoreUnavailable
	case trace.IsNotFound(err):
		return CodeNotFound
	case trace.IsBadParameter(err):
		return CodeInvalidRequest
	default:
		return CodeServerError
	}
}
