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

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/wire"
)

// newAPIHandler builds the request/response surface: every method under
// the API prefix funnels into the parser/processor pipeline, plus the
// health and metrics endpoints outside it.
func (g *Gateway) newAPIHandler() http.Handler {
	mux := httprouter.New()
	mux.GET("/healthz", g.handleHealth)
	mux.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	prefix := g.router.APIPrefix()
	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete,
	} {
		mux.Handle(method, prefix+"/*route", g.handleAPI)
	}
	return mux
}

// handleHealth reports liveness of the gateway and its store.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := g.cfg.Store.Ping(r.Context()); err != nil {
		g.log.WarnContext(r.Context(), "health check failed", "error", err)
		g.writeResponse(w, wire.CodeStoreUnavailable, "", "store unavailable")
		return
	}
	g.writeResponse(w, wire.CodeSuccess, `{"status":"ok"}`, "")
}

// handleAPI runs one request/response call through the pipeline.
func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxFrameSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeResponse(w, wire.CodeInvalidRequest, "",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		g.writeResponse(w, wire.CodeDecodeFailed, "", "failed to read request body")
		return
	}

	msg, err := g.parser.ParseRequest(wire.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Headers:  r.Header,
		Query:    r.URL.Query(),
		Body:     body,
		ClientIP: r.RemoteAddr,
	})
	if err != nil {
		code := wire.CodeDecodeFailed
		switch {
		case trace.IsNotFound(err):
			// a parse-stage miss is a routing failure, not a handler miss
			code = wire.CodeRoutingFailed
		case trace.IsBadParameter(err):
			code = wire.CodeInvalidRequest
		}
		g.writeResponse(w, code, "", trace.UserMessage(err))
		return
	}

	result := g.processor.Process(r.Context(), msg)
	g.writeResponse(w, result.Code, result.JSONBody, result.ErrMsg)
}

// writeResponse writes the {code, body, err_msg} envelope with the
// code's default HTTP status.
func (g *Gateway) writeResponse(w http.ResponseWriter, code wire.Code, body, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	if err := json.NewEncoder(w).Encode(wire.NewResponse(code, body, errMsg)); err != nil {
		g.log.Debug("failed to write response", "error", err)
	}
}
