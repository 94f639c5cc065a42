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
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/processor"
	"github.com/chatwire/chatwire/lib/session"
	"github.com/chatwire/chatwire/lib/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// clients are native apps and trusted web frontends; origin policy is
	// enforced upstream
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the session writer interface.
// The session's write loop is the only caller of WriteMessage; keepalive
// pings go through WriteControl which is safe to use concurrently.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteMessage(p []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.conn.WriteMessage(websocket.BinaryMessage, p))
}

func (c *wsConn) Close() error {
	return trace.Wrap(c.conn.Close())
}

// handleStream authenticates and registers one streaming connection,
// then serves its read loop until the peer goes away or the gateway
// shuts down.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	credential := streamCredential(r)
	deviceID := headerOrQueryParam(r, "X-Device-ID", "device_id")
	if credential == "" || deviceID == "" {
		http.Error(w, "missing credential or device id", http.StatusUnauthorized)
		return
	}
	info, err := g.tokens.VerifyAccessToken(ctx, credential, deviceID)
	if err != nil {
		status := http.StatusUnauthorized
		if trace.IsConnectionProblem(err) {
			status = http.StatusServiceUnavailable
		}
		g.log.InfoContext(ctx, "stream handshake rejected", "device", deviceID, "error", err)
		http.Error(w, "access denied", status)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		g.log.DebugContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	sess, err := session.New(session.Config{
		Conn:       &wsConn{conn: ws, writeTimeout: g.cfg.WriteTimeout},
		RemoteAddr: r.RemoteAddr,
		Token:      credential,
		Log:        g.log,
	})
	if err != nil {
		g.log.ErrorContext(ctx, "failed to create session", "error", err)
		ws.Close()
		return
	}
	sess.BindIdentity(info)

	if _, err := g.registry.Add(ctx, info.UserID, info.DeviceID, info.Platform, sess); err != nil {
		g.log.ErrorContext(ctx, "failed to register session",
			"session", sess.ID(), "user", info.UserID, "error", err)
		sess.Close()
		return
	}
	defer func() {
		sess.Close()
		// the request context may already be gone at teardown
		if err := g.registry.RemoveBySession(context.Background(), sess.ID()); err != nil {
			g.log.Warn("failed to deregister session", "session", sess.ID(), "error", err)
		}
	}()

	g.log.InfoContext(ctx, "stream connected",
		"session", sess.ID(), "user", info.UserID, "device", info.DeviceID, "platform", info.Platform)
	g.readLoop(ctx, sess, ws)
}

// readLoop reads frames until the connection dies. Parsed messages are
// processed concurrently; replies go through the session's send queue.
func (g *Gateway) readLoop(ctx context.Context, sess *session.Session, ws *websocket.Conn) {
	ws.SetReadLimit(defaults.MaxFrameSize)
	resetDeadline := func() {
		if err := ws.SetReadDeadline(time.Now().Add(g.cfg.ReadDeadline)); err != nil {
			g.log.Debug("failed to set read deadline", "session", sess.ID(), "error", err)
		}
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})
	go g.keepAlive(ctx, sess, ws)

	for {
		messageType, raw, err := ws.ReadMessage()
		if err != nil {
			g.log.DebugContext(ctx, "stream read ended", "session", sess.ID(), "error", err)
			return
		}
		if messageType != websocket.BinaryMessage {
			g.log.DebugContext(ctx, "dropping non-binary frame", "session", sess.ID())
			continue
		}
		resetDeadline()

		msg, err := g.parser.ParseFrame(raw, sess.ID(), sess.RemoteAddr())
		if err != nil {
			// only a broken byte stream ends the session; a well-framed
			// message that fails validation is logged and dropped
			if wire.IsFramingViolation(err) {
				g.log.WarnContext(ctx, "framing violation, closing session",
					"session", sess.ID(), "error", err)
				return
			}
			g.log.WarnContext(ctx, "dropping invalid message",
				"session", sess.ID(), "error", err)
			continue
		}

		go func() {
			result := g.processor.Process(ctx, msg)
			reply, err := g.streamReply(msg, result)
			if err != nil {
				g.log.ErrorContext(ctx, "failed to encode reply", "session", sess.ID(), "error", err)
				return
			}
			if err := sess.Send(reply); err != nil {
				g.log.DebugContext(ctx, "reply dropped", "session", sess.ID(), "error", err)
			}
		}()
	}
}

// keepAlive pings the peer until the session or the gateway goes away.
func (g *Gateway) keepAlive(ctx context.Context, sess *session.Session, ws *websocket.Conn) {
	ticker := time.NewTicker(g.cfg.KeepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(g.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				g.log.DebugContext(ctx, "keepalive failed", "session", sess.ID(), "error", err)
				sess.Close()
				return
			}
		case <-sess.Done():
			return
		case <-ctx.Done():
			sess.Close()
			return
		}
	}
}

// streamReply frames a processing result for the streaming transport. A
// handler-provided framed payload passes through verbatim; everything
// else is the JSON envelope.
func (g *Gateway) streamReply(msg *wire.Message, result processor.Result) ([]byte, error) {
	body := result.FramedPayload
	if body == nil {
		encoded, err := json.Marshal(wire.NewResponse(result.Code, result.JSONBody, result.ErrMsg))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		body = encoded
	}
	frame, err := wire.EncodeFrame(&wire.Header{
		Version:   msg.Header.Version,
		Seq:       msg.Header.Seq,
		CmdID:     msg.Header.CmdID,
		Timestamp: uint64(g.cfg.Clock.Now().UnixMilli()),
		ToUID:     msg.Header.FromUID,
	}, body)
	return frame, trace.Wrap(err)
}

// streamCredential extracts the handshake credential from the bearer
// header or the token query parameter.
func streamCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func headerOrQueryParam(r *http.Request, header, param string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(param)
}
