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

// Package session holds the per-connection session object of the
// streaming transport and the cluster-wide connection registry that
// tracks which device of which user is connected where.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/types"
)

// Conn is the transport connection a session writes to. The websocket
// endpoint adapts its connection to this; tests plug in fakes.
type Conn interface {
	// WriteMessage writes one complete frame.
	WriteMessage(p []byte) error
	// Close tears the connection down.
	Close() error
}

// sessionSeq numbers streaming sessions process-wide. Ids are unique per
// process only; cross-node uniqueness is not guaranteed or relied upon.
var sessionSeq atomic.Uint64

// NextID returns the next streaming session id, of the form
// "session_{N}".
func NextID() string {
	return fmt.Sprintf("session_%d", sessionSeq.Add(1))
}

// Config configures a Session.
type Config struct {
	// Conn is the underlying transport connection; required.
	Conn Conn
	// ID is the session id, NextID() when empty.
	ID string
	// RemoteAddr is the peer address.
	RemoteAddr string
	// Token is the bearer credential extracted during the handshake.
	Token string
	// QueueSize bounds the send queue.
	QueueSize int
	// Log is the structured logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing session connection")
	}
	if c.ID == "" {
		c.ID = NextID()
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.MaxSendQueueSize
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Session is one live client connection on the streaming transport. All
// writes go through a bounded send queue drained by a single writer
// goroutine, so concurrent senders are serialized and frames are never
// interleaved.
type Session struct {
	id         string
	remoteAddr string
	token      string
	conn       Conn
	log        *slog.Logger

	sendCh chan []byte
	done   chan struct{}

	closeOnce sync.Once
	overload  atomic.Bool

	identity atomic.Pointer[types.UserInfo]
}

// New builds a Session and starts its writer goroutine.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Session{
		id:         cfg.ID,
		remoteAddr: cfg.RemoteAddr,
		token:      cfg.Token,
		conn:       cfg.Conn,
		log:        cfg.Log.With("session", cfg.ID),
		sendCh:     make(chan []byte, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// ID returns the stable session id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Token returns the handshake credential.
func (s *Session) Token() string { return s.token }

// BindIdentity records the authenticated identity after handshake
// verification.
func (s *Session) BindIdentity(info *types.UserInfo) {
	s.identity.Store(info)
}

// Identity returns the bound identity, nil before BindIdentity.
func (s *Session) Identity() *types.UserInfo {
	return s.identity.Load()
}

// Send enqueues one frame for delivery. Frames drain in FIFO order. When
// the queue is full the session is closed with a transport-overload
// error and the frame is dropped.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.done:
		return trace.ConnectionProblem(nil, "session %v is closed", s.id)
	default:
	}
	select {
	case s.sendCh <- frame:
		return nil
	default:
		s.overload.Store(true)
		s.log.Warn("send queue overflow, closing session", "queue_size", cap(s.sendCh))
		s.Close()
		return trace.LimitExceeded("session %v send queue overflow", s.id)
	}
}

// Close tears the session down. It is idempotent and safe to call from
// any goroutine; teardown never propagates errors.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.log.Debug("error closing session connection", "error", err)
		}
	})
}

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Overloaded reports whether the session was closed by send queue
// overflow.
func (s *Session) Overloaded() bool { return s.overload.Load() }

// writeLoop is the single writer draining the send queue.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			if err := s.conn.WriteMessage(frame); err != nil {
				s.log.Debug("session write failed", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
