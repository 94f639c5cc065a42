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

// Package gateway wires the transports, parser, processor, registry and
// auth service into one runnable unit and owns their lifetimes.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/chatwire/chatwire"
	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/kvstore"
	"github.com/chatwire/chatwire/lib/processor"
	"github.com/chatwire/chatwire/lib/router"
	"github.com/chatwire/chatwire/lib/session"
	"github.com/chatwire/chatwire/lib/token"
	"github.com/chatwire/chatwire/lib/types"
	"github.com/chatwire/chatwire/lib/wire"
)

// Config configures a Gateway.
type Config struct {
	// Policies is the per-platform policy table; required.
	Policies *types.PolicySet
	// Router is the route and service table; required.
	Router router.Config
	// AuthSecret is the token signing key; required.
	AuthSecret []byte
	// TokenIssuer overrides the "iss" claim of minted tokens.
	TokenIssuer string
	// TokenAudience overrides the "aud" claim of minted tokens.
	TokenAudience string
	// Store is the shared key/value store; required.
	Store kvstore.Store
	// StreamAddr is the streaming listen address.
	StreamAddr string
	// HTTPAddr is the request/response listen address.
	HTTPAddr string
	// HandlerTimeout is the per-call handler deadline.
	HandlerTimeout time.Duration
	// MaxConcurrentTasks bounds in-flight messages.
	MaxConcurrentTasks int
	// ReadDeadline closes streaming connections that stay silent.
	ReadDeadline time.Duration
	// KeepAlivePeriod paces streaming keepalive pings.
	KeepAlivePeriod time.Duration
	// WriteTimeout bounds individual streaming writes.
	WriteTimeout time.Duration
	// ShutdownGrace bounds the in-flight drain during Stop.
	ShutdownGrace time.Duration
	// RequestLogging enables per-call log lines in the processor.
	RequestLogging bool
	// PerformanceMonitoring enables per-call metrics in the processor.
	PerformanceMonitoring bool
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Policies == nil {
		return trace.BadParameter("missing platform policies")
	}
	if len(c.AuthSecret) == 0 {
		return trace.BadParameter("missing auth secret")
	}
	if c.Store == nil {
		return trace.BadParameter("missing key/value store")
	}
	if c.StreamAddr == "" {
		c.StreamAddr = fmt.Sprintf("%v:%v", defaults.BindIP, defaults.StreamListenPort)
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = fmt.Sprintf("%v:%v", defaults.BindIP, defaults.HTTPListenPort)
	}
	if c.ReadDeadline == 0 {
		c.ReadDeadline = defaults.ReadDeadline
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = defaults.KeepAlivePeriod
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaults.ShutdownGrace
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Gateway is the façade over the whole connection core. Handlers are
// registered before Start; afterwards the handler table is read-only.
type Gateway struct {
	cfg Config
	log *slog.Logger

	router    *router.Router
	parser    *wire.Parser
	tokens    *token.Service
	registry  *session.Registry
	processor *processor.Processor

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	streamSrv *http.Server
	httpSrv   *http.Server
}

// New builds a Gateway and its components. Nothing listens until Start.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Gateway{
		cfg: cfg,
		log: cfg.Log.With(chatwire.ComponentKey, chatwire.ComponentGateway),
	}

	var err error
	if g.router, err = router.New(cfg.Router); err != nil {
		return nil, trace.Wrap(err)
	}
	if g.tokens, err = token.New(token.Config{
		Secret:   cfg.AuthSecret,
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		Policies: cfg.Policies,
		Store:    cfg.Store,
		Clock:    cfg.Clock,
		Log:      cfg.Log,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if g.parser, err = wire.NewParser(wire.ParserConfig{
		Resolver: routeResolver{g.router},
		Clock:    cfg.Clock,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if g.registry, err = session.NewRegistry(session.RegistryConfig{
		Store:    cfg.Store,
		Policies: cfg.Policies,
		Clock:    cfg.Clock,
		Log:      cfg.Log,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if g.processor, err = processor.New(processor.Config{
		Router:                g.router,
		Verifier:              g.tokens,
		Timeout:               cfg.HandlerTimeout,
		MaxConcurrentTasks:    cfg.MaxConcurrentTasks,
		RequestLogging:        cfg.RequestLogging,
		PerformanceMonitoring: cfg.PerformanceMonitoring,
		Clock:                 cfg.Clock,
		Log:                   cfg.Log,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return g, nil
}

// RegisterHandler binds fn to cmd. Registration is refused once the
// gateway has started.
func (g *Gateway) RegisterHandler(cmd uint32, fn processor.HandlerFn) error {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started {
		return trace.CompareFailed("cannot register handlers after start")
	}
	switch status := g.processor.Register(cmd, fn); status {
	case processor.RegisterOK:
		return nil
	case processor.RegisterAlreadyPresent:
		return trace.AlreadyExists("handler for cmd_id %v already registered", cmd)
	case processor.RegisterNoSuchService:
		return trace.NotFound("no configured service covers cmd_id %v", cmd)
	default:
		return trace.BadParameter("invalid handler registration for cmd_id %v", cmd)
	}
}

// Start binds both listeners and begins serving. Calling Start on a
// running gateway is a no-op.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	streamLn, err := net.Listen("tcp", g.cfg.StreamAddr)
	if err != nil {
		cancel()
		return trace.ConvertSystemError(err)
	}
	httpLn, err := net.Listen("tcp", g.cfg.HTTPAddr)
	if err != nil {
		streamLn.Close()
		cancel()
		return trace.ConvertSystemError(err)
	}

	g.cancel = cancel
	g.streamSrv = &http.Server{
		Handler:     http.HandlerFunc(g.handleStream),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.httpSrv = &http.Server{
		Handler:     g.newAPIHandler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go g.serve(g.streamSrv, streamLn, "stream")
	go g.serve(g.httpSrv, httpLn, "http")

	g.started = true
	g.log.InfoContext(ctx, "gateway started",
		"stream_addr", streamLn.Addr().String(),
		"http_addr", httpLn.Addr().String(),
	)
	return nil
}

func (g *Gateway) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		g.log.Error("listener exited", "listener", name, "error", err)
	}
}

// Stop refuses new connections, drains in-flight handlers up to the
// grace window, then closes the remaining sessions and cancels
// everything still running. Teardown never propagates errors.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}
	g.started = false

	graceCtx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownGrace)
	defer cancel()

	if err := g.httpSrv.Shutdown(graceCtx); err != nil {
		g.log.Warn("http shutdown incomplete", "error", err)
	}
	g.drain(graceCtx)
	g.registry.CloseAll()
	// hijacked streaming connections are not covered by Shutdown
	if err := g.streamSrv.Close(); err != nil {
		g.log.Warn("stream close incomplete", "error", err)
	}
	g.cancel()
	g.log.Info("gateway stopped")
	return nil
}

// drain waits for in-flight handlers to finish or the grace window to
// expire.
func (g *Gateway) drain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.processor.InFlight() > 0 {
		select {
		case <-ctx.Done():
			g.log.Warn("drain grace expired", "in_flight", g.processor.InFlight())
			return
		case <-ticker.C:
		}
	}
}

// PushToUser delivers a frame to the user's sessions on this node and
// reports whether anything was delivered.
func (g *Gateway) PushToUser(ctx context.Context, userID string, frame []byte) bool {
	if err := g.registry.PushToUser(ctx, userID, frame); err != nil {
		g.log.DebugContext(ctx, "push not delivered", "user", userID, "error", err)
		return false
	}
	return true
}

// OnlineCount returns the number of users online anywhere in the fleet.
func (g *Gateway) OnlineCount(ctx context.Context) (int64, error) {
	count, err := g.registry.OnlineCount(ctx)
	return count, trace.Wrap(err)
}

// Stats is a point-in-time snapshot of gateway counters.
type Stats struct {
	Parser        wire.Stats `json:"parser"`
	InFlight      int64      `json:"in_flight"`
	LocalSessions int        `json:"local_sessions"`
	Handlers      int        `json:"handlers"`
}

// Stats returns a snapshot of gateway counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Parser:        g.parser.Stats(),
		InFlight:      g.processor.InFlight(),
		LocalSessions: g.registry.LocalCount(),
		Handlers:      g.processor.HandlerCount(),
	}
}

// routeResolver adapts the router to the parser's lookup interface.
type routeResolver struct {
	router *router.Router
}

func (r routeResolver) Resolve(method, path string) (wire.CmdRoute, error) {
	match, err := r.router.Resolve(method, path)
	if err != nil {
		return wire.CmdRoute{}, trace.Wrap(err)
	}
	return wire.CmdRoute{CmdID: match.CmdID, Service: match.Service, Public: match.Public}, nil
}
