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

// Package processor dispatches parsed messages to registered command
// handlers. It bounds the number of in-flight messages, authenticates
// every non-public message before dispatch, races each handler against a
// deadline, and runs batches in paced concurrent chunks.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chatwire/chatwire"
	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/router"
	"github.com/chatwire/chatwire/lib/types"
	"github.com/chatwire/chatwire/lib/utils"
	"github.com/chatwire/chatwire/lib/wire"
)

var (
	processedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_processor_messages_total",
			Help: "Number of processed messages by outcome code",
		},
		[]string{"code"},
	)
	handlerSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwire_processor_duration_seconds",
			Help:    "Message processing latency by command id",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)
)

// HandlerResult is what a command handler produces on success.
type HandlerResult struct {
	// StatusCode is the outcome code reported to the client. It must be
	// one of the wire.Code values; anything outside that enum is
	// rejected and reported as a server error.
	StatusCode int32
	// ErrorMessage carries a handler-level error description.
	ErrorMessage string
	// FramedPayload is the reply body for the streaming protocol.
	FramedPayload []byte
	// JSONBody is the reply body for the request/response protocol.
	JSONBody string
}

// HandlerFn handles one message. The context carries the per-call
// deadline; handlers that outrun it keep running but their result is
// discarded.
type HandlerFn func(ctx context.Context, msg *wire.Message) (*HandlerResult, error)

// RegisterStatus is the outcome of a handler registration.
type RegisterStatus int

const (
	// RegisterOK means the handler was bound.
	RegisterOK RegisterStatus = iota
	// RegisterAlreadyPresent means the cmd_id already has a handler; the
	// existing one is kept.
	RegisterAlreadyPresent
	// RegisterNoSuchService means no configured service covers the
	// cmd_id.
	RegisterNoSuchService
	// RegisterInvalid means the registration itself is malformed.
	RegisterInvalid
)

func (s RegisterStatus) String() string {
	switch s {
	case RegisterOK:
		return "OK"
	case RegisterAlreadyPresent:
		return "ALREADY_PRESENT"
	case RegisterNoSuchService:
		return "NO_SUCH_SERVICE"
	default:
		return "INVALID"
	}
}

// TokenVerifier authenticates bearer credentials before dispatch.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token, deviceID string) (*types.UserInfo, error)
}

// ServiceResolver answers whether a configured service covers a cmd_id.
type ServiceResolver interface {
	ResolveServiceByCmd(cmd uint32) (router.Service, error)
}

// Result is the terminal outcome of processing one message.
type Result struct {
	// Code classifies the outcome.
	Code wire.Code
	// ErrMsg describes the failure, empty on success.
	ErrMsg string
	// FramedPayload is the streaming reply body.
	FramedPayload []byte
	// JSONBody is the request/response reply body.
	JSONBody string
}

// Config configures a Processor.
type Config struct {
	// Router validates registrations against the service table; required
	// unless AllowUnroutedHandlers is set.
	Router ServiceResolver
	// Verifier authenticates tokens before dispatch; required.
	Verifier TokenVerifier
	// Timeout is the per-call handler deadline.
	Timeout time.Duration
	// MaxConcurrentTasks bounds in-flight messages; excess work is
	// rejected as overloaded.
	MaxConcurrentTasks int
	// SequentialBatches disables concurrent batch execution.
	SequentialBatches bool
	// BatchChunkPause is the pacing delay between batch chunks.
	BatchChunkPause time.Duration
	// RequestLogging emits per-call start/finish log lines.
	RequestLogging bool
	// PerformanceMonitoring emits per-call duration and outcome metrics.
	PerformanceMonitoring bool
	// AllowUnroutedHandlers downgrades missing service coverage to a
	// warning on registration. Intended for tests.
	AllowUnroutedHandlers bool
	// Clock is used for pacing and latency measurement.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Verifier == nil {
		return trace.BadParameter("missing token verifier")
	}
	if c.Router == nil && !c.AllowUnroutedHandlers {
		return trace.BadParameter("missing service router")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.HandlerTimeout
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if c.BatchChunkPause == 0 {
		c.BatchChunkPause = defaults.BatchChunkPause
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Processor is the scheduling core between the parsers and the command
// handlers. Handler table reads are lock-free snapshots; registrations
// copy the table under a writer lock and swap it in one step.
type Processor struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	handlers atomic.Pointer[map[uint32]HandlerFn]

	inFlight atomic.Int64
}

// New builds a Processor.
func New(cfg Config) (*Processor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(processedMessages, handlerSeconds); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Processor{
		cfg: cfg,
		log: cfg.Log.With(chatwire.ComponentKey, chatwire.ComponentProcessor),
	}
	empty := make(map[uint32]HandlerFn)
	p.handlers.Store(&empty)
	return p, nil
}

// Register binds fn to cmd. An existing binding is kept and reported as
// already present; a cmd_id no configured service covers is refused
// unless unrouted handlers are allowed.
func (p *Processor) Register(cmd uint32, fn HandlerFn) RegisterStatus {
	if fn == nil || cmd == 0 {
		return RegisterInvalid
	}
	if p.cfg.Router != nil {
		if _, err := p.cfg.Router.ResolveServiceByCmd(cmd); err != nil {
			if !p.cfg.AllowUnroutedHandlers {
				return RegisterNoSuchService
			}
			p.log.Warn("registering handler for uncovered cmd_id", "cmd", cmd)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	current := *p.handlers.Load()
	if _, ok := current[cmd]; ok {
		p.log.Warn("handler already registered, keeping existing", "cmd", cmd)
		return RegisterAlreadyPresent
	}
	next := make(map[uint32]HandlerFn, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[cmd] = fn
	p.handlers.Store(&next)
	return RegisterOK
}

// HandlerCount returns the number of registered handlers.
func (p *Processor) HandlerCount() int {
	return len(*p.handlers.Load())
}

// InFlight returns the number of messages currently being processed.
func (p *Processor) InFlight() int64 {
	return p.inFlight.Load()
}

// Process runs one message through authentication, dispatch and
// execution. The outcome is always a Result; failures are encoded in its
// Code rather than returned as errors.
func (p *Processor) Process(ctx context.Context, msg *wire.Message) Result {
	start := p.cfg.Clock.Now()

	inFlight := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	if inFlight > int64(p.cfg.MaxConcurrentTasks) {
		return p.finish(msg, start, Result{
			Code:   wire.CodeOverloaded,
			ErrMsg: fmt.Sprintf("processor saturated at %v in-flight messages", p.cfg.MaxConcurrentTasks),
		})
	}

	if p.cfg.RequestLogging {
		p.log.Info("processing message",
			"cmd", msg.Header.CmdID,
			"session", msg.Session.SessionID,
			"protocol", msg.Session.Protocol.String(),
		)
	}
	return p.finish(msg, start, p.dispatch(ctx, msg))
}

func (p *Processor) dispatch(ctx context.Context, msg *wire.Message) Result {
	if !msg.Session.Public {
		if msg.Header.Token == "" {
			return Result{Code: wire.CodeAuthFailed, ErrMsg: "missing token"}
		}
		if _, err := p.cfg.Verifier.VerifyAccessToken(ctx, msg.Header.Token, msg.Header.DeviceID); err != nil {
			if trace.IsConnectionProblem(err) {
				return Result{Code: wire.CodeStoreUnavailable, ErrMsg: "token store unavailable"}
			}
			return Result{Code: wire.CodeAuthFailed, ErrMsg: "token verification failed"}
		}
	}

	fn, ok := (*p.handlers.Load())[msg.Header.CmdID]
	if !ok {
		return Result{
			Code:   wire.CodeNotFound,
			ErrMsg: fmt.Sprintf("Unknown command: %d", msg.Header.CmdID),
		}
	}
	return p.execute(ctx, msg, fn)
}

type handlerOutcome struct {
	result *HandlerResult
	err    error
}

// execute races fn against the per-call deadline. A handler that outruns
// the deadline keeps running; its result is discarded.
func (p *Processor) execute(ctx context.Context, msg *wire.Message, fn HandlerFn) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	outcomeCh := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("handler panicked", "cmd", msg.Header.CmdID, "panic", r)
				outcomeCh <- handlerOutcome{err: trace.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := fn(ctx, msg)
		outcomeCh <- handlerOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcomeCh:
		if out.err != nil {
			return Result{Code: wire.CodeFromError(out.err), ErrMsg: out.err.Error()}
		}
		if out.result == nil {
			return Result{Code: wire.CodeSuccess}
		}
		code := wire.Code(out.result.StatusCode)
		if !code.Valid() {
			p.log.Error("handler returned an unknown status code",
				"cmd", msg.Header.CmdID, "status", out.result.StatusCode)
			return Result{
				Code:   wire.CodeServerError,
				ErrMsg: fmt.Sprintf("handler returned unknown status code %d", out.result.StatusCode),
			}
		}
		return Result{
			Code:          code,
			ErrMsg:        out.result.ErrorMessage,
			FramedPayload: out.result.FramedPayload,
			JSONBody:      out.result.JSONBody,
		}
	case <-ctx.Done():
		return Result{Code: wire.CodeFromError(ctx.Err()), ErrMsg: "handler deadline exceeded"}
	}
}

func (p *Processor) finish(msg *wire.Message, start time.Time, res Result) Result {
	duration := p.cfg.Clock.Now().Sub(start)
	if p.cfg.RequestLogging {
		p.log.Info("message processed",
			"cmd", msg.Header.CmdID,
			"code", res.Code.String(),
			"duration", duration,
		)
	}
	if p.cfg.PerformanceMonitoring {
		processedMessages.WithLabelValues(res.Code.String()).Inc()
		handlerSeconds.WithLabelValues(fmt.Sprint(msg.Header.CmdID)).Observe(duration.Seconds())
	}
	return res
}

// ProcessBatch processes msgs and returns one Result per message in
// input order. When concurrent batches are enabled the batch runs in
// chunks of up to MaxConcurrentTasks messages with a pacing pause
// between chunks.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []*wire.Message) []Result {
	results := make([]Result, len(msgs))
	if len(msgs) == 0 {
		return results
	}
	if p.cfg.SequentialBatches {
		for i, msg := range msgs {
			results[i] = p.Process(ctx, msg)
		}
		return results
	}

	chunk := min(len(msgs), p.cfg.MaxConcurrentTasks)
	for lo := 0; lo < len(msgs); lo += chunk {
		hi := min(lo+chunk, len(msgs))
		group, groupCtx := errgroup.WithContext(ctx)
		for i := lo; i < hi; i++ {
			i := i
			group.Go(func() error {
				results[i] = p.Process(groupCtx, msgs[i])
				return nil
			})
		}
		// chunk goroutines only ever return nil
		_ = group.Wait()
		if hi < len(msgs) {
			p.cfg.Clock.Sleep(p.cfg.BatchChunkPause)
		}
	}
	return results
}
