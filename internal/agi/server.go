package agi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout drops a peer that stays silent this long.
const DefaultIdleTimeout = 10 * time.Second

const guardSweepInterval = time.Minute

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeHandled       Outcome = "handled"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeAuthFailed    Outcome = "auth_failed"
	OutcomeProtocolError Outcome = "protocol_error"
	OutcomeUnknownScript Outcome = "unknown_script"
	OutcomeHandlerError  Outcome = "handler_error"
)

// Outcomes lists every Outcome in a stable order.
var Outcomes = []Outcome{
	OutcomeHandled, OutcomeBlocked, OutcomeAuthFailed,
	OutcomeProtocolError, OutcomeUnknownScript, OutcomeHandlerError,
}

// Server accepts FastAGI connections, authenticates each one and dispatches
// it to the handler registered for its script name.
type Server struct {
	addr     string
	timeout  time.Duration
	auth     *Authenticator
	guard    *PeerGuard
	handlers map[string]Handler
	logger   *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	counts   map[Outcome]*atomic.Uint64
	authFail atomic.Uint64
}

// NewServer creates a FastAGI server. guard may be nil.
func NewServer(addr string, idleTimeout time.Duration, auth *Authenticator, guard *PeerGuard, logger *slog.Logger) *Server {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	counts := make(map[Outcome]*atomic.Uint64, len(Outcomes))
	for _, o := range Outcomes {
		counts[o] = new(atomic.Uint64)
	}
	return &Server{
		addr:     addr,
		timeout:  idleTimeout,
		auth:     auth,
		guard:    guard,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "agi"),
		conns:    make(map[net.Conn]struct{}),
		counts:   counts,
	}
}

// Handle registers h for a script name. It must be called before Start.
func (s *Server) Handle(script string, h Handler) {
	s.handlers[strings.TrimPrefix(script, "/")] = h
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.Serve(ctx, ln)
	return nil
}

// Serve accepts connections from ln in the background until Stop is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("agi server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	if s.guard != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(guardSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.guard.Sweep()
				}
			}
		}()
	}
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and waits for in-flight sessions to finish.
// Sessions still blocked on a silent peer end at their idle deadline.
func (s *Server) Stop() {
	s.logger.Info("stopping agi server")

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("agi server stopped")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accepting agi connection", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one session on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	sess := newSession(uuid.NewString(), conn, s.timeout, s.logger)
	logger := s.logger.With("session_id", sess.ID, "remote_addr", sess.RemoteAddr())
	sess.logger = logger

	defer func() {
		if r := recover(); r != nil {
			s.count(OutcomeHandlerError)
			logger.Error("panic in agi session", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	outcome := s.serve(ctx, sess, logger)
	s.count(outcome)
	logger.Debug("agi session closed", "outcome", outcome)
}

func (s *Server) serve(ctx context.Context, sess *Session, logger *slog.Logger) Outcome {
	remote := sess.RemoteAddr()
	if s.guard != nil && s.guard.Blocked(remote) {
		logger.Warn("agi connection rejected: peer blocked")
		return OutcomeBlocked
	}

	if err := sess.readRequest(); err != nil {
		logger.Warn("reading agi request", "error", err)
		return OutcomeProtocolError
	}
	script := sess.Request.Script()
	logger = logger.With("script", script)
	sess.logger = logger

	if err := s.auth.Authenticate(ctx, sess); err != nil {
		// Only an answered challenge counts against the peer. A hangup or
		// timeout before the reply says nothing about the secret.
		if !challengeFailed(err) {
			logger.Warn("agi challenge interrupted", "error", err)
			return OutcomeProtocolError
		}
		s.authFail.Add(1)
		if s.guard != nil {
			s.guard.Fail(remote)
		}
		logger.Warn("agi authentication failed", "error", err)
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrMalformedDigest) {
			return OutcomeAuthFailed
		}
		return OutcomeProtocolError
	}
	if s.guard != nil {
		s.guard.Succeed(remote)
	}

	h, ok := s.handlers[script]
	if !ok {
		logger.Warn("no handler for agi script")
		if err := sess.Verbose(ctx, "Unknown AGI script: "+script, 1); err != nil {
			logger.Debug("sending unknown script notice", "error", err)
		}
		return OutcomeUnknownScript
	}

	if err := h.ServeAGI(ctx, sess); err != nil {
		logger.Warn("agi handler failed", "error", err)
		return OutcomeHandlerError
	}
	return OutcomeHandled
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) count(o Outcome) {
	if c, ok := s.counts[o]; ok {
		c.Add(1)
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	Sessions     map[Outcome]uint64
	AuthFailures uint64
	Active       int
	BlockedPeers int
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Sessions:     make(map[Outcome]uint64, len(s.counts)),
		AuthFailures: s.authFail.Load(),
	}
	for o, c := range s.counts {
		st.Sessions[o] = c.Load()
	}
	s.mu.Lock()
	st.Active = len(s.conns)
	s.mu.Unlock()
	if s.guard != nil {
		st.BlockedPeers = len(s.guard.BlockedPeers())
	}
	return st
}

// challengeFailed reports whether err came from a reply to the digest
// challenge rather than from the transport.
func challengeFailed(err error) bool {
	var perr *ProtocolError
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrMalformedDigest) ||
		errors.As(err, &perr)
}
