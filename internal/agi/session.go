package agi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// ErrNotAuthenticated is returned when a routing command is attempted on a
// session that has not passed the digest challenge.
var ErrNotAuthenticated = errors.New("agi: session not authenticated")

type authState int

const (
	authStart authState = iota
	authAwaiting
	authAccepted
	authRejected
)

func (s authState) String() string {
	switch s {
	case authStart:
		return "start"
	case authAwaiting:
		return "awaiting"
	case authAccepted:
		return "accepted"
	case authRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Session is one FastAGI connection. It is used by a single goroutine.
type Session struct {
	ID      string
	Request *Request

	conn    net.Conn
	rw      *bufio.ReadWriter
	timeout time.Duration
	auth    authState
	logger  *slog.Logger
}

func newSession(id string, conn net.Conn, timeout time.Duration, logger *slog.Logger) *Session {
	return &Session{
		ID:      id,
		conn:    conn,
		rw:      bufio.NewReadWriter(bufio.NewReaderSize(conn, maxLineSize), bufio.NewWriter(conn)),
		timeout: timeout,
		logger:  logger,
	}
}

// readRequest consumes the environment block that opens the session.
func (s *Session) readRequest() error {
	s.touch()
	req, err := readRequest(s.rw.Reader)
	if err != nil {
		return err
	}
	s.Request = req
	return nil
}

// Authenticated reports whether the digest challenge succeeded.
func (s *Session) Authenticated() bool {
	return s.auth == authAccepted
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Command sends a raw AGI command and waits for its reply.
func (s *Session) Command(ctx context.Context, cmd string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	s.touch()
	if _, err := s.rw.WriteString(cmd + "\n"); err != nil {
		return Reply{}, fmt.Errorf("writing agi command: %w", err)
	}
	if err := s.rw.Flush(); err != nil {
		return Reply{}, fmt.Errorf("writing agi command: %w", err)
	}

	s.touch()
	reply, err := readReply(s.rw.Reader)
	if err != nil {
		return Reply{}, err
	}
	s.logger.Debug("agi command", "command", cmd, "reply", reply.Raw)
	return reply, nil
}

// GetFullVariable asks Asterisk to evaluate expr in the channel's scope.
func (s *Session) GetFullVariable(ctx context.Context, expr string) (Reply, error) {
	return s.Command(ctx, "GET FULL VARIABLE "+quote(expr))
}

// SetVariable sets a channel variable. Only allowed once authenticated.
func (s *Session) SetVariable(ctx context.Context, name, value string) error {
	if !s.Authenticated() {
		return ErrNotAuthenticated
	}
	reply, err := s.Command(ctx, "SET VARIABLE "+name+" "+quote(value))
	if err != nil {
		return err
	}
	if !reply.OK() {
		return &ProtocolError{Command: "SET VARIABLE", Reply: reply}
	}
	return nil
}

// Verbose writes a message to the Asterisk console at the given level.
func (s *Session) Verbose(ctx context.Context, msg string, level int) error {
	reply, err := s.Command(ctx, "VERBOSE "+quote(msg)+" "+strconv.Itoa(level))
	if err != nil {
		return err
	}
	if !reply.OK() {
		return &ProtocolError{Command: "VERBOSE", Reply: reply}
	}
	return nil
}

// touch pushes the idle deadline forward.
func (s *Session) touch() {
	if s.timeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

// ProtocolError reports an unexpected reply from the peer.
type ProtocolError struct {
	Command string
	Reply   Reply
}

func (e *ProtocolError) Error() string {
	if e.Reply.Code == 200 {
		return fmt.Sprintf("agi: %s: reply carries no data: %q", e.Command, e.Reply.Raw)
	}
	return fmt.Sprintf("agi: %s: unexpected status %d: %q", e.Command, e.Reply.Code, e.Reply.Raw)
}
