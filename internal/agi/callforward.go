package agi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/callforward/internal/registry"
)

const (
	// CallForwardScript is the FastAGI script name routed to CallForwardHandler.
	CallForwardScript = "call_forward"

	// ForwardedToVariable receives the resolved destination extension.
	ForwardedToVariable = "CALL_FORWARDED_TO"

	callForwardArgs = 2
)

// Handler serves one authenticated session.
type Handler interface {
	ServeAGI(ctx context.Context, s *Session) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session) error

func (f HandlerFunc) ServeAGI(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// MissingArgumentError reports an absent positional argument. Index is
// zero-based.
type MissingArgumentError struct {
	Index    int
	Required int
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("agi: missing argument %d of %d", e.Index, e.Required)
}

// Resolver picks the destination for a call.
type Resolver interface {
	Resolve(ctx context.Context, source registry.Extension, contextName string) (registry.Extension, error)
}

// CallForwardHandler answers "where does this call go" queries. Argument 0 is
// the dialed extension, argument 1 the dialplan context the call arrived in.
// The answer is written to CALL_FORWARDED_TO.
type CallForwardHandler struct {
	resolver Resolver
	reg      *registry.Registry
	logger   *slog.Logger
}

// NewCallForwardHandler creates a CallForwardHandler.
func NewCallForwardHandler(resolver Resolver, reg *registry.Registry, logger *slog.Logger) *CallForwardHandler {
	return &CallForwardHandler{
		resolver: resolver,
		reg:      reg,
		logger:   logger.With("handler", CallForwardScript),
	}
}

// ServeAGI implements Handler.
func (h *CallForwardHandler) ServeAGI(ctx context.Context, s *Session) error {
	from, ok := s.Request.Arg(0)
	if !ok {
		return &MissingArgumentError{Index: 0, Required: callForwardArgs}
	}
	contextName, ok := s.Request.Arg(1)
	if !ok {
		return &MissingArgumentError{Index: 1, Required: callForwardArgs}
	}

	source := h.reg.Extension(from)
	dest, err := h.resolver.Resolve(ctx, source, contextName)
	if err != nil {
		h.logger.Error("resolving call forward",
			"session_id", s.ID,
			"from", from,
			"context", contextName,
			"error", err,
		)
		// Leave CALL_FORWARDED_TO unset so the dialplan falls back to the
		// dialed extension.
		if verr := s.Verbose(ctx, "call_forward: "+err.Error(), 1); verr != nil {
			h.logger.Debug("sending resolve failure notice", "session_id", s.ID, "error", verr)
		}
		return fmt.Errorf("resolving call forward: %w", err)
	}

	if err := s.SetVariable(ctx, ForwardedToVariable, dest.ID); err != nil {
		return fmt.Errorf("setting %s: %w", ForwardedToVariable, err)
	}

	if dest.Equal(source) {
		h.logger.Info("call not forwarded", "session_id", s.ID, "from", source.String(), "context", contextName)
	} else {
		h.logger.Info("call forwarded",
			"session_id", s.ID,
			"from", source.String(),
			"to", dest.String(),
			"context", contextName,
		)
	}
	return nil
}
