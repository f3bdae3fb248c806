package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/flowpbx/callforward/internal/forward"
	"github.com/flowpbx/callforward/internal/registry"
	"github.com/go-chi/chi/v5"
)

// forwardRequest is the JSON body for creating or replacing a call forward.
type forwardRequest struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Contexts []string `json:"contexts"`
}

// forwardResponse is the JSON representation of a stored call forward.
type forwardResponse struct {
	ID       int64              `json:"id"`
	From     registry.Extension `json:"from"`
	To       registry.Extension `json:"to"`
	Contexts []registry.Context `json:"contexts"`
	Summary  string             `json:"summary"`
}

func toForwardResponse(rule forward.Rule) forwardResponse {
	id, _ := rule.ID()
	return forwardResponse{
		ID:       id,
		From:     rule.From,
		To:       rule.To,
		Contexts: rule.Contexts,
		Summary:  rule.String(),
	}
}

// resolveResponse is the JSON body of a routing dry run.
type resolveResponse struct {
	From        registry.Extension `json:"from"`
	Context     string             `json:"context"`
	Destination registry.Extension `json:"destination"`
	Forwarded   bool               `json:"forwarded"`
}

func (s *Server) handleListForwards(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var (
		rules []forward.Rule
		err   error
	)
	if from := r.URL.Query().Get("from"); from != "" {
		rules, err = s.forwards.ListFrom(r.Context(), from)
	} else {
		rules, err = s.forwards.List(r.Context())
	}
	if err != nil {
		s.writeForwardError(w, "list call forwards", err)
		return
	}

	window := page(rules, pg)
	items := make([]forwardResponse, len(window))
	for i := range window {
		items[i] = toForwardResponse(window[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  len(rules),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

func (s *Server) handleCreateForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateForwardRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rule, err := s.forwards.Create(r.Context(), req.From, req.To, req.Contexts)
	if err != nil {
		s.writeForwardError(w, "create call forward", err)
		return
	}

	writeJSON(w, http.StatusCreated, toForwardResponse(rule))
}

func (s *Server) handleGetForward(w http.ResponseWriter, r *http.Request) {
	id, err := parseForwardID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call forward id")
		return
	}

	rule, err := s.forwards.Get(r.Context(), id)
	if err != nil {
		s.writeForwardError(w, "get call forward", err)
		return
	}

	writeJSON(w, http.StatusOK, toForwardResponse(rule))
}

func (s *Server) handleUpdateForward(w http.ResponseWriter, r *http.Request) {
	id, err := parseForwardID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call forward id")
		return
	}

	var req forwardRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateForwardRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rule, err := s.forwards.Edit(r.Context(), id, req.From, req.To, req.Contexts)
	if err != nil {
		s.writeForwardError(w, "update call forward", err)
		return
	}

	writeJSON(w, http.StatusOK, toForwardResponse(rule))
}

func (s *Server) handleDeleteForward(w http.ResponseWriter, r *http.Request) {
	id, err := parseForwardID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call forward id")
		return
	}

	if err := s.forwards.Delete(r.Context(), id); err != nil {
		s.writeForwardError(w, "delete call forward", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, ctxName := q.Get("from"), q.Get("context")
	if ctxName == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}

	source := s.reg.Extension(from)
	dest, err := s.resolver.Resolve(r.Context(), source, ctxName)
	if err != nil {
		s.writeForwardError(w, "resolve call forward", err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		From:        source,
		Context:     ctxName,
		Destination: dest,
		Forwarded:   !dest.Equal(source),
	})
}

// writeForwardError maps store and resolver errors to HTTP statuses.
func (s *Server) writeForwardError(w http.ResponseWriter, op string, err error) {
	var (
		unknownCtx *forward.UnknownContextError
		overlap    *forward.OverlapError
		storage    *forward.StorageError
	)
	switch {
	case errors.As(err, &unknownCtx),
		errors.Is(err, forward.ErrNoContexts),
		errors.Is(err, forward.ErrEmptyExtension):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &overlap):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, forward.ErrNotFound):
		writeError(w, http.StatusNotFound, "call forward not found")
	case errors.As(err, &storage):
		s.logger.Error(op+": storage failure", "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.logger.Error(op+": unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseForwardID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, err
	}
	if id < 1 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}
