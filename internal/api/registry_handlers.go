package api

import (
	"net/http"
	"net/url"

	"github.com/flowpbx/callforward/internal/agi"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Contexts())
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Extensions())
}

func (s *Server) handleListBlockedPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.opts.Peers.BlockedPeers()
	if peers == nil {
		peers = []agi.BlockedPeer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleUnblockPeer(w http.ResponseWriter, r *http.Request) {
	ip, err := url.PathUnescape(chi.URLParam(r, "ip"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ip")
		return
	}
	if errMsg := validateIP("ip", ip); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if !s.opts.Peers.Unblock(ip) {
		writeError(w, http.StatusNotFound, "peer is not blocked")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
