package server

import (
	"net/http"

	"github.com/openfluke/loompatch/backend/local"
	"github.com/openfluke/loompatch/backend/remote"
)

// The execution routes serve backend/remote clients. Passes run with the
// KV cache on; overrides leave it untouched.

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	m, err := s.models.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	desc, err := m.Backend().Describe(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req remote.EncodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.models.Get(r.Context(), req.Model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := m.Backend().Encode(r.Context(), req.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.EncodeResponse{Tokens: ids})
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req remote.DecodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.models.Get(r.Context(), req.Model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	labels, err := m.Backend().Decode(r.Context(), req.Tokens)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.DecodeResponse{Labels: labels})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req remote.ForwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.models.Get(r.Context(), req.Model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := m.Backend(local.WithKVCache(true)).Forward(r.Context(), req.Pass)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
