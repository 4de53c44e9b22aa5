package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/backend/remote"
	"github.com/openfluke/loompatch/patching"
)

// Error kinds carried in the error body.
const (
	KindConfiguration = remote.KindConfiguration
	KindShapeMismatch = remote.KindShapeMismatch
	KindBackend       = remote.KindBackend
	KindBadRequest    = remote.KindBadRequest
	KindRateLimited   = remote.KindRateLimited
	KindInternal      = remote.KindInternal
)

// classify maps an error onto a status code and kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, patching.ErrConfiguration):
		return http.StatusBadRequest, KindConfiguration
	case errors.Is(err, patching.ErrShapeMismatch):
		return http.StatusUnprocessableEntity, KindShapeMismatch
	case errors.Is(err, patching.ErrBackend):
		return http.StatusBadGateway, KindBackend
	case errors.Is(err, backend.ErrInvalidPass):
		return http.StatusBadRequest, KindBadRequest
	}
	return http.StatusInternalServerError, KindInternal
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := classify(err)
	log := s.logger.With(zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	if code >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request rejected")
	}
	writeError(w, code, kind, err.Error())
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, remote.ErrorResponse{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
