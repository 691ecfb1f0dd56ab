package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"HedgeVault/internal/vaulterr"
)

var (
	// errBadRequest marks malformed paths, queries and bodies.
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("command rate limit exceeded")
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// httpStatus maps an error to its HTTP status and response code.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "RateLimited"
	}
	var verr *vaulterr.Error
	if !errors.As(err, &verr) {
		return http.StatusInternalServerError, "Internal"
	}

	switch {
	case errors.Is(err, vaulterr.ErrUnknownVault), errors.Is(err, vaulterr.ErrUnknownParticipant):
		return http.StatusNotFound, verr.Code
	case errors.Is(err, vaulterr.ErrDuplicateRequest),
		errors.Is(err, vaulterr.ErrVaultExists),
		errors.Is(err, vaulterr.ErrParticipantExists),
		errors.Is(err, vaulterr.ErrStaleTransaction):
		return http.StatusConflict, verr.Code
	}

	switch verr.Kind {
	case vaulterr.KindBounds, vaulterr.KindSync:
		return http.StatusBadRequest, verr.Code
	case vaulterr.KindState, vaulterr.KindMath:
		return http.StatusUnprocessableEntity, verr.Code
	default:
		return http.StatusInternalServerError, verr.Code
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) int {
	status, code := httpStatus(err)
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
	return status
}
