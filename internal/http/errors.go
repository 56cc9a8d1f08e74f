package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"datapulse/internal/engine"
	"datapulse/internal/store"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Error{Code: code, Message: msg})
}

// writeDomainError maps storage and engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSubscriptionNotFound):
		WriteError(w, http.StatusNotFound, "subscription_not_found", "subscription not found")
	case errors.Is(err, store.ErrEndpointNotFound):
		WriteError(w, http.StatusNotFound, "endpoint_not_found", "webhook endpoint not found")
	case errors.Is(err, engine.ErrSubscriptionInactive):
		WriteError(w, http.StatusConflict, "subscription_inactive", "subscription is inactive")
	case errors.Is(err, engine.ErrSubscriptionExpired):
		WriteError(w, http.StatusGone, "subscription_expired", "subscription has expired")
	case errors.Is(err, engine.ErrWrongMode):
		WriteError(w, http.StatusConflict, "wrong_mode", "operation not valid for subscription mode")
	case errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "storage unavailable")
	default:
		WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
