package api

import (
	"encoding/json"
	"net/http"
)

// Error kinds shared by every service surface. The kind is part of the wire
// contract; the message is advisory.
const (
	KindValidation        = "validation"
	KindAuth              = "auth"
	KindForbidden         = "forbidden"
	KindNotFound          = "not_found"
	KindConflict          = "conflict"
	KindInsufficientFunds = "insufficient_funds"
	KindEscrowExists      = "escrow_exists"
	KindDuplicateKey      = "duplicate_key"
	KindTransient         = "transient"
	KindInternal          = "internal"
)

// ErrorBody is the uniform error envelope.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError emits the uniform error envelope.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, ErrorBody{Error: kind, Message: message})
}

// StatusFor maps an error kind to its HTTP status class.
func StatusFor(kind string) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindEscrowExists, KindDuplicateKey, KindInsufficientFunds:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
