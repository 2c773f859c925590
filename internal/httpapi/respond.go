// Package httpapi is the external-collaborator HTTP shell: request-ID
// and structured-log middleware, Prometheus request metrics, the JSON
// response envelope, and apperr.Kind -> status code mapping. It
// encodes no business rules of its own (spec.md §1 treats the HTTP
// surface as an external collaborator of the core).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/fleetctl/fleetctl/internal/obslog"
	"go.uber.org/zap"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errCode, message string, details ...string) {
	Respond(w, status, ErrorResponse{Error: errCode, Message: message, Details: details})
}

// statusForKind implements spec.md §6's error status table. Nothing
// outside this function decides an HTTP status from a business error.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.QuotaExceeded:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Cancelled:
		return 499 // client closed request, nginx convention; no clean 4xx exists for it
	default: // Transient, Fatal, unrecognized
		return http.StatusInternalServerError
	}
}

// detailer is satisfied by errors that can enumerate every failed check
// at once, e.g. provisioning.ValidationError — the shell renders the
// full list rather than truncating to the first failure.
type detailer interface {
	Details() []string
}

// RespondAppError maps any error to spec.md §6's status table and a
// safe, stable message — it never echoes the underlying error's detail
// (DB statements, IaaS bodies) into the response body, only into the
// structured log.
func RespondAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)

	log := obslog.From(r.Context())
	if status >= 500 {
		log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		log.Warn("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}

	var details []string
	if d, ok := err.(detailer); ok {
		details = d.Details()
	} else if ae, ok := err.(*apperr.Error); ok {
		if d, ok := ae.Unwrap().(detailer); ok {
			details = d.Details()
		}
	}

	RespondError(w, status, string(kind), safeMessage(kind), details...)
}

// safeMessage returns a short, stable, user-facing message that never
// repeats internal error text.
func safeMessage(k apperr.Kind) string {
	switch k {
	case apperr.Validation:
		return "the request failed validation"
	case apperr.Unauthorized:
		return "missing or invalid credentials"
	case apperr.NotFound:
		return "the requested resource was not found"
	case apperr.Conflict:
		return "the request conflicts with the current state"
	case apperr.QuotaExceeded:
		return "the account's bot quota is exhausted"
	case apperr.RateLimited:
		return "the upstream provider is rate-limiting requests, try again later"
	case apperr.Cancelled:
		return "the request was cancelled"
	default:
		return "an internal error occurred"
	}
}
