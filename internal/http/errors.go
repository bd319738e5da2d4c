package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/parchi/internal/auth"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/idempotency"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/pass"
)

const (
	codeInvalidRequestBody     = "invalid_request_body"
	codeInvalidID              = "invalid_id"
	codeIdempotencyRequired    = "idempotency_key_required"
	codeIdempotencyConflict    = "idempotency_conflict"
	codeIdempotencyInProgress  = "idempotency_in_progress"
	codeRateLimited            = "rate_limited"
	codeUnauthenticated        = "unauthenticated"
	codeForbidden              = "forbidden"
	codeNameTooLong            = "name_too_long"
	codeURITooLong             = "uri_too_long"
	codeInvalidTier            = "invalid_tier"
	codeInvalidInput           = "invalid_input"
	codeMalformedPass          = "malformed_pass"
	codeUnsupportedPass        = "unsupported_pass_version"
	codePassExpired            = "pass_expired"
	codePassTampered           = "pass_tampered"
	codeSoldOut                = "sold_out"
	codeEventExpired           = "event_expired"
	codeAlreadyClaimed         = "already_claimed"
	codeDuplicateTicket        = "duplicate_ticket"
	codeAlreadyInitialized     = "already_initialized"
	codeRegistryNotInitialized = "registry_not_initialized"
	codeOverflow               = "overflow"
	codeEventNotFound          = "event_not_found"
	codeTicketNotFound         = "ticket_not_found"
	codeConflict               = "conflict"
	codeUnavailable            = "unavailable"
	codeInternalError          = "internal_error"
)

const retryAfterHeader = "Retry-After"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// errorStatus maps an error to its HTTP status and response code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, codeUnauthenticated
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, codeIdempotencyConflict
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, codeIdempotencyInProgress
	case errors.Is(err, pass.ErrMalformed):
		return http.StatusBadRequest, codeMalformedPass
	case errors.Is(err, pass.ErrUnsupportedVersion):
		return http.StatusBadRequest, codeUnsupportedPass
	case errors.Is(err, pass.ErrExpired):
		return http.StatusBadRequest, codePassExpired
	case errors.Is(err, pass.ErrTampered):
		return http.StatusBadRequest, codePassTampered
	}

	switch domain.Classify(err) {
	case domain.CategoryAuthorization:
		return http.StatusForbidden, codeForbidden
	case domain.CategoryValidation:
		switch {
		case errors.Is(err, domain.ErrNameTooLong):
			return http.StatusBadRequest, codeNameTooLong
		case errors.Is(err, domain.ErrURITooLong):
			return http.StatusBadRequest, codeURITooLong
		case errors.Is(err, domain.ErrInvalidTier):
			return http.StatusBadRequest, codeInvalidTier
		}
		return http.StatusBadRequest, codeInvalidInput
	case domain.CategoryCapacity:
		return http.StatusConflict, codeSoldOut
	case domain.CategoryTemporal:
		return http.StatusGone, codeEventExpired
	case domain.CategoryState:
		switch {
		case errors.Is(err, domain.ErrAlreadyClaimed):
			return http.StatusConflict, codeAlreadyClaimed
		case errors.Is(err, domain.ErrDuplicateTicket):
			return http.StatusConflict, codeDuplicateTicket
		case errors.Is(err, domain.ErrAlreadyInitialized):
			return http.StatusConflict, codeAlreadyInitialized
		}
		return http.StatusConflict, codeRegistryNotInitialized
	case domain.CategoryArithmetic:
		return http.StatusConflict, codeOverflow
	case domain.CategoryNotFound:
		if errors.Is(err, domain.ErrEventNotFound) {
			return http.StatusNotFound, codeEventNotFound
		}
		return http.StatusNotFound, codeTicketNotFound
	case domain.CategoryTransient:
		return http.StatusConflict, codeConflict
	default:
		return http.StatusInternalServerError, codeInternalError
	}
}

// writeDomainError renders err; internal errors are logged and never echoed.
// Transient failures carry Retry-After so the response is not stored against
// the request's idempotency key.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	status, code := errorStatus(err)
	if domain.Classify(err) == domain.CategoryTransient {
		w.Header().Set(retryAfterHeader, "1")
	}
	if status >= http.StatusInternalServerError {
		observability.LoggerFromContext(r.Context(), logger).WithError(err).Error("request failed")
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}
